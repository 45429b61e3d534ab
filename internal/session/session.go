// Package session keeps consent flow state as explicit TTL-bound entities
// in the cache, keyed by subscriber.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/luxbot/vipgate/internal/cache"
)

// Consent flow stages. A session advances age -> rules -> done and is
// removed once admission material has been handed out.
const (
	StageAge   = "age"
	StageRules = "rules"
	StageDone  = "done"
)

var (
	ErrNotFound   = errors.New("no consent session")
	ErrWrongStage = errors.New("consent session is not at the expected stage")
)

// Consent is one subscriber's in-progress consent flow.
type Consent struct {
	SubscriberID string `json:"subscriber_id"`
	CreatorID    string `json:"creator_id"`
	GroupID      string `json:"group_id"`
	Stage        string `json:"stage"`
	StartedAt    int64  `json:"started_at"`
}

// Store persists consent sessions in the cache with the session TTL. An
// abandoned flow simply expires.
type Store struct {
	cache cache.Cache
}

func NewStore(c cache.Cache) *Store {
	return &Store{cache: c}
}

func key(subscriberID string) string {
	return "consent:" + subscriberID
}

// Start creates or replaces the subscriber's session at the age stage.
func (s *Store) Start(ctx context.Context, subscriberID, creatorID, groupID string, startedAt int64) (*Consent, error) {
	c := &Consent{
		SubscriberID: subscriberID,
		CreatorID:    creatorID,
		GroupID:      groupID,
		Stage:        StageAge,
		StartedAt:    startedAt,
	}
	if err := s.put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns the subscriber's session or ErrNotFound.
func (s *Store) Get(ctx context.Context, subscriberID string) (*Consent, error) {
	data, err := s.cache.Get(ctx, key(subscriberID))
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load consent session: %w", err)
	}
	c := &Consent{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to decode consent session: %w", err)
	}
	return c, nil
}

// Advance moves the session from fromStage to toStage. A session at any
// other stage is rejected with ErrWrongStage, so replayed or out-of-order
// button presses cannot skip a step.
func (s *Store) Advance(ctx context.Context, subscriberID, fromStage, toStage string) (*Consent, error) {
	c, err := s.Get(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if c.Stage != fromStage {
		return nil, fmt.Errorf("%w: at %s, expected %s", ErrWrongStage, c.Stage, fromStage)
	}
	c.Stage = toStage
	if err := s.put(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// End removes the subscriber's session.
func (s *Store) End(ctx context.Context, subscriberID string) error {
	return s.cache.Delete(ctx, key(subscriberID))
}

func (s *Store) put(ctx context.Context, c *Consent) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode consent session: %w", err)
	}
	if err := s.cache.Set(ctx, key(c.SubscriberID), data, cache.TTLSession); err != nil {
		return fmt.Errorf("failed to store consent session: %w", err)
	}
	return nil
}
