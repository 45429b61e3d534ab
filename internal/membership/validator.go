package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/luxbot/vipgate/internal/logutil"
	"github.com/luxbot/vipgate/internal/store"
)

// Admission is the result of a successful join validation.
type Admission struct {
	Ticket *store.InviteTicket
	Record *store.MembershipRecord
}

// Validator decides whether a join request is admitted. A join is admitted
// only by spending an open invite ticket; consumption is atomic in the
// store, so one ticket admits at most one subscriber under any concurrency.
type Validator struct {
	memberships store.MembershipStore
	tickets     store.TicketStore
	logger      *slog.Logger
	now         func() time.Time
}

func NewValidator(memberships store.MembershipStore, tickets store.TicketStore, logger *slog.Logger) *Validator {
	return &Validator{
		memberships: memberships,
		tickets:     tickets,
		logger:      logutil.NoopIfNil(logger),
		now:         time.Now,
	}
}

// Validate admits or rejects a join request. A non-empty token naming a
// ticket issued for groupID is spent directly; when the token is empty or
// unknown, the most recent open ticket for (groupID, subscriberID) is used
// instead. On admission the ticket is consumed and an inactive membership
// record is ensured for the subscriber. On rejection no record is created.
//
// Rejection reasons: store.ErrTicketMismatch (wrong group or bound to
// another subscriber), store.ErrTicketConsumed, store.ErrTicketExpired,
// ErrNoTicket (no usable ticket at all).
func (v *Validator) Validate(ctx context.Context, groupID, subscriberID, token string) (*Admission, error) {
	now := v.now().Unix()

	if token != "" {
		ticket, err := v.tickets.GetTicket(ctx, token)
		switch {
		case err == nil:
			if ticket.GroupID != groupID {
				return nil, store.ErrTicketMismatch
			}
		case errors.Is(err, store.ErrNotFound):
			// A stale or foreign link; the subscriber may still hold an
			// open ticket of their own.
			token = ""
		default:
			return nil, err
		}
	}

	if token == "" {
		open, err := v.tickets.LatestOpenTicket(ctx, groupID, subscriberID, now)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNoTicket
			}
			return nil, fmt.Errorf("failed to look up open ticket: %w", err)
		}
		token = open.Token
	}

	ticket, err := v.tickets.ConsumeTicket(ctx, token, subscriberID, now)
	if err != nil {
		return nil, err
	}

	rec, err := v.ensureRecord(ctx, groupID, subscriberID)
	if err != nil {
		// The ticket is spent either way; surface the store failure.
		return nil, fmt.Errorf("ticket consumed but record write failed: %w", err)
	}

	v.logger.Info("join admitted",
		"group_id", groupID,
		"subscriber_id", subscriberID,
		"token", token)

	return &Admission{Ticket: ticket, Record: rec}, nil
}

// ensureRecord returns the existing membership record or creates an
// inactive one as first contact.
func (v *Validator) ensureRecord(ctx context.Context, groupID, subscriberID string) (*store.MembershipRecord, error) {
	rec, err := v.memberships.GetMembership(ctx, groupID, subscriberID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := v.now().Unix()
	rec = &store.MembershipRecord{
		GroupID:          groupID,
		SubscriberID:     subscriberID,
		LastReminderKind: store.ReminderNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := v.memberships.CreateMembership(ctx, rec); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return v.memberships.GetMembership(ctx, groupID, subscriberID)
		}
		return nil, err
	}
	return rec, nil
}

// WithClock overrides the time source, used by tests.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}
