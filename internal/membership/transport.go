// Package membership implements the membership lifecycle engine: invite
// validation, reminder scheduling, expiry enforcement and payment
// reconciliation over the persistent store.
package membership

import (
	"context"
	"errors"
)

// Engine-level errors.
var (
	// ErrUnresolvedIdentity is returned when a payment event cannot be
	// mapped to any membership record. The event is logged and dropped.
	ErrUnresolvedIdentity = errors.New("payment event does not resolve to a membership")

	// ErrNoTicket is returned when a join presents no token and no open
	// ticket exists for the subscriber.
	ErrNoTicket = errors.New("no open invite ticket for subscriber")

	// ErrEventReplayed is returned when a payment event id has already
	// been processed. The delivery is acknowledged without re-applying.
	ErrEventReplayed = errors.New("payment event already processed")
)

// InviteLink is a single-use group invite created by the transport.
type InviteLink struct {
	// Token identifies the link; join requests carry it back.
	Token string `json:"token"`

	// URL is the full link handed to the subscriber.
	URL string `json:"url"`

	ExpiresAt int64 `json:"expires_at"`
}

// GroupTransport is the external messaging surface the engine calls out to.
// Implementations must honor context deadlines; the engine treats every
// failure as transient and never blocks a state transition on one.
type GroupTransport interface {
	// CreateSingleUseInvite creates an invite link valid for exactly one
	// join, expiring at expiresAt.
	CreateSingleUseInvite(ctx context.Context, groupID string, expiresAt int64) (*InviteLink, error)

	// RevokeAccess removes the subscriber from the group.
	RevokeAccess(ctx context.Context, groupID, subscriberID string) error

	// RestoreEligibility lifts the removal so a future invite can readmit
	// the subscriber.
	RestoreEligibility(ctx context.Context, groupID, subscriberID string) error

	// SendDirect delivers a message to the subscriber's private chat.
	SendDirect(ctx context.Context, subscriberID, text string) error

	// SendToGroup delivers a message to the group chat.
	SendToGroup(ctx context.Context, groupID, text string) error

	// ApproveJoin accepts a pending join request.
	ApproveJoin(ctx context.Context, groupID, subscriberID string) error

	// DeclineJoin rejects a pending join request.
	DeclineJoin(ctx context.Context, groupID, subscriberID string) error
}
