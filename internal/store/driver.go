// Package store provides persistence primitives and driver abstractions.
package store

import (
	"context"
	"errors"
)

// Common errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("concurrent modification")
	ErrClosed        = errors.New("store closed")
)

// Ticket consumption failures. Consume reports why a ticket could not be
// spent so callers can decline the join with a precise reason.
var (
	ErrTicketConsumed = errors.New("ticket already consumed")
	ErrTicketExpired  = errors.New("ticket expired")
	ErrTicketMismatch = errors.New("ticket bound to another subscriber")
)

// Driver defines the interface for a persistence backend.
// Implementations must be safe for concurrent use.
type Driver interface {
	// Init initializes the driver (create tables, load data, etc).
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (memory, sqlite).
	Name() string
}

// MembershipStore defines operations on membership records.
//
// UpdateMembership is a compare-and-set: the write only succeeds when the
// stored Version matches rec.Version, and bumps the version on success.
// Concurrent writers lose with ErrConflict and must re-read before retrying.
type MembershipStore interface {
	CreateMembership(ctx context.Context, rec *MembershipRecord) error
	GetMembership(ctx context.Context, groupID, subscriberID string) (*MembershipRecord, error)
	GetMembershipByPayerRef(ctx context.Context, payerRef string) (*MembershipRecord, error)
	UpdateMembership(ctx context.Context, rec *MembershipRecord) error
	// ListMemberships returns records for a group, or all records when
	// groupID is empty. Used by the sweep.
	ListMemberships(ctx context.Context, groupID string) ([]*MembershipRecord, error)
}

// TicketStore defines operations on invite tickets.
//
// ConsumeTicket is the one strictly atomic operation in the system: it marks
// the ticket consumed and binds it to the presenting subscriber in a single
// check-and-set, so two racing joins on one ticket cannot both succeed.
type TicketStore interface {
	CreateTicket(ctx context.Context, ticket *InviteTicket) error
	GetTicket(ctx context.Context, token string) (*InviteTicket, error)
	// LatestOpenTicket returns the most recently issued unconsumed,
	// unexpired ticket for (groupID, subscriberID), or ErrNotFound.
	LatestOpenTicket(ctx context.Context, groupID, subscriberID string, now int64) (*InviteTicket, error)
	ConsumeTicket(ctx context.Context, token, subscriberID string, now int64) (*InviteTicket, error)
	ListTickets(ctx context.Context, groupID string) ([]*InviteTicket, error)
}

// CreatorStore defines operations on creator configuration.
type CreatorStore interface {
	UpsertCreator(ctx context.Context, cfg *CreatorConfig) error
	GetCreator(ctx context.Context, creatorID string) (*CreatorConfig, error)
	GetCreatorByGroup(ctx context.Context, groupID string) (*CreatorConfig, error)
}

// PaymentEventStore records processed payment event identities for replay
// detection. SeenPaymentEvent reports whether an event id has been recorded.
// RecordPaymentEvent returns applied=false when the event id has been
// recorded before; callers record only after the event's effects are
// persisted, so a delivery that failed mid-apply stays retryable.
type PaymentEventStore interface {
	SeenPaymentEvent(ctx context.Context, eventID string) (bool, error)
	RecordPaymentEvent(ctx context.Context, ev *PaymentEventRecord) (applied bool, err error)
}

// Store is the full persistence surface a driver provides. Every registered
// driver implements it; consumers that only need one concern should depend
// on the narrow interface instead.
type Store interface {
	Driver
	MembershipStore
	TicketStore
	CreatorStore
	PaymentEventStore
}
