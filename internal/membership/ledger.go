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

// Ledger issues invite tickets. Each ticket corresponds to one single-use
// invite link created through the group transport; the link TTL comes from
// the group's creator configuration.
type Ledger struct {
	tickets   store.TicketStore
	creators  store.CreatorStore
	transport GroupTransport
	logger    *slog.Logger
	now       func() time.Time
}

func NewLedger(tickets store.TicketStore, creators store.CreatorStore, transport GroupTransport, logger *slog.Logger) *Ledger {
	return &Ledger{
		tickets:   tickets,
		creators:  creators,
		transport: transport,
		logger:    logutil.NoopIfNil(logger),
		now:       time.Now,
	}
}

// Issue creates a single-use invite for groupID and records the ticket.
// subscriberID may be empty: such tickets are bound to whoever consumes
// them first.
func (l *Ledger) Issue(ctx context.Context, groupID, subscriberID string) (*store.InviteTicket, error) {
	now := l.now()
	ttl := l.inviteTTL(ctx, groupID)
	expiresAt := now.Add(ttl).Unix()

	link, err := l.transport.CreateSingleUseInvite(ctx, groupID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create invite link: %w", err)
	}

	ticket := &store.InviteTicket{
		Token:        link.Token,
		URL:          link.URL,
		GroupID:      groupID,
		SubscriberID: subscriberID,
		IssuedAt:     now.Unix(),
		ExpiresAt:    expiresAt,
	}
	if err := l.tickets.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to record ticket: %w", err)
	}

	l.logger.Info("invite issued",
		"group_id", groupID,
		"subscriber_id", subscriberID,
		"token", ticket.Token,
		"expires_at", ticket.ExpiresAt)

	return ticket, nil
}

func (l *Ledger) inviteTTL(ctx context.Context, groupID string) time.Duration {
	creator, err := l.creators.GetCreatorByGroup(ctx, groupID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.logger.Warn("creator lookup failed, using default invite TTL",
				"group_id", groupID, "error", err)
		}
		return time.Duration(store.DefaultInviteTTLHours) * time.Hour
	}
	creator.ApplyDefaults()
	return time.Duration(creator.InviteTTLHours) * time.Hour
}

// WithClock overrides the time source, used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}
