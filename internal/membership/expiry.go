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

// Enforcer performs the expiry transition: exactly one revocation per lapse.
// The CAS write that flips Active off is the gate; whoever wins it owns the
// external revoke call, and a record that is already inactive is never
// revoked again until a payment reactivates it.
type Enforcer struct {
	memberships store.MembershipStore
	transport   GroupTransport
	dispatcher  *Dispatcher
	logger      *slog.Logger
	timeout     time.Duration
	now         func() time.Time
}

func NewEnforcer(memberships store.MembershipStore, transport GroupTransport, dispatcher *Dispatcher, timeout time.Duration, logger *slog.Logger) *Enforcer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Enforcer{
		memberships: memberships,
		transport:   transport,
		dispatcher:  dispatcher,
		logger:      logutil.NoopIfNil(logger),
		timeout:     timeout,
		now:         time.Now,
	}
}

// Enforce routes a lapsed record through expiry: deactivate, revoke access,
// restore eligibility, notify. Returns true when this call performed the
// revocation. Records that are not lapsed, or already inactive, are left
// alone. External failures are logged and do not undo the state transition;
// the notification is sent regardless of the revoke outcome.
func (e *Enforcer) Enforce(ctx context.Context, rec *store.MembershipRecord) (bool, error) {
	now := e.now().Unix()
	if !rec.Lapsed(now) {
		return false, nil
	}
	if !rec.Active {
		// Already enforced in a previous pass.
		return false, nil
	}

	rec.Active = false
	rec.PaymentConfirmed = false
	rec.UpdatedAt = now
	if err := e.memberships.UpdateMembership(ctx, rec); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A concurrent writer touched the record; the next sweep
			// re-evaluates it.
			return false, nil
		}
		return false, fmt.Errorf("failed to deactivate membership: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	if err := e.transport.RevokeAccess(rctx, rec.GroupID, rec.SubscriberID); err != nil {
		e.logger.Warn("revoke failed, retried on next lapse only",
			"group_id", rec.GroupID,
			"subscriber_id", rec.SubscriberID,
			"error", err)
	} else {
		// Lift the ban so a future invite can readmit them.
		uctx, ucancel := context.WithTimeout(ctx, e.timeout)
		if err := e.transport.RestoreEligibility(uctx, rec.GroupID, rec.SubscriberID); err != nil {
			e.logger.Warn("restore eligibility failed",
				"group_id", rec.GroupID,
				"subscriber_id", rec.SubscriberID,
				"error", err)
		}
		ucancel()
	}
	cancel()

	e.dispatcher.Notify(ctx, rec.SubscriberID, rec.Username, rec.GroupID, TextExpired)

	e.logger.Info("membership expired and access revoked",
		"group_id", rec.GroupID,
		"subscriber_id", rec.SubscriberID,
		"paid_until", rec.PaidUntil)

	return true, nil
}

// WithClock overrides the time source, used by tests.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}
