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

// Payment event kinds handled by the Reconciler.
const (
	EventPaymentSucceeded     = "payment_succeeded"
	EventCheckoutCompleted    = "checkout_completed"
	EventSubscriptionCanceled = "subscription_canceled"
)

// PaymentEvent is a normalized payment-processor event.
type PaymentEvent struct {
	// EventID is the processor's unique delivery id. Replays of the same
	// id are no-ops.
	EventID string

	Kind string

	// PayerRef is the processor-side payer identity (customer id).
	PayerRef string

	// Explicit identity metadata, when the checkout carried it.
	SubscriberID string
	GroupID      string
	CreatorID    string

	// ExtensionDays overrides the creator's configured extension length.
	// Zero means "not specified".
	ExtensionDays int
}

// Reconciler applies payment events to membership records. Extension is
// monotonic: a payment always moves PaidUntil forward from max(now, current
// expiry), so late or out-of-order deliveries can never shorten an
// entitlement. The dedup ledger is consulted before any state is touched
// and written only once the event's effects are persisted.
type Reconciler struct {
	memberships store.MembershipStore
	creators    store.CreatorStore
	events      store.PaymentEventStore
	logger      *slog.Logger

	defaultExtensionDays int
	now                  func() time.Time
}

func NewReconciler(memberships store.MembershipStore, creators store.CreatorStore, events store.PaymentEventStore, defaultExtensionDays int, logger *slog.Logger) *Reconciler {
	if defaultExtensionDays <= 0 {
		defaultExtensionDays = store.DefaultExtensionDays
	}
	return &Reconciler{
		memberships:          memberships,
		creators:             creators,
		events:               events,
		logger:               logutil.NoopIfNil(logger),
		defaultExtensionDays: defaultExtensionDays,
		now:                  time.Now,
	}
}

// Apply extends the entitlement funded by ev and returns the new expiry.
// A replayed event returns ErrEventReplayed. An event that resolves to no
// record returns ErrUnresolvedIdentity. The dedup ledger is written only
// after the extension is persisted: a delivery that failed mid-apply is
// retried on the processor's next attempt instead of being replay-dropped.
func (r *Reconciler) Apply(ctx context.Context, ev *PaymentEvent) (time.Time, error) {
	now := r.now()

	seen, err := r.events.SeenPaymentEvent(ctx, ev.EventID)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to check payment event: %w", err)
	}
	if seen {
		r.logger.Info("payment event replayed, ignoring", "event_id", ev.EventID)
		return time.Time{}, ErrEventReplayed
	}

	rec, err := r.resolve(ctx, ev)
	if err != nil {
		return time.Time{}, err
	}

	days := r.extensionDays(ctx, ev, rec)

	newExpiry, err := r.extend(ctx, rec, ev, days, now)
	if err != nil {
		return time.Time{}, err
	}

	if err := r.record(ctx, ev, now); err != nil {
		return time.Time{}, err
	}

	r.logger.Info("payment applied",
		"event_id", ev.EventID,
		"group_id", rec.GroupID,
		"subscriber_id", rec.SubscriberID,
		"extension_days", days,
		"paid_until", newExpiry.Unix())

	return newExpiry, nil
}

// Cancel marks the entitlement unfunded. PaidUntil is left untouched, so
// access lapses at the end of the already-paid period rather than
// immediately.
func (r *Reconciler) Cancel(ctx context.Context, ev *PaymentEvent) error {
	now := r.now()

	seen, err := r.events.SeenPaymentEvent(ctx, ev.EventID)
	if err != nil {
		return fmt.Errorf("failed to check payment event: %w", err)
	}
	if seen {
		r.logger.Info("cancellation replayed, ignoring", "event_id", ev.EventID)
		return ErrEventReplayed
	}

	rec, err := r.resolve(ctx, ev)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		rec.PaymentConfirmed = false
		rec.UpdatedAt = now.Unix()
		err := r.memberships.UpdateMembership(ctx, rec)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= 1 {
			return fmt.Errorf("failed to persist cancellation: %w", err)
		}
		rec, err = r.memberships.GetMembership(ctx, rec.GroupID, rec.SubscriberID)
		if err != nil {
			return fmt.Errorf("failed to re-read membership: %w", err)
		}
	}

	if err := r.record(ctx, ev, now); err != nil {
		return err
	}

	r.logger.Info("subscription canceled, access lapses at period end",
		"event_id", ev.EventID,
		"group_id", rec.GroupID,
		"subscriber_id", rec.SubscriberID,
		"paid_until", rec.PaidUntil)

	return nil
}

// record writes the event id to the dedup ledger after its effects have
// been persisted. A concurrent delivery of the same id may have recorded it
// first; the lost insert is logged, not treated as a failure.
func (r *Reconciler) record(ctx context.Context, ev *PaymentEvent, now time.Time) error {
	applied, err := r.events.RecordPaymentEvent(ctx, &store.PaymentEventRecord{
		EventID:     ev.EventID,
		PayerRef:    ev.PayerRef,
		Kind:        ev.Kind,
		ProcessedAt: now.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to record payment event: %w", err)
	}
	if !applied {
		r.logger.Warn("payment event recorded concurrently", "event_id", ev.EventID)
	}
	return nil
}

// resolve maps an event to a membership record: explicit metadata first,
// then the stored payer reference. Events identifying a (group, subscriber)
// pair with no record yet create one, so a payment arriving before the
// subscriber's first join is not lost.
func (r *Reconciler) resolve(ctx context.Context, ev *PaymentEvent) (*store.MembershipRecord, error) {
	if ev.GroupID != "" && ev.SubscriberID != "" {
		rec, err := r.memberships.GetMembership(ctx, ev.GroupID, ev.SubscriberID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up membership: %w", err)
		}

		now := r.now().Unix()
		rec = &store.MembershipRecord{
			GroupID:          ev.GroupID,
			SubscriberID:     ev.SubscriberID,
			CreatorID:        ev.CreatorID,
			ExternalPayerRef: ev.PayerRef,
			LastReminderKind: store.ReminderNone,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := r.memberships.CreateMembership(ctx, rec); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return r.memberships.GetMembership(ctx, ev.GroupID, ev.SubscriberID)
			}
			return nil, fmt.Errorf("failed to create membership: %w", err)
		}
		return rec, nil
	}

	if ev.PayerRef != "" {
		rec, err := r.memberships.GetMembershipByPayerRef(ctx, ev.PayerRef)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up membership by payer ref: %w", err)
		}
	}

	r.logger.Warn("payment event dropped, no resolvable identity",
		"event_id", ev.EventID,
		"payer_ref", ev.PayerRef)
	return nil, ErrUnresolvedIdentity
}

func (r *Reconciler) extensionDays(ctx context.Context, ev *PaymentEvent, rec *store.MembershipRecord) int {
	if ev.ExtensionDays > 0 {
		return ev.ExtensionDays
	}

	creatorID := ev.CreatorID
	if creatorID == "" {
		creatorID = rec.CreatorID
	}
	if creatorID != "" {
		creator, err := r.creators.GetCreator(ctx, creatorID)
		if err == nil {
			creator.ApplyDefaults()
			return creator.ExtensionDays
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("creator lookup failed, using default extension",
				"creator_id", creatorID, "error", err)
		}
	}
	return r.defaultExtensionDays
}

// extend performs the monotonic expiry write with one CAS retry.
func (r *Reconciler) extend(ctx context.Context, rec *store.MembershipRecord, ev *PaymentEvent, days int, now time.Time) (time.Time, error) {
	for attempt := 0; ; attempt++ {
		base := now.Unix()
		if rec.PaidUntil > base {
			base = rec.PaidUntil
		}
		newExpiry := base + int64(days)*24*3600

		rec.PaidUntil = newExpiry
		rec.Active = true
		rec.PaymentConfirmed = true
		if ev.PayerRef != "" {
			rec.ExternalPayerRef = ev.PayerRef
		}
		// Once the new expiry clears the five-day window, the next cycle
		// gets fresh reminders.
		if newExpiry-now.Unix() >= int64((fiveDayLead + windowWidth).Seconds()) {
			rec.LastReminderKind = store.ReminderNone
			rec.LastReminderAt = 0
		}
		rec.UpdatedAt = now.Unix()

		err := r.memberships.UpdateMembership(ctx, rec)
		if err == nil {
			return time.Unix(newExpiry, 0), nil
		}
		if !errors.Is(err, store.ErrConflict) || attempt >= 1 {
			return time.Time{}, fmt.Errorf("failed to persist extension: %w", err)
		}

		rec, err = r.memberships.GetMembership(ctx, rec.GroupID, rec.SubscriberID)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to re-read membership: %w", err)
		}
	}
}

// WithClock overrides the time source, used by tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}
