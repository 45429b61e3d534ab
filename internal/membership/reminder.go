package membership

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/luxbot/vipgate/internal/logutil"
	"github.com/luxbot/vipgate/internal/store"
)

// Reminder windows. A reminder of a given kind is due while the remaining
// entitlement sits inside the kind's one-hour window; the sweep cadence is
// capped at one hour so every window is observed at least once.
const (
	fiveDayLead = 5 * 24 * time.Hour
	oneDayLead  = 24 * time.Hour
	windowWidth = time.Hour
)

// SweepStats summarizes one pass over the membership records.
type SweepStats struct {
	Scanned   int `json:"scanned"`
	Reminders int `json:"reminders"`
	Revoked   int `json:"revoked"`
	Errors    int `json:"errors"`
}

// Scheduler walks all membership records, sending due expiry reminders and
// routing lapsed records to the Enforcer. Reminders are idempotent per
// window: the record's reminder marker only moves forward within one expiry
// cycle, so a window that already fired stays silent on later passes.
// Dispatch happens before the marker is persisted; a marker write failure
// therefore risks a duplicate reminder, never a missed one.
type Scheduler struct {
	memberships store.MembershipStore
	enforcer    *Enforcer
	dispatcher  *Dispatcher
	logger      *slog.Logger
	now         func() time.Time
}

func NewScheduler(memberships store.MembershipStore, enforcer *Enforcer, dispatcher *Dispatcher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		memberships: memberships,
		enforcer:    enforcer,
		dispatcher:  dispatcher,
		logger:      logutil.NoopIfNil(logger),
		now:         time.Now,
	}
}

// Sweep runs one pass over all records. Per-record failures are counted and
// logged; they never abort the pass.
func (s *Scheduler) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	records, err := s.memberships.ListMemberships(ctx, "")
	if err != nil {
		return stats, fmt.Errorf("failed to list memberships: %w", err)
	}

	now := s.now()
	for _, rec := range records {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++

		if rec.Lapsed(now.Unix()) {
			revoked, err := s.enforcer.Enforce(ctx, rec)
			if err != nil {
				stats.Errors++
				s.logger.Warn("expiry enforcement failed",
					"group_id", rec.GroupID,
					"subscriber_id", rec.SubscriberID,
					"error", err)
				continue
			}
			if revoked {
				stats.Revoked++
			}
			continue
		}

		kind := dueReminder(rec, now)
		if kind == store.ReminderNone {
			continue
		}
		if err := s.sendReminder(ctx, rec, kind, now); err != nil {
			stats.Errors++
			s.logger.Warn("reminder failed",
				"group_id", rec.GroupID,
				"subscriber_id", rec.SubscriberID,
				"kind", kind,
				"error", err)
			continue
		}
		stats.Reminders++
	}

	return stats, nil
}

// dueReminder returns the reminder kind due for rec at now, or ReminderNone.
// A kind is due when PaidUntil falls inside its window and the recorded
// marker does not already cover it: either the marker kind ranks below the
// window's kind, or the marker timestamp predates the window instance, which
// means it was written in an earlier expiry cycle.
func dueReminder(rec *store.MembershipRecord, now time.Time) string {
	if rec.PaidUntil == 0 {
		return store.ReminderNone
	}
	remaining := time.Duration(rec.PaidUntil-now.Unix()) * time.Second

	var kind string
	var lead time.Duration
	switch {
	case remaining >= fiveDayLead && remaining < fiveDayLead+windowWidth:
		kind = store.ReminderFiveDay
		lead = fiveDayLead
	case remaining >= oneDayLead && remaining < oneDayLead+windowWidth:
		kind = store.ReminderOneDay
		lead = oneDayLead
	default:
		return store.ReminderNone
	}

	if reminderRank(rec.LastReminderKind) < reminderRank(kind) {
		return kind
	}

	// The marker kind covers this window's kind, but it may be a leftover
	// from a previous cycle when an extension was too short to reset it.
	// The marker is hour-truncated, so compare against the hour-truncated
	// window start.
	windowStart := time.Unix(rec.PaidUntil, 0).Add(-(lead + windowWidth)).Truncate(windowWidth)
	if rec.LastReminderAt < windowStart.Unix() {
		return kind
	}
	return store.ReminderNone
}

func reminderRank(kind string) int {
	switch kind {
	case store.ReminderFiveDay:
		return 1
	case store.ReminderOneDay:
		return 2
	default:
		return 0
	}
}

func (s *Scheduler) sendReminder(ctx context.Context, rec *store.MembershipRecord, kind string, now time.Time) error {
	text := TextReminderFiveDay
	if kind == store.ReminderOneDay {
		text = TextReminderOneDay
	}

	// Dispatch first: a failed marker write duplicates the reminder
	// rather than silencing it.
	s.dispatcher.Notify(ctx, rec.SubscriberID, rec.Username, rec.GroupID, text)

	rec.LastReminderKind = kind
	// The marker timestamp identifies the window instance the send
	// belongs to.
	rec.LastReminderAt = now.Truncate(windowWidth).Unix()
	rec.UpdatedAt = now.Unix()
	if err := s.memberships.UpdateMembership(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist reminder marker: %w", err)
	}
	return nil
}

// WithClock overrides the time source, used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}
