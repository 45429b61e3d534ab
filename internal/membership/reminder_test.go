package membership_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/luxbot/vipgate/internal/membership"
	"github.com/luxbot/vipgate/internal/store"
)

func TestSweepSendsFiveDayReminderOnce(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	base := time.Unix(1_700_000_000, 0)

	// Expiry sits in the middle of the five-day window.
	seedMembership(t, st, func(rec *store.MembershipRecord) {
		rec.PaidUntil = base.Add(5*24*time.Hour + 30*time.Minute).Unix()
		rec.Active = true
		rec.PaymentConfirmed = true
	})

	clock := fixedClock(base)
	dispatcher := membership.NewDispatcher(tr, time.Second, nil)
	enforcer := membership.NewEnforcer(st, tr, dispatcher, time.Second, nil).WithClock(clock)
	s := membership.NewScheduler(st, enforcer, dispatcher, nil).WithClock(clock)

	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Reminders != 1 {
		t.Fatalf("Reminders = %d, want 1", stats.Reminders)
	}
	if tr.directCount() != 1 || !strings.Contains(tr.directMsgs[0], membership.TextReminderFiveDay) {
		t.Fatalf("directMsgs = %v", tr.directMsgs)
	}

	// Second sweep inside the same window stays silent.
	stats, err = s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Reminders != 0 {
		t.Errorf("second sweep Reminders = %d, want 0", stats.Reminders)
	}
	if tr.directCount() != 1 {
		t.Errorf("duplicate reminder sent: %v", tr.directMsgs)
	}

	rec, _ := st.GetMembership(context.Background(), testGroup, testSubscriber)
	if rec.LastReminderKind != store.ReminderFiveDay {
		t.Errorf("LastReminderKind = %q", rec.LastReminderKind)
	}
}

func TestSweepReminderProgression(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	base := time.Unix(1_700_000_000, 0)
	paidUntil := base.Add(5*24*time.Hour + 30*time.Minute)

	seedMembership(t, st, func(rec *store.MembershipRecord) {
		rec.PaidUntil = paidUntil.Unix()
		rec.Active = true
		rec.PaymentConfirmed = true
	})

	current := base
	clock := func() time.Time { return current }
	dispatcher := membership.NewDispatcher(tr, time.Second, nil)
	enforcer := membership.NewEnforcer(st, tr, dispatcher, time.Second, nil).WithClock(clock)
	s := membership.NewScheduler(st, enforcer, dispatcher, nil).WithClock(clock)

	// Five-day window.
	if stats, _ := s.Sweep(context.Background()); stats.Reminders != 1 {
		t.Fatalf("five-day sweep Reminders = %d", stats.Reminders)
	}

	// Between windows: nothing.
	current = paidUntil.Add(-3 * 24 * time.Hour)
	if stats, _ := s.Sweep(context.Background()); stats.Reminders != 0 {
		t.Fatalf("mid-cycle sweep sent a reminder")
	}

	// One-day window.
	current = paidUntil.Add(-24*time.Hour + -30*time.Minute)
	if stats, _ := s.Sweep(context.Background()); stats.Reminders != 1 {
		t.Fatalf("one-day sweep Reminders != 1")
	}
	if !strings.Contains(tr.directMsgs[1], membership.TextReminderOneDay) {
		t.Errorf("second message = %q", tr.directMsgs[1])
	}

	// One-day window again: already sent.
	if stats, _ := s.Sweep(context.Background()); stats.Reminders != 0 {
		t.Fatalf("duplicate one-day reminder")
	}
}

func TestSweepSkipsMissedFiveDayWindow(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	base := time.Unix(1_700_000_000, 0)

	// Inside the one-day window with no prior reminder: the five-day
	// window was missed, only the one-day reminder goes out.
	seedMembership(t, st, func(rec *store.MembershipRecord) {
		rec.PaidUntil = base.Add(24*time.Hour + 30*time.Minute).Unix()
		rec.Active = true
		rec.PaymentConfirmed = true
	})

	clock := fixedClock(base)
	dispatcher := membership.NewDispatcher(tr, time.Second, nil)
	enforcer := membership.NewEnforcer(st, tr, dispatcher, time.Second, nil).WithClock(clock)
	s := membership.NewScheduler(st, enforcer, dispatcher, nil).WithClock(clock)

	if stats, _ := s.Sweep(context.Background()); stats.Reminders != 1 {
		t.Fatalf("Reminders != 1")
	}
	if !strings.Contains(tr.directMsgs[0], membership.TextReminderOneDay) {
		t.Errorf("msg = %q, want one-day text", tr.directMsgs[0])
	}
}

func TestSweepRemindsAgainAfterRenewalCycle(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	base := time.Unix(1_700_000_000, 0)

	// A renewal after last cycle's one-day reminder pushed PaidUntil
	// forward without clearing the marker. The stale marker must not
	// suppress this cycle's reminder.
	seedMembership(t, st, func(rec *store.MembershipRecord) {
		rec.PaidUntil = base.Add(24*time.Hour + 30*time.Minute).Unix()
		rec.Active = true
		rec.PaymentConfirmed = true
		rec.LastReminderKind = store.ReminderOneDay
		rec.LastReminderAt = base.Add(-3 * 24 * time.Hour).Unix()
	})

	clock := fixedClock(base)
	dispatcher := membership.NewDispatcher(tr, time.Second, nil)
	enforcer := membership.NewEnforcer(st, tr, dispatcher, time.Second, nil).WithClock(clock)
	s := membership.NewScheduler(st, enforcer, dispatcher, nil).WithClock(clock)

	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Reminders != 1 {
		t.Fatalf("Reminders = %d, want 1", stats.Reminders)
	}
	if tr.directCount() != 1 || !strings.Contains(tr.directMsgs[0], membership.TextReminderOneDay) {
		t.Fatalf("directMsgs = %v", tr.directMsgs)
	}

	// Within the same window the fresh marker suppresses a repeat.
	if stats, _ := s.Sweep(context.Background()); stats.Reminders != 0 {
		t.Errorf("second sweep Reminders = %d, want 0", stats.Reminders)
	}
}

func TestSweepRoutesLapsedToEnforcer(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	base := time.Unix(1_700_000_000, 0)

	seedMembership(t, st, func(rec *store.MembershipRecord) {
		rec.PaidUntil = base.Add(-time.Hour).Unix()
		rec.Active = true
		rec.PaymentConfirmed = false
	})

	clock := fixedClock(base)
	dispatcher := membership.NewDispatcher(tr, time.Second, nil)
	enforcer := membership.NewEnforcer(st, tr, dispatcher, time.Second, nil).WithClock(clock)
	s := membership.NewScheduler(st, enforcer, dispatcher, nil).WithClock(clock)

	stats, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Revoked != 1 {
		t.Fatalf("Revoked = %d, want 1", stats.Revoked)
	}
	if tr.revokeCount() != 1 {
		t.Fatalf("transport revokes = %d", tr.revokeCount())
	}

	// Second sweep: the record is inactive now, nothing to do.
	stats, _ = s.Sweep(context.Background())
	if stats.Revoked != 0 || tr.revokeCount() != 1 {
		t.Errorf("revocation repeated: stats=%+v revokes=%d", stats, tr.revokeCount())
	}
}

func TestSweepGroupFallbackWhenDirectFails(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{failDirect: true}
	base := time.Unix(1_700_000_000, 0)

	seedMembership(t, st, func(rec *store.MembershipRecord) {
		rec.PaidUntil = base.Add(5*24*time.Hour + 30*time.Minute).Unix()
		rec.Active = true
		rec.PaymentConfirmed = true
	})

	clock := fixedClock(base)
	dispatcher := membership.NewDispatcher(tr, time.Second, nil)
	enforcer := membership.NewEnforcer(st, tr, dispatcher, time.Second, nil).WithClock(clock)
	s := membership.NewScheduler(st, enforcer, dispatcher, nil).WithClock(clock)

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(tr.groupMsgs) != 1 {
		t.Fatalf("groupMsgs = %v", tr.groupMsgs)
	}
	if !strings.Contains(tr.groupMsgs[0], "@alice") {
		t.Errorf("group fallback does not mention the subscriber: %q", tr.groupMsgs[0])
	}
}
