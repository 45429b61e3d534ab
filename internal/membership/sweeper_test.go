package membership_test

import (
	"context"
	"testing"
	"time"

	"github.com/luxbot/vipgate/internal/membership"
)

func TestSweeperRunStopsOnCancel(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	dispatcher := membership.NewDispatcher(tr, time.Second, nil)
	enforcer := membership.NewEnforcer(st, tr, dispatcher, time.Second, nil)
	scheduler := membership.NewScheduler(st, enforcer, dispatcher, nil)
	sweeper := membership.NewSweeper(scheduler, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	// Let at least one tick fire, then stop.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestSweeperRunOnce(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	dispatcher := membership.NewDispatcher(tr, time.Second, nil)
	enforcer := membership.NewEnforcer(st, tr, dispatcher, time.Second, nil)
	scheduler := membership.NewScheduler(st, enforcer, dispatcher, nil)
	sweeper := membership.NewSweeper(scheduler, time.Hour, nil)

	seedMembership(t, st, nil)

	stats, err := sweeper.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Scanned != 1 {
		t.Errorf("Scanned = %d, want 1", stats.Scanned)
	}
}
