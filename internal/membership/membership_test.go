package membership_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/luxbot/vipgate/internal/membership"
	"github.com/luxbot/vipgate/internal/store"
	"github.com/luxbot/vipgate/internal/store/memory"
)

const (
	testGroup      = "-1001234567890"
	testSubscriber = "42"
	testCreator    = "creator-7"
)

// fakeTransport records every call so tests can assert on the exact set of
// external side effects.
type fakeTransport struct {
	mu sync.Mutex

	invitesCreated int
	revoked        []string
	restored       []string
	directMsgs     []string
	groupMsgs      []string

	failInvite bool
	failDirect bool
	failRevoke bool
}

func (f *fakeTransport) CreateSingleUseInvite(ctx context.Context, groupID string, expiresAt int64) (*membership.InviteLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInvite {
		return nil, errors.New("transport down")
	}
	f.invitesCreated++
	token := fmt.Sprintf("tok-%d", f.invitesCreated)
	return &membership.InviteLink{
		Token:     token,
		URL:       "https://t.me/+" + token,
		ExpiresAt: expiresAt,
	}, nil
}

func (f *fakeTransport) RevokeAccess(ctx context.Context, groupID, subscriberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRevoke {
		return errors.New("transport down")
	}
	f.revoked = append(f.revoked, groupID+"/"+subscriberID)
	return nil
}

func (f *fakeTransport) RestoreEligibility(ctx context.Context, groupID, subscriberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, groupID+"/"+subscriberID)
	return nil
}

func (f *fakeTransport) SendDirect(ctx context.Context, subscriberID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDirect {
		return errors.New("dm refused")
	}
	f.directMsgs = append(f.directMsgs, subscriberID+": "+text)
	return nil
}

func (f *fakeTransport) SendToGroup(ctx context.Context, groupID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupMsgs = append(f.groupMsgs, groupID+": "+text)
	return nil
}

func (f *fakeTransport) ApproveJoin(ctx context.Context, groupID, subscriberID string) error {
	return nil
}

func (f *fakeTransport) DeclineJoin(ctx context.Context, groupID, subscriberID string) error {
	return nil
}

func (f *fakeTransport) revokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.revoked)
}

func (f *fakeTransport) directCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.directMsgs)
}

func newTestStore(t *testing.T) *memory.Driver {
	t.Helper()
	drv, err := memory.NewDriver(&store.DriverConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory.NewDriver: %v", err)
	}
	t.Cleanup(func() { drv.Close() })
	return drv.(*memory.Driver)
}

// fixedClock returns a clock frozen at base.
func fixedClock(base time.Time) func() time.Time {
	return func() time.Time { return base }
}

func seedMembership(t *testing.T, st *memory.Driver, mutate func(*store.MembershipRecord)) *store.MembershipRecord {
	t.Helper()
	rec := &store.MembershipRecord{
		GroupID:          testGroup,
		SubscriberID:     testSubscriber,
		Username:         "alice",
		CreatorID:        testCreator,
		LastReminderKind: store.ReminderNone,
		CreatedAt:        1,
		UpdatedAt:        1,
	}
	if mutate != nil {
		mutate(rec)
	}
	if err := st.CreateMembership(context.Background(), rec); err != nil {
		t.Fatalf("seed membership: %v", err)
	}
	return rec
}
