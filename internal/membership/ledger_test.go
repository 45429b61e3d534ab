package membership_test

import (
	"context"
	"testing"
	"time"

	"github.com/luxbot/vipgate/internal/membership"
	"github.com/luxbot/vipgate/internal/store"
)

func TestIssueRecordsTicket(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	base := time.Unix(1_700_000_000, 0)
	l := membership.NewLedger(st, st, tr, nil).WithClock(fixedClock(base))

	ticket, err := l.Issue(context.Background(), testGroup, testSubscriber)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if ticket.Token == "" || ticket.URL == "" {
		t.Fatalf("ticket missing link material: %+v", ticket)
	}
	if ticket.SubscriberID != testSubscriber {
		t.Errorf("SubscriberID = %q", ticket.SubscriberID)
	}

	// Default TTL applies when no creator config exists.
	wantExpiry := base.Add(time.Duration(store.DefaultInviteTTLHours) * time.Hour).Unix()
	if ticket.ExpiresAt != wantExpiry {
		t.Errorf("ExpiresAt = %d, want %d", ticket.ExpiresAt, wantExpiry)
	}

	stored, err := st.GetTicket(context.Background(), ticket.Token)
	if err != nil {
		t.Fatalf("ticket not persisted: %v", err)
	}
	if stored.Consumed {
		t.Error("fresh ticket marked consumed")
	}
}

func TestIssueUsesCreatorTTL(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{}
	base := time.Unix(1_700_000_000, 0)
	l := membership.NewLedger(st, st, tr, nil).WithClock(fixedClock(base))

	if err := st.UpsertCreator(context.Background(), &store.CreatorConfig{
		CreatorID:      testCreator,
		GroupID:        testGroup,
		InviteTTLHours: 2,
	}); err != nil {
		t.Fatalf("UpsertCreator: %v", err)
	}

	ticket, err := l.Issue(context.Background(), testGroup, "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := base.Add(2 * time.Hour).Unix(); ticket.ExpiresAt != want {
		t.Errorf("ExpiresAt = %d, want %d", ticket.ExpiresAt, want)
	}
	if ticket.SubscriberID != "" {
		t.Errorf("wildcard ticket has SubscriberID %q", ticket.SubscriberID)
	}
}

func TestIssueTransportFailure(t *testing.T) {
	st := newTestStore(t)
	tr := &fakeTransport{failInvite: true}
	l := membership.NewLedger(st, st, tr, nil)

	if _, err := l.Issue(context.Background(), testGroup, testSubscriber); err == nil {
		t.Fatal("expected error when the transport cannot create a link")
	}

	tickets, err := st.ListTickets(context.Background(), testGroup)
	if err != nil {
		t.Fatalf("ListTickets: %v", err)
	}
	if len(tickets) != 0 {
		t.Errorf("%d tickets recorded despite transport failure", len(tickets))
	}
}
