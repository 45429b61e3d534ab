// Package testutil provides shared test helpers for store driver tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxbot/vipgate/internal/store"
)

// TestMembership creates a test membership record.
func TestMembership() *store.MembershipRecord {
	now := time.Now().Unix()
	return &store.MembershipRecord{
		GroupID:          "-1001234567890",
		SubscriberID:     "42",
		Username:         "alice",
		CreatorID:        "creator-1",
		PaidUntil:        now + 30*24*3600,
		Active:           true,
		PaymentConfirmed: true,
		LastReminderKind: store.ReminderNone,
		ExternalPayerRef: "cus_test_001",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TestTicket creates a test invite ticket bound to a subscriber.
func TestTicket() *store.InviteTicket {
	now := time.Now().Unix()
	return &store.InviteTicket{
		Token:        "tkn-abc123",
		GroupID:      "-1001234567890",
		SubscriberID: "42",
		IssuedAt:     now,
		ExpiresAt:    now + 24*3600,
	}
}

// TestCreator creates a test creator configuration.
func TestCreator() *store.CreatorConfig {
	now := time.Now().Unix()
	cfg := &store.CreatorConfig{
		CreatorID:  "creator-1",
		GroupID:    "-1001234567890",
		GroupTitle: "VIP Lounge",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	cfg.ApplyDefaults()
	return cfg
}

// RunDriverTests runs the standard conformance suite against a driver.
func RunDriverTests(t *testing.T, driverName string, cfg *store.DriverConfig) {
	ctx := context.Background()

	driver, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create %s driver: %v", driverName, err)
	}
	defer driver.Close()

	if err := driver.Init(ctx); err != nil {
		t.Fatalf("failed to init %s driver: %v", driverName, err)
	}

	if driver.Name() != driverName {
		t.Errorf("expected driver name %q, got %q", driverName, driver.Name())
	}

	memberships, ok := driver.(store.MembershipStore)
	if !ok {
		t.Fatalf("%s driver does not implement MembershipStore", driverName)
	}
	tickets, ok := driver.(store.TicketStore)
	if !ok {
		t.Fatalf("%s driver does not implement TicketStore", driverName)
	}
	creators, ok := driver.(store.CreatorStore)
	if !ok {
		t.Fatalf("%s driver does not implement CreatorStore", driverName)
	}
	events, ok := driver.(store.PaymentEventStore)
	if !ok {
		t.Fatalf("%s driver does not implement PaymentEventStore", driverName)
	}

	t.Run("MembershipCRUD", func(t *testing.T) {
		TestMembershipCRUD(t, ctx, memberships)
	})
	t.Run("MembershipCAS", func(t *testing.T) {
		TestMembershipCAS(t, ctx, memberships)
	})
	t.Run("TicketLifecycle", func(t *testing.T) {
		TestTicketLifecycle(t, ctx, tickets)
	})
	t.Run("TicketSingleConsumption", func(t *testing.T) {
		TestTicketSingleConsumption(t, ctx, tickets)
	})
	t.Run("CreatorUpsert", func(t *testing.T) {
		TestCreatorUpsert(t, ctx, creators)
	})
	t.Run("PaymentEventDedup", func(t *testing.T) {
		TestPaymentEventDedup(t, ctx, events)
	})
}

// TestMembershipCRUD tests create/get/list for membership records.
func TestMembershipCRUD(t *testing.T, ctx context.Context, s store.MembershipStore) {
	rec := TestMembership()

	if err := s.CreateMembership(ctx, rec); err != nil {
		t.Fatalf("CreateMembership failed: %v", err)
	}
	if err := s.CreateMembership(ctx, TestMembership()); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists on duplicate create, got %v", err)
	}

	got, err := s.GetMembership(ctx, rec.GroupID, rec.SubscriberID)
	if err != nil {
		t.Fatalf("GetMembership failed: %v", err)
	}
	if got.PaidUntil != rec.PaidUntil || !got.Active {
		t.Errorf("round-trip mismatch: got paid_until=%d active=%v", got.PaidUntil, got.Active)
	}

	got, err = s.GetMembershipByPayerRef(ctx, rec.ExternalPayerRef)
	if err != nil {
		t.Fatalf("GetMembershipByPayerRef failed: %v", err)
	}
	if got.SubscriberID != rec.SubscriberID {
		t.Errorf("expected subscriber %q, got %q", rec.SubscriberID, got.SubscriberID)
	}

	if _, err := s.GetMembership(ctx, rec.GroupID, "no-such-subscriber"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	recs, err := s.ListMemberships(ctx, rec.GroupID)
	if err != nil {
		t.Fatalf("ListMemberships failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 record, got %d", len(recs))
	}
	recs, err = s.ListMemberships(ctx, "")
	if err != nil {
		t.Fatalf("ListMemberships (all) failed: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("expected 1 record listing all groups, got %d", len(recs))
	}
}

// TestMembershipCAS tests the compare-and-set write path.
func TestMembershipCAS(t *testing.T, ctx context.Context, s store.MembershipStore) {
	rec := TestMembership()
	rec.SubscriberID = "cas-subscriber"
	rec.ExternalPayerRef = "cus_cas"
	if err := s.CreateMembership(ctx, rec); err != nil {
		t.Fatalf("CreateMembership failed: %v", err)
	}

	fresh, err := s.GetMembership(ctx, rec.GroupID, rec.SubscriberID)
	if err != nil {
		t.Fatalf("GetMembership failed: %v", err)
	}

	fresh.Active = false
	if err := s.UpdateMembership(ctx, fresh); err != nil {
		t.Fatalf("UpdateMembership failed: %v", err)
	}

	// A writer still holding the old version must lose.
	stale := *fresh
	stale.Version = fresh.Version - 1
	stale.Active = true
	if err := s.UpdateMembership(ctx, &stale); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict on stale version, got %v", err)
	}

	got, err := s.GetMembership(ctx, rec.GroupID, rec.SubscriberID)
	if err != nil {
		t.Fatalf("GetMembership failed: %v", err)
	}
	if got.Active {
		t.Error("stale write must not overwrite the newer state")
	}
}

// TestTicketLifecycle tests issue/lookup/consume/reject transitions.
func TestTicketLifecycle(t *testing.T, ctx context.Context, s store.TicketStore) {
	now := time.Now().Unix()

	ticket := TestTicket()
	if err := s.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}

	got, err := s.GetTicket(ctx, ticket.Token)
	if err != nil {
		t.Fatalf("GetTicket failed: %v", err)
	}
	if got.Consumed {
		t.Error("fresh ticket must not be consumed")
	}

	latest, err := s.LatestOpenTicket(ctx, ticket.GroupID, ticket.SubscriberID, now)
	if err != nil {
		t.Fatalf("LatestOpenTicket failed: %v", err)
	}
	if latest.Token != ticket.Token {
		t.Errorf("expected token %q, got %q", ticket.Token, latest.Token)
	}

	consumed, err := s.ConsumeTicket(ctx, ticket.Token, ticket.SubscriberID, now)
	if err != nil {
		t.Fatalf("ConsumeTicket failed: %v", err)
	}
	if !consumed.Consumed || consumed.ConsumedBy != ticket.SubscriberID {
		t.Errorf("consume did not record the consumer: %+v", consumed)
	}

	if _, err := s.ConsumeTicket(ctx, ticket.Token, ticket.SubscriberID, now); !errors.Is(err, store.ErrTicketConsumed) {
		t.Errorf("expected ErrTicketConsumed on second consume, got %v", err)
	}

	// Expired ticket.
	expired := &store.InviteTicket{
		Token:     "tkn-expired",
		GroupID:   ticket.GroupID,
		IssuedAt:  now - 7200,
		ExpiresAt: now - 3600,
	}
	if err := s.CreateTicket(ctx, expired); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	if _, err := s.ConsumeTicket(ctx, expired.Token, "42", now); !errors.Is(err, store.ErrTicketExpired) {
		t.Errorf("expected ErrTicketExpired, got %v", err)
	}

	// Ticket bound to another subscriber.
	bound := &store.InviteTicket{
		Token:        "tkn-bound",
		GroupID:      ticket.GroupID,
		SubscriberID: "somebody-else",
		IssuedAt:     now,
		ExpiresAt:    now + 3600,
	}
	if err := s.CreateTicket(ctx, bound); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	if _, err := s.ConsumeTicket(ctx, bound.Token, "42", now); !errors.Is(err, store.ErrTicketMismatch) {
		t.Errorf("expected ErrTicketMismatch, got %v", err)
	}

	// Wildcard ticket binds to the first consumer.
	wildcard := &store.InviteTicket{
		Token:     "tkn-wildcard",
		GroupID:   ticket.GroupID,
		IssuedAt:  now,
		ExpiresAt: now + 3600,
	}
	if err := s.CreateTicket(ctx, wildcard); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}
	got, err = s.ConsumeTicket(ctx, wildcard.Token, "99", now)
	if err != nil {
		t.Fatalf("ConsumeTicket (wildcard) failed: %v", err)
	}
	if got.SubscriberID != "99" || got.ConsumedBy != "99" {
		t.Errorf("wildcard ticket did not bind to consumer: %+v", got)
	}
}

// TestTicketSingleConsumption races concurrent consumers on one ticket and
// requires exactly one winner.
func TestTicketSingleConsumption(t *testing.T, ctx context.Context, s store.TicketStore) {
	now := time.Now().Unix()
	ticket := &store.InviteTicket{
		Token:     "tkn-race",
		GroupID:   "-1001234567890",
		IssuedAt:  now,
		ExpiresAt: now + 3600,
	}
	if err := s.CreateTicket(ctx, ticket); err != nil {
		t.Fatalf("CreateTicket failed: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if _, err := s.ConsumeTicket(ctx, ticket.Token, "racer", now); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly 1 successful consumption, got %d", wins)
	}
}

// TestCreatorUpsert tests creator config upsert and lookups.
func TestCreatorUpsert(t *testing.T, ctx context.Context, s store.CreatorStore) {
	cfg := TestCreator()
	if err := s.UpsertCreator(ctx, cfg); err != nil {
		t.Fatalf("UpsertCreator failed: %v", err)
	}

	got, err := s.GetCreator(ctx, cfg.CreatorID)
	if err != nil {
		t.Fatalf("GetCreator failed: %v", err)
	}
	if got.ExtensionDays != store.DefaultExtensionDays {
		t.Errorf("expected default extension days %d, got %d", store.DefaultExtensionDays, got.ExtensionDays)
	}

	cfg.GroupTitle = "VIP Lounge v2"
	if err := s.UpsertCreator(ctx, cfg); err != nil {
		t.Fatalf("UpsertCreator (update) failed: %v", err)
	}
	got, err = s.GetCreatorByGroup(ctx, cfg.GroupID)
	if err != nil {
		t.Fatalf("GetCreatorByGroup failed: %v", err)
	}
	if got.GroupTitle != "VIP Lounge v2" {
		t.Errorf("upsert did not update: got title %q", got.GroupTitle)
	}

	if _, err := s.GetCreator(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestPaymentEventDedup tests first-write-wins event recording.
func TestPaymentEventDedup(t *testing.T, ctx context.Context, s store.PaymentEventStore) {
	ev := &store.PaymentEventRecord{
		EventID:     "evt_001",
		PayerRef:    "cus_test_001",
		Kind:        "payment_succeeded",
		ProcessedAt: time.Now().Unix(),
	}

	seen, err := s.SeenPaymentEvent(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("SeenPaymentEvent failed: %v", err)
	}
	if seen {
		t.Error("unrecorded event must not be seen")
	}

	applied, err := s.RecordPaymentEvent(ctx, ev)
	if err != nil {
		t.Fatalf("RecordPaymentEvent failed: %v", err)
	}
	if !applied {
		t.Error("first event must be applied")
	}

	seen, err = s.SeenPaymentEvent(ctx, ev.EventID)
	if err != nil {
		t.Fatalf("SeenPaymentEvent failed: %v", err)
	}
	if !seen {
		t.Error("recorded event must be seen")
	}

	applied, err = s.RecordPaymentEvent(ctx, ev)
	if err != nil {
		t.Fatalf("RecordPaymentEvent (replay) failed: %v", err)
	}
	if applied {
		t.Error("replayed event must not be applied")
	}
}
