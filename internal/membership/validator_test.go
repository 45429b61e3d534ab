package membership_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/luxbot/vipgate/internal/membership"
	"github.com/luxbot/vipgate/internal/store"
)

func seedTicket(t *testing.T, st store.TicketStore, ticket *store.InviteTicket) {
	t.Helper()
	if err := st.CreateTicket(context.Background(), ticket); err != nil {
		t.Fatalf("seed ticket: %v", err)
	}
}

func TestValidateAdmitsAndCreatesRecord(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	v := membership.NewValidator(st, st, nil).WithClock(fixedClock(base))

	seedTicket(t, st, &store.InviteTicket{
		Token:     "tok-1",
		GroupID:   testGroup,
		IssuedAt:  base.Unix() - 60,
		ExpiresAt: base.Unix() + 3600,
	})

	adm, err := v.Validate(context.Background(), testGroup, testSubscriber, "tok-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !adm.Ticket.Consumed || adm.Ticket.ConsumedBy != testSubscriber {
		t.Errorf("ticket not consumed by subscriber: %+v", adm.Ticket)
	}
	if adm.Record.Active {
		t.Error("first-contact record must be inactive")
	}

	rec, err := st.GetMembership(context.Background(), testGroup, testSubscriber)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.PaidUntil != 0 {
		t.Errorf("PaidUntil = %d, want 0", rec.PaidUntil)
	}
}

func TestValidateRejections(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		seed    *store.InviteTicket
		token   string
		wantErr error
	}{
		{
			name:    "unknown token and no open ticket",
			token:   "tok-nope",
			wantErr: membership.ErrNoTicket,
		},
		{
			name: "expired ticket",
			seed: &store.InviteTicket{
				Token: "tok-old", GroupID: testGroup,
				IssuedAt: base.Unix() - 7200, ExpiresAt: base.Unix() - 3600,
			},
			token:   "tok-old",
			wantErr: store.ErrTicketExpired,
		},
		{
			name: "consumed ticket",
			seed: &store.InviteTicket{
				Token: "tok-used", GroupID: testGroup,
				IssuedAt: base.Unix() - 60, ExpiresAt: base.Unix() + 3600,
				Consumed: true, ConsumedBy: "99", ConsumedAt: base.Unix() - 30,
			},
			token:   "tok-used",
			wantErr: store.ErrTicketConsumed,
		},
		{
			name: "wrong group",
			seed: &store.InviteTicket{
				Token: "tok-other", GroupID: "-100999",
				IssuedAt: base.Unix() - 60, ExpiresAt: base.Unix() + 3600,
			},
			token:   "tok-other",
			wantErr: store.ErrTicketMismatch,
		},
		{
			name: "bound to another subscriber",
			seed: &store.InviteTicket{
				Token: "tok-bound", GroupID: testGroup, SubscriberID: "99",
				IssuedAt: base.Unix() - 60, ExpiresAt: base.Unix() + 3600,
			},
			token:   "tok-bound",
			wantErr: store.ErrTicketMismatch,
		},
		{
			name:    "no token and no open ticket",
			token:   "",
			wantErr: membership.ErrNoTicket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newTestStore(t)
			v := membership.NewValidator(st, st, nil).WithClock(fixedClock(base))
			if tt.seed != nil {
				seedTicket(t, st, tt.seed)
			}

			_, err := v.Validate(context.Background(), testGroup, testSubscriber, tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate err = %v, want %v", err, tt.wantErr)
			}

			// Rejection must not create a record.
			if _, err := st.GetMembership(context.Background(), testGroup, testSubscriber); !errors.Is(err, store.ErrNotFound) {
				t.Errorf("record exists after rejection, err = %v", err)
			}
		})
	}
}

func TestValidateFallsBackToLatestOpenTicket(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	v := membership.NewValidator(st, st, nil).WithClock(fixedClock(base))

	seedTicket(t, st, &store.InviteTicket{
		Token: "tok-early", GroupID: testGroup, SubscriberID: testSubscriber,
		IssuedAt: base.Unix() - 600, ExpiresAt: base.Unix() + 3600,
	})
	seedTicket(t, st, &store.InviteTicket{
		Token: "tok-late", GroupID: testGroup, SubscriberID: testSubscriber,
		IssuedAt: base.Unix() - 60, ExpiresAt: base.Unix() + 3600,
	})

	adm, err := v.Validate(context.Background(), testGroup, testSubscriber, "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if adm.Ticket.Token != "tok-late" {
		t.Errorf("consumed %q, want the most recent tok-late", adm.Ticket.Token)
	}
}

func TestValidateUnknownTokenFallsBackToOpenTicket(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	v := membership.NewValidator(st, st, nil).WithClock(fixedClock(base))

	seedTicket(t, st, &store.InviteTicket{
		Token: "tok-open", GroupID: testGroup, SubscriberID: testSubscriber,
		IssuedAt: base.Unix() - 60, ExpiresAt: base.Unix() + 3600,
	})

	// A stale or mistyped link must not lock out a subscriber who still
	// holds an open ticket of their own.
	adm, err := v.Validate(context.Background(), testGroup, testSubscriber, "tok-unknown")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if adm.Ticket.Token != "tok-open" {
		t.Errorf("consumed %q, want fallback to tok-open", adm.Ticket.Token)
	}
	if !adm.Ticket.Consumed || adm.Ticket.ConsumedBy != testSubscriber {
		t.Errorf("open ticket not consumed by subscriber: %+v", adm.Ticket)
	}
}

func TestValidateSingleAdmissionUnderConcurrency(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	v := membership.NewValidator(st, st, nil).WithClock(fixedClock(base))

	seedTicket(t, st, &store.InviteTicket{
		Token: "tok-race", GroupID: testGroup,
		IssuedAt: base.Unix() - 60, ExpiresAt: base.Unix() + 3600,
	})

	const racers = 8
	var wg sync.WaitGroup
	admitted := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := string(rune('a' + n))
			if _, err := v.Validate(context.Background(), testGroup, sub, "tok-race"); err == nil {
				admitted <- sub
			}
		}(i)
	}
	wg.Wait()
	close(admitted)

	var winners []string
	for sub := range admitted {
		winners = append(winners, sub)
	}
	if len(winners) != 1 {
		t.Fatalf("%d admissions on one ticket, want exactly 1 (%v)", len(winners), winners)
	}
}

func TestValidateKeepsExistingRecord(t *testing.T) {
	st := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	v := membership.NewValidator(st, st, nil).WithClock(fixedClock(base))

	seedMembership(t, st, func(rec *store.MembershipRecord) {
		rec.PaidUntil = base.Unix() + 86400
		rec.Active = true
		rec.PaymentConfirmed = true
	})
	seedTicket(t, st, &store.InviteTicket{
		Token: "tok-rejoin", GroupID: testGroup,
		IssuedAt: base.Unix() - 60, ExpiresAt: base.Unix() + 3600,
	})

	adm, err := v.Validate(context.Background(), testGroup, testSubscriber, "tok-rejoin")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !adm.Record.Active || adm.Record.PaidUntil != base.Unix()+86400 {
		t.Errorf("existing record altered: %+v", adm.Record)
	}
}
