package payments_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/luxbot/vipgate/internal/membership"
	"github.com/luxbot/vipgate/internal/payments"
	"github.com/luxbot/vipgate/internal/store"
	"github.com/luxbot/vipgate/internal/store/memory"
)

const signingSecret = "whsec_test"

type fixture struct {
	handler *payments.Handler
	store   *memory.Driver
	base    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	drv, err := memory.NewDriver(&store.DriverConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory.NewDriver: %v", err)
	}
	t.Cleanup(func() { drv.Close() })
	st := drv.(*memory.Driver)

	base := time.Unix(1_700_000_000, 0)
	r := membership.NewReconciler(st, st, st, 30, nil).WithClock(func() time.Time { return base })

	return &fixture{
		handler: payments.NewHandler(r, signingSecret, nil),
		store:   st,
		base:    base,
	}
}

func (f *fixture) seedRecord(t *testing.T) {
	t.Helper()
	err := f.store.CreateMembership(context.Background(), &store.MembershipRecord{
		GroupID:          "-100123",
		SubscriberID:     "42",
		ExternalPayerRef: "cus_123",
		LastReminderKind: store.ReminderNone,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) deliver(t *testing.T, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	if sign {
		req.Header.Set(payments.SignatureHeader, payments.Sign(signingSecret, body))
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func eventBody(t *testing.T, id, typ, payerRef string, metadata map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":        id,
		"type":      typ,
		"payer_ref": payerRef,
		"metadata":  metadata,
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func decodeAck(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var got map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("undecodable ack body %q: %v", rr.Body, err)
	}
	return got
}

func TestWebhookAppliesPayment(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t)

	body := eventBody(t, "evt-1", "payment_succeeded", "cus_123", nil)
	rr := f.deliver(t, body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	rec, _ := f.store.GetMembership(context.Background(), "-100123", "42")
	if !rec.Active || !rec.PaymentConfirmed {
		t.Errorf("record not extended: %+v", rec)
	}
	if want := f.base.Add(30 * 24 * time.Hour).Unix(); rec.PaidUntil != want {
		t.Errorf("PaidUntil = %d, want %d", rec.PaidUntil, want)
	}
}

func TestWebhookMetadataDecoding(t *testing.T) {
	f := newFixture(t)

	// Numbers arrive as JSON floats and sometimes strings; weak decoding
	// accepts both.
	body := eventBody(t, "evt-2", "checkout_completed", "cus_9", map[string]any{
		"subscriber_id":  "42",
		"group_id":       "-100123",
		"creator_id":     "creator-7",
		"extension_days": "7",
	})
	rr := f.deliver(t, body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}

	rec, err := f.store.GetMembership(context.Background(), "-100123", "42")
	if err != nil {
		t.Fatalf("record not created from metadata: %v", err)
	}
	if want := f.base.Add(7 * 24 * time.Hour).Unix(); rec.PaidUntil != want {
		t.Errorf("PaidUntil = %d, want %d (7 days from metadata)", rec.PaidUntil, want)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t)
	body := eventBody(t, "evt-3", "payment_succeeded", "cus_123", nil)

	tests := []struct {
		name   string
		mangle func(req *http.Request)
	}{
		{"missing signature", func(req *http.Request) {}},
		{"wrong signature", func(req *http.Request) {
			req.Header.Set(payments.SignatureHeader, payments.Sign("other-secret", body))
		}},
		{"garbage signature", func(req *http.Request) {
			req.Header.Set(payments.SignatureHeader, "not-hex")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
			tt.mangle(req)
			rr := httptest.NewRecorder()
			f.handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rr.Code)
			}
		})
	}

	// Nothing was applied.
	rec, _ := f.store.GetMembership(context.Background(), "-100123", "42")
	if rec.PaidUntil != 0 {
		t.Errorf("unsigned delivery extended the record")
	}
}

func TestWebhookReplayAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seedRecord(t)
	body := eventBody(t, "evt-4", "payment_succeeded", "cus_123", nil)

	if rr := f.deliver(t, body, true); rr.Code != http.StatusOK {
		t.Fatalf("first delivery: %d", rr.Code)
	}
	first, _ := f.store.GetMembership(context.Background(), "-100123", "42")

	rr := f.deliver(t, body, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay must be acknowledged, got %d", rr.Code)
	}
	if got := decodeAck(t, rr); got["status"] != "replayed" || got["reason_code"] != "event_replayed" {
		t.Errorf("replay ack = %v", got)
	}

	second, _ := f.store.GetMembership(context.Background(), "-100123", "42")
	if second.PaidUntil != first.PaidUntil {
		t.Errorf("replay extended the record: %d -> %d", first.PaidUntil, second.PaidUntil)
	}
}

func TestWebhookUnresolvedIdentityAcknowledged(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, "evt-5", "payment_succeeded", "cus_unknown", nil)

	rr := f.deliver(t, body, true)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (drop, do not provoke retries)", rr.Code)
	}
	if got := decodeAck(t, rr); got["status"] != "dropped" || got["reason_code"] != "unresolved_identity" {
		t.Errorf("drop ack = %v", got)
	}
}

func TestWebhookCancellation(t *testing.T) {
	f := newFixture(t)
	err := f.store.CreateMembership(context.Background(), &store.MembershipRecord{
		GroupID: "-100123", SubscriberID: "42",
		ExternalPayerRef: "cus_123",
		PaidUntil:        f.base.Add(10 * 24 * time.Hour).Unix(),
		Active:           true, PaymentConfirmed: true,
		LastReminderKind: store.ReminderNone,
	})
	if err != nil {
		t.Fatal(err)
	}

	body := eventBody(t, "evt-6", "subscription_canceled", "cus_123", nil)
	if rr := f.deliver(t, body, true); rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	rec, _ := f.store.GetMembership(context.Background(), "-100123", "42")
	if rec.PaymentConfirmed {
		t.Error("PaymentConfirmed still set")
	}
	if !rec.Active || rec.PaidUntil != f.base.Add(10*24*time.Hour).Unix() {
		t.Errorf("cancellation must not cut the paid period short: %+v", rec)
	}
}

func TestWebhookMalformedAndIncomplete(t *testing.T) {
	f := newFixture(t)

	for _, tt := range []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{nope")},
		{"missing id", eventBody(t, "", "payment_succeeded", "cus_123", nil)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.deliver(t, tt.body, true)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestWebhookIgnoresUnknownEventType(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, "evt-7", "invoice.finalized", "cus_123", nil)
	rr := f.deliver(t, body, true)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}
