package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxbot/vipgate/internal/api"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		write      func(w http.ResponseWriter)
		wantStatus int
		wantReason string
	}{
		{
			name:       "bad request",
			write:      func(w http.ResponseWriter) { api.WriteBadRequest(w, api.ReasonMissingField, "group_id is required") },
			wantStatus: http.StatusBadRequest,
			wantReason: api.ReasonMissingField,
		},
		{
			name:       "unauthorized",
			write:      func(w http.ResponseWriter) { api.WriteUnauthorized(w, api.ReasonInvalidCredentials, "bad credentials") },
			wantStatus: http.StatusUnauthorized,
			wantReason: api.ReasonInvalidCredentials,
		},
		{
			name:       "forbidden ticket consumed",
			write:      func(w http.ResponseWriter) { api.WriteForbidden(w, api.ReasonTicketConsumed, "ticket already used") },
			wantStatus: http.StatusForbidden,
			wantReason: api.ReasonTicketConsumed,
		},
		{
			name:       "not found",
			write:      func(w http.ResponseWriter) { api.WriteNotFound(w, "no such creator") },
			wantStatus: http.StatusNotFound,
			wantReason: api.ReasonNotFound,
		},
		{
			name:       "too many requests",
			write:      func(w http.ResponseWriter) { api.WriteTooManyRequests(w, "slow down") },
			wantStatus: http.StatusTooManyRequests,
			wantReason: api.ReasonRateLimited,
		},
		{
			name:       "internal error",
			write:      func(w http.ResponseWriter) { api.WriteInternalError(w, "store unavailable") },
			wantStatus: http.StatusInternalServerError,
			wantReason: api.ReasonInternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected application/json content type, got %q", ct)
			}

			var envelope api.ErrorEnvelope
			if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
				t.Fatalf("failed to decode error envelope: %v", err)
			}
			if envelope.Error.ReasonCode != tt.wantReason {
				t.Errorf("expected reason code %q, got %q", tt.wantReason, envelope.Error.ReasonCode)
			}
			if envelope.Error.Code != http.StatusText(tt.wantStatus) {
				t.Errorf("expected code %q, got %q", http.StatusText(tt.wantStatus), envelope.Error.Code)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)

	api.HealthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body api.HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("expected status ok, got %q", body.Status)
	}
}
