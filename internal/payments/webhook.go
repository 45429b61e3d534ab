// Package payments receives processor webhook events, verifies their
// signatures and routes them to the reconciler.
package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/luxbot/vipgate/internal/api"
	"github.com/luxbot/vipgate/internal/logutil"
	"github.com/luxbot/vipgate/internal/membership"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body,
// keyed with the shared signing secret.
const SignatureHeader = "X-Webhook-Signature"

const maxEventBytes = 1 << 20

// event is the processor-agnostic envelope. Metadata is a loose map the
// checkout page attached; it is decoded separately.
type event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	PayerRef string         `json:"payer_ref"`
	Metadata map[string]any `json:"metadata"`
}

// eventMetadata is the known metadata shape. Unknown keys are ignored.
type eventMetadata struct {
	SubscriberID  string `mapstructure:"subscriber_id"`
	GroupID       string `mapstructure:"group_id"`
	CreatorID     string `mapstructure:"creator_id"`
	ExtensionDays int    `mapstructure:"extension_days"`
}

// Handler verifies and dispatches payment webhook deliveries.
type Handler struct {
	reconciler *membership.Reconciler
	secret     []byte
	logger     *slog.Logger
}

func NewHandler(reconciler *membership.Reconciler, signingSecret string, logger *slog.Logger) *Handler {
	return &Handler{
		reconciler: reconciler,
		secret:     []byte(signingSecret),
		logger:     logutil.NoopIfNil(logger),
	}
}

// ServeHTTP handles POST /webhooks/payments. Replayed events and events
// with unresolvable identity are acknowledged with 200: re-delivery cannot
// fix either, and the processor should stop retrying.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		api.WriteBadRequest(w, api.ReasonBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxEventBytes {
		api.WriteBadRequest(w, api.ReasonBadRequest, "event too large")
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.logger.Warn("payment webhook signature rejected")
		api.WriteUnauthorized(w, api.ReasonSignatureInvalid, "invalid webhook signature")
		return
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		api.WriteBadRequest(w, api.ReasonBadRequest, "malformed event")
		return
	}
	if ev.ID == "" {
		api.WriteBadRequest(w, api.ReasonMissingField, "event id is required")
		return
	}

	var meta eventMetadata
	if ev.Metadata != nil {
		if err := mapstructure.WeakDecode(ev.Metadata, &meta); err != nil {
			h.logger.Warn("undecodable event metadata", "event_id", ev.ID, "error", err)
		}
	}

	pev := &membership.PaymentEvent{
		EventID:       ev.ID,
		Kind:          ev.Type,
		PayerRef:      ev.PayerRef,
		SubscriberID:  meta.SubscriberID,
		GroupID:       meta.GroupID,
		CreatorID:     meta.CreatorID,
		ExtensionDays: meta.ExtensionDays,
	}

	switch ev.Type {
	case membership.EventPaymentSucceeded, membership.EventCheckoutCompleted:
		_, err = h.reconciler.Apply(r.Context(), pev)
	case membership.EventSubscriptionCanceled:
		err = h.reconciler.Cancel(r.Context(), pev)
	default:
		h.logger.Info("ignoring unhandled event type", "event_id", ev.ID, "type", ev.Type)
		writeAccepted(w, "ignored", "")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, membership.ErrEventReplayed):
			writeAccepted(w, "replayed", api.ReasonEventReplayed)
		case errors.Is(err, membership.ErrUnresolvedIdentity):
			// Logged and dropped; a retry cannot resolve it either.
			writeAccepted(w, "dropped", api.ReasonUnresolvedIdentity)
		default:
			h.logger.Error("payment event processing failed", "event_id", ev.ID, "error", err)
			api.WriteInternalError(w, "event processing failed")
		}
		return
	}

	writeAccepted(w, "processed", "")
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	if len(h.secret) == 0 || header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")
	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// Sign computes the signature header value for a body. Exposed for tests
// and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func writeAccepted(w http.ResponseWriter, status, reasonCode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	resp := map[string]string{"status": status}
	if reasonCode != "" {
		resp["reason_code"] = reasonCode
	}
	json.NewEncoder(w).Encode(resp)
}
