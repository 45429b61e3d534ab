package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/luxbot/vipgate/internal/api"
	"github.com/luxbot/vipgate/internal/store"
	"github.com/luxbot/vipgate/internal/telegram"
)

const maxUpdateBytes = 1 << 20

// setupRoutes builds the chi router. Webhook endpoints authenticate with
// their own shared secrets; everything under /api except the health probe
// requires admin basic auth.
func (s *Server) setupRoutes() chi.Router {
	r := chi.NewRouter()

	// RequestID must come first so the access log can include it.
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(s.rateLimiter([]RateLimit{
		{PathPrefix: "/webhooks/payments", RequestsPerMinute: 120},
		{PathPrefix: "/api/healthz", RequestsPerMinute: 300},
		{PathPrefix: "/api/sweep", RequestsPerMinute: 10},
		{PathPrefix: "/api/", RequestsPerMinute: 120},
	}))

	r.Route("/webhooks", func(r chi.Router) {
		r.With(s.telegramAuth).Post("/telegram", s.handleTelegramUpdate)
		r.Method(http.MethodPost, "/payments", s.paymentsHandler)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", api.HealthHandler)

		r.Group(func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/sweep", s.handleSweep)
			r.Put("/creators/{creatorID}", s.handleUpsertCreator)
			r.Get("/creators/{creatorID}", s.handleGetCreator)
			r.Post("/invites", s.handleIssueInvite)
			r.Get("/memberships", s.handleListMemberships)
		})
	})

	return r
}

// handleTelegramUpdate decodes one bot update and hands it to the gateway.
// After the secret check every delivery is acknowledged with 200: returning
// an error status would make Telegram redeliver an update we have already
// looked at, and update handling is idempotent only at our own layer.
func (s *Server) handleTelegramUpdate(w http.ResponseWriter, r *http.Request) {
	var upd telegram.Update
	body := http.MaxBytesReader(w, r.Body, maxUpdateBytes)
	if err := json.NewDecoder(body).Decode(&upd); err != nil {
		s.logger.Warn("malformed telegram update", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.gateway.HandleUpdate(r.Context(), &upd); err != nil {
		s.logger.Error("update handling failed", "update_id", upd.UpdateID, "error", err)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		api.WriteInternalError(w, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUpsertCreator(w http.ResponseWriter, r *http.Request) {
	var cfg store.CreatorConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		api.WriteBadRequest(w, api.ReasonBadRequest, "invalid JSON body")
		return
	}
	cfg.CreatorID = chi.URLParam(r, "creatorID")
	if cfg.GroupID == "" {
		api.WriteBadRequest(w, api.ReasonMissingField, "group_id is required")
		return
	}
	cfg.ApplyDefaults()

	if err := s.creators.UpsertCreator(r.Context(), &cfg); err != nil {
		s.logger.Error("creator upsert failed", "creator_id", cfg.CreatorID, "error", err)
		api.WriteInternalError(w, "could not store creator configuration")
		return
	}
	writeJSON(w, http.StatusOK, &cfg)
}

func (s *Server) handleGetCreator(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.creators.GetCreator(r.Context(), chi.URLParam(r, "creatorID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "creator not found")
			return
		}
		api.WriteInternalError(w, "could not load creator configuration")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

type issueInviteRequest struct {
	GroupID      string `json:"group_id"`
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// handleIssueInvite mints a single-use invite out of band, for cases where a
// creator wants to hand a link to someone directly instead of going through
// the bot conversation.
func (s *Server) handleIssueInvite(w http.ResponseWriter, r *http.Request) {
	var req issueInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, api.ReasonBadRequest, "invalid JSON body")
		return
	}
	if req.GroupID == "" {
		api.WriteBadRequest(w, api.ReasonMissingField, "group_id is required")
		return
	}

	ticket, err := s.ledger.Issue(r.Context(), req.GroupID, req.SubscriberID)
	if err != nil {
		s.logger.Error("invite issue failed", "group_id", req.GroupID, "error", err)
		api.WriteInternalError(w, "could not create invite link")
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleListMemberships(w http.ResponseWriter, r *http.Request) {
	groupID := r.URL.Query().Get("group")
	records, err := s.memberships.ListMemberships(r.Context(), groupID)
	if err != nil {
		api.WriteInternalError(w, "could not list memberships")
		return
	}
	if records == nil {
		records = []*store.MembershipRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
