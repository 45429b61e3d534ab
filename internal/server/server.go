// Package server provides HTTP server wiring and lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/luxbot/vipgate/internal/cache"
	"github.com/luxbot/vipgate/internal/config"
	"github.com/luxbot/vipgate/internal/identity"
	"github.com/luxbot/vipgate/internal/logutil"
	"github.com/luxbot/vipgate/internal/membership"
	"github.com/luxbot/vipgate/internal/payments"
	"github.com/luxbot/vipgate/internal/store"
	"github.com/luxbot/vipgate/internal/telegram"
	"github.com/luxbot/vipgate/internal/tlsutil"
)

var ErrMissingDep = errors.New("missing required dependency")

// Deps holds the collaborators the HTTP layer dispatches into.
type Deps struct {
	Gateway         *telegram.Gateway
	PaymentsHandler *payments.Handler
	Sweeper         *membership.Sweeper
	Ledger          *membership.Ledger
	Memberships     store.MembershipStore
	Creators        store.CreatorStore
	Admin           *identity.Admin

	// Counter backs the rate limiter. Nil disables limiting.
	Counter cache.Counter

	// ACME is required only for tls.mode "acme".
	ACME *tlsutil.ACMEManager
}

// Server owns the HTTP listener, routing, and shutdown.
type Server struct {
	cfg            *config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	challengeSrv   *http.Server
	trustedProxies *TrustedProxies

	gateway         *telegram.Gateway
	paymentsHandler *payments.Handler
	sweeper         *membership.Sweeper
	ledger          *membership.Ledger
	memberships     store.MembershipStore
	creators        store.CreatorStore
	admin           *identity.Admin
	counter         cache.Counter
	acme            *tlsutil.ACMEManager
	webhookSecret   string
}

// New builds a Server. All Deps fields except Counter and ACME are required.
func New(cfg *config.Config, logger *slog.Logger, deps *Deps) (*Server, error) {
	if err := validateDeps(deps); err != nil {
		return nil, err
	}

	counter := deps.Counter
	if counter == nil {
		counter = noopCounter{}
	}

	s := &Server{
		cfg:             cfg,
		logger:          logutil.NoopIfNil(logger),
		trustedProxies:  NewTrustedProxies(cfg.Server.TrustedProxies),
		gateway:         deps.Gateway,
		paymentsHandler: deps.PaymentsHandler,
		sweeper:         deps.Sweeper,
		ledger:          deps.Ledger,
		memberships:     deps.Memberships,
		creators:        deps.Creators,
		admin:           deps.Admin,
		counter:         counter,
		acme:            deps.ACME,
		webhookSecret:   cfg.Telegram.WebhookSecret,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the listener according to the TLS mode. It blocks until the
// server shuts down or fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting server",
		"addr", s.cfg.ListenAddr,
		"external_origin", s.cfg.ExternalOrigin,
		"tls_mode", s.cfg.TLS.Mode,
	)

	if s.cfg.TLS.Mode == "off" {
		return s.httpServer.ListenAndServe()
	}

	if s.cfg.TLS.Mode == "acme" {
		if s.acme == nil {
			return fmt.Errorf("%w: ACME manager", ErrMissingDep)
		}
		// The challenge listener must be up before certificate issuance
		// starts, the directory validates over plain HTTP.
		s.challengeSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.cfg.TLS.HTTPPort),
			Handler: s.acme.ChallengeHandler(),
		}
		go func() {
			if err := s.challengeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("challenge listener failed", "error", err)
			}
		}()
		if err := s.acme.Init(ctx); err != nil {
			return fmt.Errorf("ACME initialization: %w", err)
		}
	}

	manager := tlsutil.NewManager(&s.cfg.TLS, s.logger)
	tlsConfig, err := manager.Config(externalHostname(s.cfg.ExternalOrigin), s.acme)
	if err != nil {
		return fmt.Errorf("configuring TLS: %w", err)
	}

	s.httpServer.TLSConfig = tlsConfig
	return s.httpServer.ListenAndServeTLS("", "")
}

// Shutdown drains in-flight requests and stops the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if s.challengeSrv != nil {
		_ = s.challengeSrv.Shutdown(ctx)
	}
	return s.httpServer.Shutdown(ctx)
}

// externalHostname extracts the bare hostname from the external origin, for
// self-signed certificate generation.
func externalHostname(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}

func validateDeps(deps *Deps) error {
	if deps == nil {
		return fmt.Errorf("%w: deps is nil", ErrMissingDep)
	}
	switch {
	case deps.Gateway == nil:
		return fmt.Errorf("%w: Gateway", ErrMissingDep)
	case deps.PaymentsHandler == nil:
		return fmt.Errorf("%w: PaymentsHandler", ErrMissingDep)
	case deps.Sweeper == nil:
		return fmt.Errorf("%w: Sweeper", ErrMissingDep)
	case deps.Ledger == nil:
		return fmt.Errorf("%w: Ledger", ErrMissingDep)
	case deps.Memberships == nil:
		return fmt.Errorf("%w: Memberships", ErrMissingDep)
	case deps.Creators == nil:
		return fmt.Errorf("%w: Creators", ErrMissingDep)
	case deps.Admin == nil:
		return fmt.Errorf("%w: Admin", ErrMissingDep)
	}
	return nil
}
