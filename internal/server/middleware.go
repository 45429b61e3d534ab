package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/luxbot/vipgate/internal/api"
	"github.com/luxbot/vipgate/internal/cache"
	"github.com/luxbot/vipgate/internal/identity"
)

// requestLogger emits one structured access log line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"client_ip", s.trustedProxies.ClientIPString(r),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// RateLimit is a per-minute request budget for a path prefix, keyed by
// client IP. The first matching prefix wins.
type RateLimit struct {
	PathPrefix        string
	RequestsPerMinute int64
}

// rateLimiter enforces per-client budgets using the shared counter backend,
// so limits hold across instances when the cache is a networked one.
func (s *Server) rateLimiter(limits []RateLimit) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var limit *RateLimit
			for i := range limits {
				if strings.HasPrefix(r.URL.Path, limits[i].PathPrefix) {
					limit = &limits[i]
					break
				}
			}
			if limit == nil {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := s.trustedProxies.ClientIPString(r)
			key := fmt.Sprintf("ratelimit:%s:%s", limit.PathPrefix, clientIP)
			count, err := s.counter.Increment(r.Context(), key, 1, time.Minute)
			if err != nil {
				// Counter backend failure must not take endpoints down.
				s.logger.Warn("rate limit counter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if count > limit.RequestsPerMinute {
				s.logger.Warn("rate limit exceeded", "path", r.URL.Path, "client_ip", clientIP)
				w.Header().Set("Retry-After", "60")
				api.WriteTooManyRequests(w, "too many requests, try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// adminAuth gates management endpoints behind HTTP basic auth.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="vipgate admin"`)
			api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
			return
		}
		if err := s.admin.Verify(username, password); err != nil {
			if errors.Is(err, identity.ErrNotConfigured) {
				api.WriteForbidden(w, api.ReasonUnauthenticated, "admin access is not configured")
				return
			}
			api.WriteUnauthorized(w, api.ReasonInvalidCredentials, "invalid credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// telegramAuth rejects webhook deliveries that do not carry the secret token
// Telegram was configured to send. Comparison is not constant-time because
// the secret is high-entropy and attacker-supplied guesses are rate limited
// upstream by Telegram itself.
func (s *Server) telegramAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.webhookSecret != "" {
			got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
			if got != s.webhookSecret {
				api.WriteUnauthorized(w, api.ReasonSecretMismatch, "webhook secret mismatch")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// noopCounter satisfies the counter dependency when no cache is wired; every
// increment succeeds and nothing is ever limited.
type noopCounter struct{}

func (noopCounter) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return 0, nil
}

var _ cache.Counter = noopCounter{}
