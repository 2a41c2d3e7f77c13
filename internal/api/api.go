// Package api exposes a trimmed, read-only HTTP dashboard: a health check
// and a snapshot endpoint summarizing the engine's health, session stats and
// circuit breaker state; the snapshot does not list the tracked markets.
// Adapted from the teacher's
// api/server.go + handlers.go (mux wiring, graceful Shutdown), with the
// order-placement dashboard surface and websocket stream dropped since
// there is nothing here to place orders against.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"arbsignal/internal/mode"
	"arbsignal/internal/session"
)

// SnapshotProvider is whatever owns the running engine state the dashboard
// reports on. Implemented by *engine.Engine without api importing engine,
// avoiding an import cycle.
type SnapshotProvider interface {
	Tracker() *session.Tracker
	Breaker() *mode.Breaker
	Healthy() bool
}

// Snapshot is the dashboard's single JSON payload shape.
type Snapshot struct {
	Healthy       bool            `json:"healthy"`
	BreakerState  mode.State      `json:"breaker_state"`
	Session       session.Summary `json:"session"`
	GeneratedAtMs int64           `json:"generated_at_ms"`
}

// Config controls the dashboard's bind port and allowed CORS origins.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server runs the read-only dashboard HTTP server.
type Server struct {
	cfg      Config
	provider SnapshotProvider
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the health/snapshot routes and binds to cfg.Port.
func NewServer(cfg Config, provider SnapshotProvider, logger *slog.Logger) *Server {
	logger = logger.With("component", "api_server")

	mux := http.NewServeMux()
	s := &Server{cfg: cfg, provider: provider, logger: logger}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withCORS(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("dashboard starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down within a 10s deadline.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// withCORS enforces cfg.AllowedOrigins on every request, mirroring the
// teacher's isOriginAllowed websocket check (handlers.go) but applied as
// HTTP middleware since this dashboard has no websocket stream. An empty
// AllowedOrigins list permits same-host and localhost requests only; a
// disallowed cross-origin request is rejected before reaching a handler.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !isOriginAllowed(origin, s.cfg.AllowedOrigins, r.Host) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	normalized := normalizeOrigin(originURL.Scheme, originURL.Host)
	if normalized == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, a := range allowed {
			u, err := url.Parse(a)
			if err != nil {
				continue
			}
			if normalized == normalizeOrigin(u.Scheme, u.Host) {
				return true
			}
		}
		return false
	}

	host := strings.ToLower(originURL.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	reqHostname := normalizeHost(reqHost)
	return reqHostname != "" && host == reqHostname
}

func normalizeOrigin(scheme, host string) string {
	if scheme == "" || host == "" {
		return ""
	}
	return strings.ToLower(scheme) + "://" + strings.ToLower(host)
}

func normalizeHost(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(hostport)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "ok"
	if !s.provider.Healthy() {
		status = "degraded"
	}
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	snap := Snapshot{
		Healthy:       s.provider.Healthy(),
		BreakerState:  s.provider.Breaker().State(now),
		Session:       s.provider.Tracker().GenerateSummary(now),
		GeneratedAtMs: now.UnixMilli(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Error("encoding snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
