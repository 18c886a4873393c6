// Package gateway exposes a small read-only HTTP API for operators:
// liveness, transport health, thread-session counts and worker pool load.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/relay"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/session"
)

// DefaultAddress is used when Options.Address is empty.
const DefaultAddress = ":8086"

// HealthSource reports per-bot transport health.
type HealthSource interface {
	HealthAll() map[string]channels.HealthStatus
}

// PoolSource reports worker pool counters.
type PoolSource interface {
	Stats() relay.Stats
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the gateway. Nil sources are reported as absent.
type Options struct {
	Address  string
	Version  string
	Health   HealthSource
	Sessions *session.Store
	Pool     PoolSource
	Audit    Pinger
	Logger   *slog.Logger
}

// Gateway is the operator HTTP API.
type Gateway struct {
	opts      Options
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway. Call Start to listen.
func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	return &Gateway{
		opts:      opts,
		logger:    opts.Logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", g.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/status", g.handleStatus)
		api.Get("/sessions", g.handleSessions)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Start listens in the background until Stop is called.
func (g *Gateway) Start(_ context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:              g.opts.Address,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.opts.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// handleHealth implements GET /health. It answers 503 when bots are
// configured but none is connected.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	bots := make(map[string]string)
	connected := 0
	for name, st := range g.health() {
		if st.Connected {
			bots[name] = "connected"
			connected++
		} else {
			bots[name] = "disconnected"
		}
	}

	status, code := "ok", http.StatusOK
	if len(bots) > 0 && connected == 0 {
		status, code = "unavailable", http.StatusServiceUnavailable
	} else if connected < len(bots) {
		status = "degraded"
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": g.opts.Version,
		"uptime":  g.uptime(),
		"bots":    bots,
	})
}

// handleStatus implements GET /api/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"version": g.opts.Version,
		"uptime":  g.uptime(),
		"bots":    g.health(),
	}
	if g.opts.Sessions != nil {
		resp["sessions"] = g.opts.Sessions.Len()
	}
	if g.opts.Pool != nil {
		resp["pool"] = g.opts.Pool.Stats()
	}

	audit := "disabled"
	if g.opts.Audit != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.opts.Audit.Ping(ctx); err != nil {
			g.logger.Warn("audit ping failed", "error", err)
			audit = "error"
		} else {
			audit = "ok"
		}
	}
	resp["audit"] = audit

	writeJSON(w, http.StatusOK, resp)
}

type sessionView struct {
	ThreadID           string `json:"thread_id"`
	Session            string `json:"session"`
	LastResponseMarker string `json:"last_response_marker"`
}

// handleSessions implements GET /api/sessions. Session tokens are shortened
// to a prefix so the endpoint cannot be used to hijack a conversation.
func (g *Gateway) handleSessions(w http.ResponseWriter, _ *http.Request) {
	if g.opts.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	snap := g.opts.Sessions.Snapshot()
	sort.Slice(snap, func(i, j int) bool { return snap[i].ThreadID < snap[j].ThreadID })

	views := make([]sessionView, 0, len(snap))
	for _, s := range snap {
		views = append(views, sessionView{
			ThreadID:           s.ThreadID,
			Session:            tokenPrefix(s.SessionToken),
			LastResponseMarker: s.LastResponseMarker,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "sessions": views})
}

func (g *Gateway) health() map[string]channels.HealthStatus {
	if g.opts.Health == nil {
		return map[string]channels.HealthStatus{}
	}
	return g.opts.Health.HealthAll()
}

func (g *Gateway) uptime() string {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	return uptime
}

func tokenPrefix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}

// securityHeaders adds standard security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
