package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/relay"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/session"
)

type staticHealth map[string]channels.HealthStatus

func (h staticHealth) HealthAll() map[string]channels.HealthStatus { return h }

type staticPool relay.Stats

func (p staticPool) Stats() relay.Stats { return relay.Stats(p) }

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestGateway(opts Options) http.Handler {
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(opts).Handler()
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestHealth(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		health     staticHealth
		wantCode   int
		wantStatus string
	}{
		{"no bots", nil, http.StatusOK, "ok"},
		{"all connected", staticHealth{"a": {Connected: true}, "b": {Connected: true}}, http.StatusOK, "ok"},
		{"one down", staticHealth{"a": {Connected: true}, "b": {}}, http.StatusOK, "degraded"},
		{"all down", staticHealth{"a": {}}, http.StatusServiceUnavailable, "unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := Options{Version: "1.2.3"}
			if tt.health != nil {
				opts.Health = tt.health
			}
			rec, body := get(t, newTestGateway(opts), "/health")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, body["status"])
			assert.Equal(t, "1.2.3", body["version"])
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	store := session.New()
	store.Update("1.1", "sess-a", "1.2")
	store.Update("2.1", "sess-b", "2.2")

	h := newTestGateway(Options{
		Health:   staticHealth{"backend": {Connected: true, ErrorCount: 2}},
		Sessions: store,
		Pool:     staticPool{Workers: 10, InFlight: 3, Queued: 1, Handled: 42},
		Audit:    pingFunc(func(context.Context) error { return nil }),
	})

	rec, body := get(t, h, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["sessions"])
	assert.Equal(t, "ok", body["audit"])

	pool, ok := body["pool"].(map[string]any)
	require.True(t, ok, "pool = %v", body["pool"])
	assert.EqualValues(t, 10, pool["workers"])
	assert.EqualValues(t, 3, pool["in_flight"])
	assert.EqualValues(t, 42, pool["handled"])

	bots, ok := body["bots"].(map[string]any)
	require.True(t, ok)
	backend, ok := bots["backend"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, backend["connected"])
	assert.EqualValues(t, 2, backend["error_count"])
}

func TestStatus_AuditStates(t *testing.T) {
	t.Parallel()
	_, body := get(t, newTestGateway(Options{}), "/api/status")
	assert.Equal(t, "disabled", body["audit"])
	assert.NotContains(t, body, "sessions")

	failing := pingFunc(func(context.Context) error { return errors.New("database is locked") })
	_, body = get(t, newTestGateway(Options{Audit: failing}), "/api/status")
	assert.Equal(t, "error", body["audit"])
}

func TestSessions_ShortensTokens(t *testing.T) {
	t.Parallel()
	store := session.New()
	store.Update("b-thread", "0123456789abcdef", "5")
	store.Update("a-thread", "short", "3")

	rec, body := get(t, newTestGateway(Options{Sessions: store}), "/api/sessions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	list, ok := body["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	second := list[1].(map[string]any)
	assert.Equal(t, "a-thread", first["thread_id"])
	assert.Equal(t, "short", first["session"])
	assert.Equal(t, "01234567...", second["session"])
	assert.Equal(t, "5", second["last_response_marker"])
	assert.NotContains(t, rec.Body.String(), "0123456789abcdef")
}

func TestSessions_NoStore(t *testing.T) {
	t.Parallel()
	rec, body := get(t, newTestGateway(Options{}), "/api/sessions")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "session store unavailable", body["error"])
}

func TestRouting(t *testing.T) {
	t.Parallel()
	h := newTestGateway(Options{})

	rec, body := get(t, h, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not found", body["error"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	g := New(Options{})
	assert.NoError(t, g.Stop(context.Background()))
}
