package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/alert"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/guard"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testNow = time.Date(2026, 4, 20, 14, 0, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []*alert.Alert
}

func (d *recordingDispatcher) Name() string { return "recording" }

func (d *recordingDispatcher) SendAlert(_ context.Context, a *alert.Alert) error {
	d.mu.Lock()
	d.sent = append(d.sent, a)
	d.mu.Unlock()
	return nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Port = "0"
	cfg.LogLevel = "error"
	return cfg
}

// newTestServer creates a server over in-memory stores with a fixed clock.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(context.Background(), testConfig(),
		WithLogger(logging.Discard()),
		WithStores(guard.MemoryStores()),
		WithDispatcher(&recordingDispatcher{}),
		WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "127.0.0.1:40000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "GET", "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	// The timer and hub only run inside Run.
	w = do(t, s, "GET", "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"evaluation_timer", "realtime"}, names)

	w = do(t, s, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sentinel_")
}

func TestCriticalSignalsLockAndLogIncident(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/v1/risk/latest", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, "POST", "/v1/signals", map[string]any{
		"signals": []map[string]any{
			{"type": "ROOT_DETECTED", "timestamp": testNow.Add(-5 * time.Minute)},
			{"type": "EMULATOR_DETECTED", "timestamp": testNow.Add(-4 * time.Minute)},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	ingest := decode(t, w)
	assert.Equal(t, float64(2), ingest["stored"])
	assert.Len(t, ingest["ids"], 2)

	w = do(t, s, "POST", "/v1/evaluate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode(t, w)
	assert.Equal(t, "CRITICAL", res["riskLevel"])
	assert.Equal(t, float64(100), res["score"])
	assert.Equal(t, true, res["requiresLock"])
	assert.Contains(t, res["actions"], "FORCE_LOCKOUT")

	w = do(t, s, "GET", "/v1/lock", nil)
	lock := decode(t, w)
	assert.Equal(t, true, lock["locked"])
	assert.Equal(t, true, lock["inCooldown"])
	assert.Equal(t, float64(time.Hour.Milliseconds()), lock["cooldownRemainingMs"])

	w = do(t, s, "GET", "/v1/risk/latest", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "GET", "/v1/risk/history?limit=5", nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = do(t, s, "GET", "/v1/incidents?unresolved=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	incs := decode(t, w)
	require.Equal(t, float64(1), incs["count"])
	id := incs["incidents"].([]any)[0].(map[string]any)["id"].(string)

	w = do(t, s, "POST", "/v1/incidents/"+id+"/resolve", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "GET", "/v1/incidents?unresolved=true", nil)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	w = do(t, s, "POST", "/v1/incidents/"+idgen.WithPrefix("inc_")+"/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngestValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"signals": [`, http.StatusBadRequest},
		{"empty batch", map[string]any{"signals": []any{}}, http.StatusBadRequest},
		{"bad metadata", map[string]any{"signals": []map[string]any{
			{"type": "APP_OPENED", "metadata": "{not json"},
		}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, "POST", "/v1/signals", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	// Unknown types are stored with zero weight.
	w := do(t, s, "POST", "/v1/signals", map[string]any{"signals": []map[string]any{{"type": "BATTERY_LOW"}}})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, s, "GET", "/v1/incidents?limit=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, "GET", "/v1/incidents?unresolved=maybe", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, "POST", "/v1/incidents/not-an-id/resolve", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, "POST", "/v1/baselines/reset", map[string]any{}).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, "POST", "/v1/auth/success", map[string]any{"userId": "  "}).Code)
}

func TestBaselineEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/v1/baselines/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode(t, w)
	assert.Equal(t, float64(0), p["progress"])
	assert.Equal(t, false, p["complete"])

	w = do(t, s, "POST", "/v1/baselines/reset", map[string]any{"confirm": true})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthFailureCooldown(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "POST", "/v1/auth/failure", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode(t, w)
	assert.Equal(t, float64(1), res["attempts"])
	assert.Equal(t, float64(30000), res["cooldownRemainingMs"])
	assert.Equal(t, false, res["alertQueued"])

	// The clock is frozen, so the 30s cooldown is still running.
	w = do(t, s, "POST", "/v1/auth/failure", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))

	w = do(t, s, "POST", "/v1/auth/success", map[string]any{"userId": "user-1"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 1, s.Guard().LockState().FailedAttempts)
}

func TestAuthSuccessStartsSession(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "POST", "/v1/auth/success", map[string]any{"userId": "user-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	session := body["session"].(map[string]any)
	assert.Equal(t, "user-1", session["userId"])
	assert.Equal(t, true, session["authenticated"])
	assert.Equal(t, false, body["lock"].(map[string]any)["locked"])

	w = do(t, s, "GET", "/v1/session", nil)
	assert.Equal(t, "user-1", decode(t, w)["userId"])
}

func TestMiddleware(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, "GET", "/v1/lock", nil)
	generated := w.Header().Get("X-Request-ID")
	assert.True(t, strings.HasPrefix(generated, "req_"), generated)
	assert.Len(t, generated, len("req_")+32)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest("GET", "/v1/lock", nil)
	req.RemoteAddr = "10.0.0.7:40000"
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("GET", "/v1/lock", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("X-Request-ID", "req-1")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	req = httptest.NewRequest("GET", "/v1/lock", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("X-Request-ID", "bad id\twith spaces")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.True(t, strings.HasPrefix(w.Header().Get("X-Request-ID"), "req_"), "malformed IDs are replaced")
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Port = "0"
	s, err := New(context.Background(), cfg,
		WithLogger(logging.Discard()),
		WithStores(guard.MemoryStores()),
		WithDispatcher(&recordingDispatcher{}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.ready.Load() && s.timer.Runs() > 0 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
