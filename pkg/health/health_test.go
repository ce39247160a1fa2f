package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func passing(context.Context) error { return nil }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func call(t *testing.T, endpoint http.HandlerFunc) (int, statusBody) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body statusBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func runN(p *monitor, n int) {
	for range n {
		p.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]CheckFunc
		runs   int
		status int
		failed []string
	}{
		{name: "no checks", status: http.StatusOK},
		{name: "all passing", checks: map[string]CheckFunc{"a": passing, "b": passing}, runs: 3, status: http.StatusOK},
		{name: "below threshold", checks: map[string]CheckFunc{"flaky": failing("temporary")}, runs: FailureThreshold - 1, status: http.StatusOK},
		{name: "failing", checks: map[string]CheckFunc{"db": failing("connection refused"), "gc": passing}, runs: FailureThreshold, status: http.StatusServiceUnavailable, failed: []string{"db"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			for name, check := range tt.checks {
				h.AddLivenessCheck(name, time.Second, check)
			}
			for _, p := range h.liveness {
				runN(p, tt.runs)
			}

			code, body := call(t, h.LiveEndpoint)
			assert.Equal(t, tt.status, code)
			if len(tt.failed) == 0 {
				assert.Equal(t, "ok", body.Status)
				assert.Empty(t, body.Checks)
				return
			}
			assert.Equal(t, "unhealthy", body.Status)
			for _, name := range tt.failed {
				assert.Contains(t, body.Checks, name)
			}
			assert.Len(t, body.Checks, len(tt.failed))
		})
	}
}

func TestLiveEndpoint_ReportsLastError(t *testing.T) {
	h := New()
	h.AddLivenessCheck("db", time.Second, failing("connection refused"))
	runN(h.liveness[0], FailureThreshold)

	_, body := call(t, h.LiveEndpoint)
	assert.Equal(t, "connection refused", body.Checks["db"])
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing)
	h.AddReadinessCheck("redis", time.Second, failing("dial tcp: refused"))

	code, body := call(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"_readiness": "service is not ready"}, body.Checks)

	h.SetReady(true)
	code, _ = call(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	runN(h.readiness[1], FailureThreshold)
	code, body = call(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body.Checks, "redis")
	assert.NotContains(t, body.Checks, "postgres")
	assert.False(t, h.IsReady())

	h.SetReady(false)
	_, body = call(t, h.ReadyEndpoint)
	assert.Len(t, body.Checks, 2)
}

func TestMonitor_Thresholds(t *testing.T) {
	down := true
	h := New()
	h.AddLivenessCheck("flaky", time.Second, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	}, WithThresholds(2, 2))
	p := h.liveness[0]

	runN(p, 1)
	assert.True(t, p.healthy.Load())
	runN(p, 1)
	assert.False(t, p.healthy.Load())
	msg, failed := p.failure()
	assert.True(t, failed)
	assert.Equal(t, "down", msg)

	down = false
	runN(p, 1)
	assert.False(t, p.healthy.Load())
	runN(p, 1)
	assert.True(t, p.healthy.Load())
	assert.Nil(t, p.lastErr.Load())
}

func TestMonitor_Timeout(t *testing.T) {
	h := New()
	h.AddReadinessCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithThresholds(1, 1))
	runN(h.readiness[0], 1)

	msg, failed := h.readiness[0].failure()
	assert.True(t, failed)
	assert.Contains(t, msg, "deadline exceeded")
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestPingCheck(t *testing.T) {
	ok := PingCheck("postgres", pingerFunc(passing))
	require.NoError(t, ok(context.Background()))

	bad := PingCheck("postgres", pingerFunc(failing("refused")))
	assert.EqualError(t, bad(context.Background()), "ping postgres: refused")
}

func TestStartAndStop(t *testing.T) {
	h := New()
	h.AddLivenessCheck("live", time.Second, failing("err"), WithThresholds(1, 1))
	h.AddReadinessCheck("ready", time.Second, passing)
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		h.LiveEndpoint(w, httptest.NewRequest(http.MethodGet, "/livez", nil))
		return w.Code == http.StatusServiceUnavailable
	}, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()

	h.Stop()
	h.Stop()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))

	err := GoroutineCountCheck(0)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestGCMaxPauseCheck(t *testing.T) {
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}
