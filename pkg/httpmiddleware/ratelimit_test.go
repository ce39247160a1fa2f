package httpmiddleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, remoteAddr string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRateLimit_Burst(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 5, Window: time.Minute})(okHandler())

	for i := range 5 {
		w := serve(handler, "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "request %d should pass", i+1)
		assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 2, Window: time.Minute})(okHandler())

	for range 2 {
		require.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:9999").Code)
	}

	w := serve(handler, "10.0.0.1:9999")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "rate_limited", body["code"])
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimit_Refill(t *testing.T) {
	l := newLimiter(RateLimitConfig{Max: 2, Window: 2 * time.Second})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.take("k").allowed)
	assert.True(t, l.take("k").allowed)
	d := l.take("k")
	require.False(t, d.allowed)
	assert.Equal(t, time.Second, d.retry)

	now = now.Add(time.Second)
	d = l.take("k")
	assert.True(t, d.allowed)
	assert.Equal(t, 0, d.remaining)

	// An idle bucket refills to capacity and is evicted.
	now = now.Add(time.Hour)
	l.evict()
	assert.Empty(t, l.buckets)
}

func TestRateLimit_DifferentIPs(t *testing.T) {
	handler := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())

	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.1:1234").Code)
	assert.Equal(t, http.StatusOK, serve(handler, "10.0.0.2:1234").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "10.0.0.1:5678").Code)
}

func TestRateLimit_CustomKeyFunc(t *testing.T) {
	handler := RateLimit(RateLimitConfig{
		Max:    1,
		Window: time.Minute,
		KeyFunc: func(r *http.Request) string {
			return r.Header.Get("Idempotency-Key")
		},
	})(okHandler())

	assert.Equal(t, http.StatusOK, serve(handler, "1.1.1.1:1", "Idempotency-Key", "key-a").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(handler, "2.2.2.2:1", "Idempotency-Key", "key-a").Code)
	assert.Equal(t, http.StatusOK, serve(handler, "1.1.1.1:1", "Idempotency-Key", "key-b").Code)
}

func TestRateLimit_XForwardedFor(t *testing.T) {
	xff := []string{"X-Forwarded-For", "203.0.113.50, 70.41.3.18"}

	trusted := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute, TrustForwardedFor: true})(okHandler())
	assert.Equal(t, http.StatusOK, serve(trusted, "192.168.1.1:4444", xff...).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(trusted, "192.168.1.2:5555", xff...).Code)

	// Untrusted: the header is ignored and RemoteAddr decides.
	untrusted := RateLimit(RateLimitConfig{Max: 1, Window: time.Minute})(okHandler())
	assert.Equal(t, http.StatusOK, serve(untrusted, "192.168.1.1:4444", xff...).Code)
	assert.Equal(t, http.StatusOK, serve(untrusted, "192.168.1.2:5555", xff...).Code)
}
