package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the token bucket rate limiter.
type RateLimitConfig struct {
	// Max is the bucket capacity: the burst a client may send at once.
	Max int
	// Window is the time it takes an empty bucket to refill completely.
	Window time.Duration
	// KeyFunc selects the bucket of a request. Defaults to the client IP
	// taken from RemoteAddr, or from X-Forwarded-For when TrustForwardedFor
	// is set.
	KeyFunc func(*http.Request) string
	// TrustForwardedFor makes the default KeyFunc honor X-Forwarded-For.
	// Enable only behind a proxy that overwrites the header.
	TrustForwardedFor bool
}

type bucket struct {
	tokens float64
	last   time.Time
}

type limiter struct {
	max     float64
	perSec  float64
	window  time.Duration
	keyFunc func(*http.Request) string
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	l := &limiter{
		max:     float64(cfg.Max),
		perSec:  float64(cfg.Max) / cfg.Window.Seconds(),
		window:  cfg.Window,
		keyFunc: cfg.KeyFunc,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	if l.keyFunc == nil {
		trust := cfg.TrustForwardedFor
		l.keyFunc = func(r *http.Request) string { return clientIP(r, trust) }
	}
	return l
}

type decision struct {
	allowed   bool
	remaining int
	// full is when the bucket will be full again.
	full time.Time
	// retry is how long until one token is available; zero when allowed.
	retry time.Duration
}

func (l *limiter) take(key string) decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.max, last: now}
		l.buckets[key] = b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.max, b.tokens+elapsed*l.perSec)
		b.last = now
	}

	d := decision{}
	if b.tokens >= 1 {
		b.tokens--
		d.allowed = true
	} else {
		d.retry = time.Duration((1 - b.tokens) / l.perSec * float64(time.Second))
	}
	d.remaining = int(b.tokens)
	d.full = now.Add(time.Duration((l.max - b.tokens) / l.perSec * float64(time.Second)))
	return d
}

// evict drops buckets that have refilled completely; they are
// indistinguishable from new ones.
func (l *limiter) evict() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.last) >= l.window {
			delete(l.buckets, key)
		}
	}
}

// RateLimit returns a per-client token bucket limiter. Rejected requests
// get 429 with a Retry-After header; every response carries the
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware()
}

// RateLimitWithCleanup is RateLimit plus a goroutine that evicts idle
// buckets every window until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		ticker := time.NewTicker(l.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evict()
			}
		}
	}()
	return l.middleware()
}

func (l *limiter) middleware() Middleware {
	limit := strconv.Itoa(int(l.max))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.take(l.keyFunc(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.full.Unix(), 10))
			if !d.allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.retry.Seconds()))))
				writeFault(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
