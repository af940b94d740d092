// ABOUTME: Bearer-token auth, CORS origin allowlisting, and IP-based rate limiting for the API Adapter.
// ABOUTME: Grounded on the teacher's func(http.Handler) http.Handler chaining idiom; drops its JWT/multi-principal machinery for one static key.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fleetctl/fleetctl-gateway/internal/apperr"
)

// Middleware holds the dependencies every auth-related http.Handler wrapper
// needs: the shared API key, the CORS allowlist, and the rate limiter.
type Middleware struct {
	apiKey          []byte
	allowedOrigins  []string
	limiter         *RateLimiter
	logger          *slog.Logger
}

// New constructs the auth Middleware.
func New(apiKey string, allowedOrigins []string, limiter *RateLimiter, logger *slog.Logger) *Middleware {
	return &Middleware{
		apiKey:         []byte(apiKey),
		allowedOrigins: allowedOrigins,
		limiter:        limiter,
		logger:         logger.With("component", "auth"),
	}
}

// RequireBearer rejects requests whose Authorization header does not carry
// the configured API key, compared in constant time.
func (m *Middleware) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), m.apiKey) != 1 {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + string(apperr.Unauthorized) + `","details":{}}`))
}

// CORS allows only the configured origins, or all origins when the
// allowlist is empty (local/dev default).
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && m.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) originAllowed(origin string) bool {
	if len(m.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range m.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// RateLimit enforces the configured per-IP fixed-window cap on write
// methods only; GETs (including the SSE stream) are never throttled. Each
// IP's count resets once the window that began with its first counted
// request has elapsed; the window does not slide.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := clientIP(r)
		allowed, retryAfter := m.limiter.Allow(key)
		if !allowed {
			w.Header().Set("Retry-After", retryAfter.String())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"` + string(apperr.RateLimited) + `","details":{}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

// RateLimiter is a fixed-window per-key request counter.
type RateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	counts map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter constructs a RateLimiter allowing max requests per window
// per key.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{window: window, max: max, counts: make(map[string]*bucket)}
}

// Allow reports whether the call for key is permitted under the current
// window, and if not, how long until the window resets.
func (l *RateLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.counts[key]
	if !ok || now.Sub(b.windowStart) > l.window {
		b = &bucket{windowStart: now}
		l.counts[key] = b
	}

	if b.count >= l.max {
		return false, l.window - now.Sub(b.windowStart)
	}
	b.count++
	return true, 0
}
