package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/deckforge/internal/accounts"
	"github.com/rcourtman/deckforge/internal/logging"
	"github.com/rcourtman/deckforge/internal/metrics"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrorHandler assigns request ids, recovers panics and records request metrics.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctxWithID, requestID := logging.WithRequestID(r.Context(), incomingID)
		r = r.WithContext(ctxWithID)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		route := normalizeRoute(r.URL.Path)

		defer func() {
			metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.ObserveSince(metrics.HTTPRequestDuration.WithLabelValues(route), start)
		}()

		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Interface("error", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in API handler")

				writeErrorResponse(rw, http.StatusInternalServerError, "internal_error",
					"An unexpected error occurred", nil)
			}
		}()

		next.ServeHTTP(rw, r)

		if rw.statusCode >= 500 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", rw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

// normalizeRoute keeps metric label cardinality bounded.
func normalizeRoute(path string) string {
	switch {
	case strings.HasPrefix(path, "/download/"):
		return "/download/{id}"
	case path == "/generate", path == "/entitlement", path == "/plans", path == "/artifacts",
		path == "/signup", path == "/login", path == "/reset-password", path == "/account/close",
		path == "/healthz", path == "/readyz", path == "/metrics", path == "/webhooks/stripe":
		return path
	default:
		return "other"
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

type contextKey string

const userIDKey contextKey = "user_id"

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(raw string) (string, error)
}

// AccountChecker reports whether a token's account may still act.
type AccountChecker interface {
	Active(ctx context.Context, userID string) error
}

// RequireAuth rejects requests without a valid bearer token, and tokens whose
// account has since been closed. A nil checker skips the second check.
func RequireAuth(tokens TokenVerifier, checker AccountChecker, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
			return
		}
		userID, err := tokens.Verify(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token", nil)
			return
		}
		if checker != nil {
			if err := checker.Active(r.Context(), userID); err != nil {
				if errors.Is(err, accounts.ErrClosed) || errors.Is(err, accounts.ErrNotFound) {
					writeErrorResponse(w, http.StatusUnauthorized, "account_closed", "This account is no longer active", nil)
					return
				}
				writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Could not verify account", nil)
				return
			}
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next(w, r.WithContext(logging.WithUserID(ctx, userID)))
	}
}

// RateLimiter is a per-client token bucket limiter.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	trusted  []netip.Prefix
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per client per minute, with bursts
// up to perMinute. X-Forwarded-For is only believed from trustedProxies.
func NewRateLimiter(perMinute int, trustedProxies ...netip.Prefix) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
		trusted:  trustedProxies,
	}
}

// Allow reports whether key may make another request now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cl, ok := rl.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = cl
	}
	cl.lastSeen = now
	rl.sweep(now)
	return cl.limiter.AllowN(now, 1)
}

// sweep drops limiters idle past idleTTL. Caller holds mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.idleTTL {
			delete(rl.limiters, key)
		}
	}
}

// Middleware limits by authenticated user when present, otherwise by client IP.
func (rl *RateLimiter) Middleware(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := UserIDFromContext(r.Context())
		if key == "" {
			key = "ip:" + clientIP(r, rl.trusted)
		}
		if !rl.Allow(key) {
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()
			w.Header().Set("Retry-After", "60")
			writeErrorResponse(w, http.StatusTooManyRequests, "rate_limited", "Too many requests, please slow down", nil)
			return
		}
		next(w, r)
	}
}

// clientIP is the peer address unless the peer is a trusted proxy, in which
// case it is the nearest X-Forwarded-For hop that is not itself trusted.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !isTrusted(hop, trusted) {
			return hop
		}
		host = hop
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
