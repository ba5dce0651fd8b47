package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/ratelimit"
)

// SubmitLimiter throttles expensive endpoints per client address.
type SubmitLimiter struct {
	limiter ratelimit.RateLimiter
	window  time.Duration
}

// NewSubmitLimiter allows perMinute requests per client per minute with a
// burst of the same size. perMinute <= 0 disables limiting.
func NewSubmitLimiter(perMinute int) *SubmitLimiter {
	if perMinute <= 0 {
		return &SubmitLimiter{}
	}
	return &SubmitLimiter{
		limiter: ratelimit.New(&ratelimit.Config{
			Rate:     perMinute,
			Burst:    perMinute,
			Interval: time.Minute,
		}),
		window: time.Minute,
	}
}

// Wrap applies the limit to next.
func (l *SubmitLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	if l.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := ClientIP(r)
		if !l.limiter.Allow(r.Context(), key) {
			slog.Warn("rate limit exceeded",
				"ip", key,
				"path", r.URL.Path,
				"request_id", GetRequestID(r.Context()),
			)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"too many submissions, please try again later"}}`))
			return
		}
		next(w, r)
	}
}

// Close stops the limiter's background cleanup.
func (l *SubmitLimiter) Close() error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Close()
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address without its port.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
