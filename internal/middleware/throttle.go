package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/DukeRupert/gatekeeper/internal/domain"
	"github.com/DukeRupert/gatekeeper/internal/ratelimit"
)

// Throttle limits requests per client IP using a ratelimit.Limiter. Like the
// limiter itself it fails open when the window store is unavailable.
type Throttle struct {
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// NewThrottle creates a Throttle.
func NewThrottle(limiter *ratelimit.Limiter, logger *slog.Logger) *Throttle {
	return &Throttle{limiter: limiter, logger: logger}
}

// ThrottleKey is the limiter identifier used for a client IP.
func ThrottleKey(ip string) string {
	return "ip:" + ip
}

// Limit returns middleware that rejects requests over the limit with 429.
func (t *Throttle) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := ClientIP(r)

		d := t.limiter.Check(r.Context(), ThrottleKey(clientIP))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		t.logger.Warn("request throttled",
			"ip", clientIP,
			"path", r.URL.Path,
			"method", r.Method,
		)

		retryAfter := int(d.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, domain.ERATELIMITED, "Too many requests. Please try again later.")
	})
}
