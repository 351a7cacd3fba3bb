package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// limiting for that request.
type KeyFunc func(r *http.Request) string

// Middleware charges one token per request against keyFunc's key. Denied
// requests get a Retry-After header and are passed to deny, which writes
// the error body. Limiter errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, logger *slog.Logger, deny http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ok, err := limiter.Allow(r.Context(), key, 1)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				ok = true
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(1))
				deny(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
