package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"
)

// RejectFunc writes the response for a request over its limit.
type RejectFunc func(w http.ResponseWriter, r *http.Request, d Decision)

// ClientIP keys limits on the remote address. Run chi's RealIP first when
// the service sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces limit requests per window per key under scope. A
// non-positive limit disables it.
func Middleware(l Limiter, scope string, limit int, key func(*http.Request) string, reject RejectFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		if l == nil || limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(r.Context(), scope+":"+key(r), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter(time.Now()).Seconds())))
				if reject != nil {
					reject(w, r, d)
					return
				}
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
