package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hubbridge/internal/fault"
)

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

// RateLimit throttles write requests per authenticated subject.
// limit is requests per second; limit<=0 disables throttling.
func RateLimit(limit float64, burst int, resp Responder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limiters := sync.Map{} // subject -> *cachedLimiter

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := SessionFromContext(r.Context())
			if !ok {
				resp.WriteFault(w, r, fault.New(fault.Unauthenticated, "no session"))
				return
			}

			if limit > 0 {
				limiter := getOrCreateLimiter(&limiters, sess.Subject, limit, burst, 5*time.Minute)
				if !limiter.Allow() {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func getOrCreateLimiter(limiters *sync.Map, subject string, limit float64, burst int, ttl time.Duration) *rate.Limiter {
	if v, ok := limiters.Load(subject); ok {
		cached := v.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	limiters.Store(subject, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(ttl),
	})
	return limiter
}
