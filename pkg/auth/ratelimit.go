package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out one token-bucket limiter per actor. Buckets idle past
// the sweep age are dropped so the map stays bounded.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	actors  map[string]*actorBucket
	lastGC  time.Time
	maxIdle time.Duration
	clock   func() time.Time
}

type actorBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a per-actor limiter allowing rps sustained requests
// with the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		actors:  make(map[string]*actorBucket),
		maxIdle: 10 * time.Minute,
		clock:   time.Now,
	}
}

// Allow reports whether the actor may proceed now.
func (l *Limiter) Allow(actorID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if now.Sub(l.lastGC) > l.maxIdle {
		for id, b := range l.actors {
			if now.Sub(b.lastSeen) > l.maxIdle {
				delete(l.actors, id)
			}
		}
		l.lastGC = now
	}

	b, ok := l.actors[actorID]
	if !ok {
		b = &actorBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.actors[actorID] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// RateLimitMiddleware enforces per-actor limits at the HTTP layer. The
// actor is the authenticated principal, falling back to the remote address.
// A nil limiter fails open.
func RateLimitMiddleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = fmt.Sprintf("%s/%s", principal.GetTenantID(), principal.GetID())
			}

			if !l.Allow(actorID) {
				retryAfter := 1
				if l.rps > 0 && l.rps < 1 {
					retryAfter = int(1 / float64(l.rps))
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "per-actor rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
