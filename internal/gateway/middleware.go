package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/session"
)

type ctxKey int

const sessionCtxKey ctxKey = 1

// requireSession resolves the request's cookie against the session store,
// touches its idle TTL, and stashes the resolved session on the context. A
// missing cookie or unknown/expired session is a 401, never a redirect:
// this is an API, not a browser-navigable app.
func (g *Gateway) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := session.CookieValue(r)
		if !ok {
			writeErr(w, apperr.BadCredentialsf("no session cookie presented"))
			return
		}
		sess, err := g.sessions.Get(sessionID)
		if err != nil {
			writeErr(w, apperr.BadCredentialsf("session not found or expired"))
			return
		}
		_ = g.sessions.Touch(sessionID)

		ctx := context.WithValue(r.Context(), sessionCtxKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(r *http.Request) domain.Session {
	sess, _ := r.Context().Value(sessionCtxKey).(domain.Session)
	return sess
}

// sessionLimiter is the gateway's own coarse per-session rate limit
// (default 100 req / 15 min), distinct from the GitLab-facing
// ratelimit.Limiter token bucket the bulk engine and migration worker share.
// golang.org/x/time/rate is the idiomatic fit here: one limiter per session
// key, lazily created, rather than a shared bucket across every caller.
type sessionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	requests int
	window   time.Duration
}

func newSessionLimiter(requests int, window time.Duration) *sessionLimiter {
	if requests <= 0 {
		requests = 100
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &sessionLimiter{limiters: make(map[string]*rate.Limiter), requests: requests, window: window}
}

func (s *sessionLimiter) allow(sessionID string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[sessionID]
	if !ok {
		// A burst equal to the full quota lets a session spend its window's
		// allowance immediately, then refills continuously over window.
		perSecond := rate.Limit(float64(s.requests) / s.window.Seconds())
		lim = rate.NewLimiter(perSecond, s.requests)
		s.limiters[sessionID] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func (g *Gateway) rateLimitSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFromContext(r)
		if !g.gwLimiter.allow(sess.ID) {
			writeErr(w, apperr.RateLimitedf("too many requests for this session"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
