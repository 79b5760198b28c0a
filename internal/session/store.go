// Package session is the process-wide Session Store: an in-memory mapping
// from opaque session id to {upstream base URL, bearer token, cached user
// profile}, with idle-TTL reaping. The TTL-map-plus-sweeper-goroutine idiom
// is generalized from expiring cached API responses to expiring sessions.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/gitlabapi"
	"github.com/vilaca/gitlabfleet/internal/gitlabhttp"
	"github.com/vilaca/gitlabfleet/internal/ratelimit"
)

// UserClient is the minimal upstream surface the store needs to validate a
// token at creation time; satisfied by *gitlabapi.Client.
type UserClient interface {
	CurrentUser(ctx context.Context) (domain.UserProfile, error)
}

// ClientFactory builds the upstream client for one session's base URL and
// token, so the store never has to import gitlabhttp's http.Client details
// beyond what's needed to validate a token.
type ClientFactory func(baseURL, token string) UserClient

// Store is the process-wide singleton session table, guarded by a
// reader-writer lock.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.Session
	idleTTL     time.Duration
	sweepEvery  time.Duration
	newClient   ClientFactory
	stopSweeper chan struct{}
	sweeperOnce sync.Once
}

// DefaultClientFactory builds a real gitlabapi.Client sharing the given rate limiter.
func DefaultClientFactory(limiter *ratelimit.Limiter, httpCfg gitlabhttp.Config) ClientFactory {
	return func(baseURL, token string) UserClient {
		return gitlabapi.New(gitlabhttp.New(baseURL, token, limiter, httpCfg))
	}
}

// New constructs a Store and starts its idle-TTL sweeper goroutine.
func New(idleTTL, sweepEvery time.Duration, factory ClientFactory) *Store {
	if idleTTL <= 0 {
		idleTTL = domain.DefaultIdleTTL
	}
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Minute
	}
	s := &Store{
		sessions:    make(map[string]*domain.Session),
		idleTTL:     idleTTL,
		sweepEvery:  sweepEvery,
		newClient:   factory,
		stopSweeper: make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Create validates token against baseURL's /user endpoint and, on success,
// allocates a new session. A 401, 403 or 404 from upstream fails with
// ErrBadCredentials; other failures (rate limiting, an unavailable upstream,
// a timeout, any other 4xx) are returned with their own kind.
func (s *Store) Create(ctx context.Context, baseURL, token string) (domain.Session, error) {
	client := s.newClient(baseURL, token)
	profile, err := client.CurrentUser(ctx)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) || apperr.Is(err, apperr.KindForbidden) {
			return domain.Session{}, apperr.BadCredentialsf("token rejected by upstream: %v", err)
		}
		return domain.Session{}, err
	}

	now := time.Now()
	sess := &domain.Session{
		ID:        uuid.NewString(),
		BaseURL:   baseURL,
		Token:     token,
		User:      profile,
		CreatedAt: now,
		LastSeen:  now,
		IdleTTL:   s.idleTTL,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return *sess, nil
}

// Get returns a copy of the session (never its token pointer reused outside
// the store) or ErrNotFound. Callers needing to make an upstream call should
// use WithToken instead of reading Token directly.
func (s *Store) Get(sessionID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, apperr.NotFoundf("session %s not found", sessionID)
	}
	cp := *sess
	cp.Token = ""
	return cp, nil
}

// Touch refreshes LastSeen, resetting the idle TTL clock.
func (s *Store) Touch(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return apperr.NotFoundf("session %s not found", sessionID)
	}
	sess.LastSeen = time.Now()
	return nil
}

// Revoke removes a session immediately; later WithToken calls for it fail
// with ErrBadCredentials. Clients already built from the session's token,
// including those handed to running jobs, keep the token and are not affected.
func (s *Store) Revoke(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// WithToken calls fn with the session's base URL and token without
// returning the token to the caller. fn may keep what it is given: a client
// built inside fn holds the token for as long as that client is used.
func (s *Store) WithToken(sessionID string, fn func(baseURL, token string) error) error {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return apperr.BadCredentialsf("session %s not found", sessionID)
	}
	return fn(sess.BaseURL, sess.Token)
}

// Stats reports counts for the internal health endpoint.
type Stats struct {
	Total int
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Total: len(s.sessions)}
}

// Close stops the sweeper goroutine. Safe to call once at shutdown.
func (s *Store) Close() {
	s.sweeperOnce.Do(func() { close(s.stopSweeper) })
}

func (s *Store) sweep() {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, sess := range s.sessions {
				if sess.Expired(now) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		case <-s.stopSweeper:
			return
		}
	}
}

// cookieName is the session cookie the gateway sets and reads.
const cookieName = "fleet_session"

// SetCookie writes the session cookie with Secure, HttpOnly, and
// SameSite=Strict attributes.
func SetCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCookie expires the session cookie on logout.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// CookieValue extracts the session id from the request's cookie, if present.
func CookieValue(r *http.Request) (string, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return "", false
	}
	return c.Value, true
}
