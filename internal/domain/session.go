package domain

import "time"

// DefaultIdleTTL is how long a session may go untouched before the sweeper reaps it.
const DefaultIdleTTL = 30 * time.Minute

// UserProfile is the cached upstream identity fetched once at session creation.
type UserProfile struct {
	ID        string
	Username  string
	Name      string
	AvatarURL string
	WebURL    string
}

// Session pairs an opaque id with an upstream GitLab instance and a bearer
// token. The token never leaves process memory and is never logged or
// serialized; callers reach it only through the session store's withToken.
//
// Invariant: Token is immutable for the session's lifetime. A caller wanting
// a new token must create a new session; there is no in-place rotation.
type Session struct {
	ID        string
	BaseURL   string
	Token     string
	User      UserProfile
	CreatedAt time.Time
	LastSeen  time.Time
	IdleTTL   time.Duration
}

// Expired reports whether the session has gone untouched longer than its idle TTL.
func (s Session) Expired(now time.Time) bool {
	ttl := s.IdleTTL
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return now.Sub(s.LastSeen) > ttl
}
