package upstream

import (
	"errors"
	"sync"
	"time"
)

// refreshBuffer is how long before actual expiry a token pair is reported as
// needing refresh. Refreshing early avoids races where a token expires while
// a request carrying it is in flight.
const refreshBuffer = 60 * time.Second

// TokenStore holds the access/refresh token pair for a single upstream
// session. It is owned by exactly one Session; the mutex only guards against
// a refresh racing concurrent API calls on the same session.
type TokenStore struct {
	mu        sync.RWMutex
	access    string
	refresh   string
	expiresAt time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{now: time.Now}
}

// Set replaces both tokens and recomputes the expiry deadline from ttl.
func (s *TokenStore) Set(access, refresh string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = access
	s.refresh = refresh
	s.expiresAt = s.now().Add(ttl)
}

// UpdateAccess replaces only the access token, keeping the current refresh
// token. Returns an error if the store was never seeded.
func (s *TokenStore) UpdateAccess(access string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.access == "" && s.refresh == "" {
		return errors.New("token store is empty")
	}

	s.access = access
	s.expiresAt = s.now().Add(ttl)
	return nil
}

// NeedsRefresh reports whether the access token is missing or inside the
// refresh buffer before its expiry deadline.
func (s *TokenStore) NeedsRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.access == "" {
		return true
	}
	return !s.now().Before(s.expiresAt.Add(-refreshBuffer))
}

// AccessToken returns the current access token and whether one is present.
func (s *TokenStore) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access, s.access != ""
}

// RefreshToken returns the current refresh token and whether one is present.
func (s *TokenStore) RefreshToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refresh, s.refresh != ""
}

// Clear drops both tokens.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = ""
	s.refresh = ""
	s.expiresAt = time.Time{}
}
