package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

const (
	// stateExpiry is how long an authorization flow may stay pending
	// between /oauth/start and the issuer's callback.
	stateExpiry = 10 * time.Minute

	// cleanupInterval is how often expired states are swept.
	cleanupInterval = time.Minute
)

// flowState is the server-side record of a pending authorization flow.
// The PKCE verifier never leaves the server; only the opaque state token
// travels through the browser.
type flowState struct {
	Verifier  string
	Redirect  string
	CreatedAt time.Time
}

// StateStore manages CSRF state tokens for pending authorization flows.
// States are single-use: a successful Consume removes the entry, so a
// replayed callback fails.
type StateStore struct {
	mu     sync.RWMutex
	states map[string]*flowState

	stopCleanup chan struct{}

	// now is injectable for tests.
	now func() time.Time
}

// NewStateStore creates a state store and starts its cleanup goroutine.
// Callers MUST call Stop() when done to prevent goroutine leaks.
func NewStateStore() *StateStore {
	ss := &StateStore{
		states:      make(map[string]*flowState),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
	}

	go ss.cleanupLoop()

	return ss
}

// Generate creates a new random state token and records the PKCE verifier
// and the optional post-auth redirect against it.
func (ss *StateStore) Generate(verifier, redirect string) (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(nonce)

	ss.mu.Lock()
	ss.states[state] = &flowState{
		Verifier:  verifier,
		Redirect:  redirect,
		CreatedAt: ss.now(),
	}
	ss.mu.Unlock()

	return state, nil
}

// Consume validates a state token and removes it. Unknown, expired, and
// already-consumed states all return ErrInvalidState.
func (ss *StateStore) Consume(state string) (*flowState, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	entry, ok := ss.states[state]
	if !ok {
		return nil, ErrInvalidState
	}

	// Single-use: remove regardless of the expiry outcome.
	delete(ss.states, state)

	if ss.now().Sub(entry.CreatedAt) > stateExpiry {
		return nil, ErrInvalidState
	}

	return entry, nil
}

// Count returns the number of pending flows.
func (ss *StateStore) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.states)
}

// Stop stops the background cleanup goroutine.
func (ss *StateStore) Stop() {
	close(ss.stopCleanup)
}

// cleanupLoop periodically removes expired states.
func (ss *StateStore) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ss.cleanup()
		case <-ss.stopCleanup:
			return
		}
	}
}

// cleanup removes all expired states.
func (ss *StateStore) cleanup() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	now := ss.now()
	count := 0
	for state, entry := range ss.states {
		if now.Sub(entry.CreatedAt) > stateExpiry {
			delete(ss.states, state)
			count++
		}
	}

	if count > 0 {
		logging.Debug("OAuth", "Cleaned up %d expired authorization states", count)
	}
}
