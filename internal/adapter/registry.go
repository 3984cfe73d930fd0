package adapter

import (
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oncall/internal/upstream"
	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

// Protocol identifies which MCP transport a channel is bound to. A session
// ID belongs to exactly one protocol for its whole lifetime.
type Protocol string

const (
	// ProtocolSSE is the legacy two-endpoint transport (GET /sse + POST /message).
	ProtocolSSE Protocol = "sse"

	// ProtocolStreamable is the single-endpoint streamable HTTP transport (/mcp).
	ProtocolStreamable Protocol = "streamable"
)

// Session ID validation constants.
const (
	// MaxSessionIDLength is the maximum allowed length for session IDs.
	// This prevents memory exhaustion attacks using extremely long session IDs.
	MaxSessionIDLength = 256

	// DefaultMaxChannels is the default maximum number of concurrent channels.
	// This provides DoS protection by limiting channel creation.
	DefaultMaxChannels = 10000
)

// Channel binds an MCP session ID to its transport protocol and its
// authenticated upstream session.
type Channel struct {
	SessionID string
	Protocol  Protocol
	Session   *upstream.Session
	CreatedAt time.Time

	mu           sync.RWMutex
	lastActivity time.Time
}

// UpdateActivity refreshes the channel's idle timer.
func (c *Channel) UpdateActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// LastActivity returns when the channel was last used.
func (c *Channel) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// ChannelRegistry tracks the live MCP connections and their upstream
// sessions. It is the single source of truth for which protocol a session
// ID belongs to.
//
// Key responsibilities:
//   - Channel lifecycle (registration, release, idle cleanup)
//   - Protocol exclusivity per session ID
//   - Closing the bound upstream session when a channel goes away
//   - DoS protection via channel limits and session ID validation
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	idleTimeout time.Duration
	maxChannels int
	stopCleanup chan struct{}
}

// NewChannelRegistry creates a registry with default limits.
//
// The registry starts a background goroutine for periodic cleanup of idle
// channels. Callers MUST call Stop() when done to prevent goroutine leaks.
func NewChannelRegistry(idleTimeout time.Duration) *ChannelRegistry {
	return NewChannelRegistryWithLimits(idleTimeout, DefaultMaxChannels)
}

// NewChannelRegistryWithLimits creates a registry with custom limits.
func NewChannelRegistryWithLimits(idleTimeout time.Duration, maxChannels int) *ChannelRegistry {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	if maxChannels < 0 {
		maxChannels = DefaultMaxChannels
	}

	cr := &ChannelRegistry{
		channels:    make(map[string]*Channel),
		idleTimeout: idleTimeout,
		maxChannels: maxChannels,
		stopCleanup: make(chan struct{}),
	}

	go cr.cleanupLoop()

	return cr
}

// ValidateSessionID checks if a session ID is valid.
//
// A valid session ID must be non-empty and not longer than
// MaxSessionIDLength bytes.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return &InvalidSessionIDError{Reason: "session ID cannot be empty"}
	}
	if len(sessionID) > MaxSessionIDLength {
		return &InvalidSessionIDError{Reason: fmt.Sprintf("session ID exceeds maximum length of %d", MaxSessionIDLength)}
	}
	return nil
}

// Register binds a session ID to a protocol and upstream session.
//
// Re-registering the same ID on the same protocol replaces the binding
// (the previous upstream session is closed). Registering an ID that is
// bound to the other protocol fails with WrongProtocolError: protocols
// are exclusive per session ID.
func (cr *ChannelRegistry) Register(sessionID string, protocol Protocol, session *upstream.Session) error {
	if err := ValidateSessionID(sessionID); err != nil {
		logging.Warn("Registry", "Rejected invalid session ID: %v", err)
		return err
	}

	cr.mu.Lock()
	defer cr.mu.Unlock()

	existing, exists := cr.channels[sessionID]
	if exists {
		if existing.Protocol != protocol {
			logging.Warn("Registry", "Session %s bound to %s, rejected %s registration",
				logging.TruncateSessionID(sessionID), existing.Protocol, protocol)
			return &WrongProtocolError{
				SessionID: sessionID,
				Bound:     existing.Protocol,
				Attempted: protocol,
			}
		}
		// Same protocol: idempotent replace.
		if existing.Session != nil && existing.Session != session {
			existing.Session.Close()
		}
	} else if cr.maxChannels > 0 && len(cr.channels) >= cr.maxChannels {
		logging.Warn("Registry", "Channel limit reached (%d), rejecting session %s",
			cr.maxChannels, logging.TruncateSessionID(sessionID))
		return &ChannelLimitExceededError{Limit: cr.maxChannels, Current: len(cr.channels)}
	}

	now := time.Now()
	cr.channels[sessionID] = &Channel{
		SessionID:    sessionID,
		Protocol:     protocol,
		Session:      session,
		CreatedAt:    now,
		lastActivity: now,
	}

	logging.Debug("Registry", "Registered %s channel %s (total: %d)",
		protocol, logging.TruncateSessionID(sessionID), len(cr.channels))
	return nil
}

// Get returns the channel for a session ID and refreshes its idle timer.
func (cr *ChannelRegistry) Get(sessionID string) (*Channel, bool) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, false
	}

	cr.mu.RLock()
	channel, exists := cr.channels[sessionID]
	cr.mu.RUnlock()

	if exists {
		channel.UpdateActivity()
	}
	return channel, exists
}

// Release removes a channel and closes its upstream session.
func (cr *ChannelRegistry) Release(sessionID string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	channel, exists := cr.channels[sessionID]
	if !exists {
		return
	}

	if channel.Session != nil {
		channel.Session.Close()
	}

	delete(cr.channels, sessionID)
	logging.Debug("Registry", "Released channel %s", logging.TruncateSessionID(sessionID))
}

// Count returns the number of live channels.
func (cr *ChannelRegistry) Count() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.channels)
}

// Stop stops the registry and releases all channels.
func (cr *ChannelRegistry) Stop() {
	close(cr.stopCleanup)

	cr.mu.Lock()
	defer cr.mu.Unlock()

	for _, channel := range cr.channels {
		if channel.Session != nil {
			channel.Session.Close()
		}
	}
	cr.channels = make(map[string]*Channel)

	logging.Debug("Registry", "Channel registry stopped")
}

// minCleanupInterval is the minimum interval between cleanup runs.
const minCleanupInterval = time.Second

// cleanupLoop periodically removes idle channels.
func (cr *ChannelRegistry) cleanupLoop() {
	cleanupInterval := cr.idleTimeout / 2
	if cleanupInterval < minCleanupInterval {
		cleanupInterval = minCleanupInterval
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cr.cleanup()
		case <-cr.stopCleanup:
			return
		}
	}
}

// cleanup removes all idle channels.
func (cr *ChannelRegistry) cleanup() {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	now := time.Now()
	count := 0

	for sessionID, channel := range cr.channels {
		if now.Sub(channel.LastActivity()) > cr.idleTimeout {
			if channel.Session != nil {
				channel.Session.Close()
			}
			delete(cr.channels, sessionID)
			count++
		}
	}

	if count > 0 {
		logging.Debug("Registry", "Cleaned up %d idle channels", count)
	}
}

// WrongProtocolError is returned when a session ID is reused on a different
// transport protocol than it was created on.
type WrongProtocolError struct {
	SessionID string
	Bound     Protocol
	Attempted Protocol
}

func (e *WrongProtocolError) Error() string {
	return fmt.Sprintf("session %s is bound to the %s transport, cannot use %s",
		logging.TruncateSessionID(e.SessionID), e.Bound, e.Attempted)
}

// InvalidSessionIDError is returned when a session ID fails validation.
type InvalidSessionIDError struct {
	Reason string
}

func (e *InvalidSessionIDError) Error() string {
	return "invalid session ID: " + e.Reason
}

// ChannelLimitExceededError is returned when the maximum channel limit is
// reached.
type ChannelLimitExceededError struct {
	Limit   int
	Current int
}

func (e *ChannelLimitExceededError) Error() string {
	return fmt.Sprintf("channel limit exceeded: %d/%d channels", e.Current, e.Limit)
}
