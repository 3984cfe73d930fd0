package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-oncall/internal/auth"
	"github.com/giantswarm/mcp-oncall/internal/oauth"
	"github.com/giantswarm/mcp-oncall/internal/tools"
	"github.com/giantswarm/mcp-oncall/internal/upstream"
	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

const (
	// shutdownTimeout is how long Stop waits for in-flight requests.
	shutdownTimeout = 5 * time.Second

	// keepAliveInterval for SSE ping events.
	keepAliveInterval = 30 * time.Second

	// readHeaderTimeout bounds how long a client may take to send headers.
	readHeaderTimeout = 10 * time.Second

	// defaultIdleTimeout is how long an MCP channel may sit unused before
	// its upstream session is released.
	defaultIdleTimeout = 30 * time.Minute
)

// Config holds everything the adapter server needs to run.
type Config struct {
	// Name and Version are reported to MCP clients during initialization.
	Name    string
	Version string

	// Host and Port form the listen address.
	Host string
	Port int

	// ServerURL is the externally visible base URL, used in OAuth
	// protected-resource metadata and WWW-Authenticate challenges.
	ServerURL string

	// IdleTimeout for MCP channels. Zero means defaultIdleTimeout.
	IdleTimeout time.Duration

	// MaxChannels caps concurrent MCP channels. Zero means the registry
	// default.
	MaxChannels int
}

// Server multiplexes both MCP transports over a single HTTP listener and
// bridges every connection to its own authenticated upstream session.
type Server struct {
	cfg      Config
	resolver *auth.Resolver
	bridge   *oauth.Bridge
	registry *ChannelRegistry

	mcpServer        *server.MCPServer
	sseServer        *server.SSEServer
	streamableServer *server.StreamableHTTPServer

	mu             sync.Mutex
	httpServer     *http.Server
	stdioSessionID string
}

// New creates the adapter server. The bridge may be nil when no OAuth issuer
// is configured; token credentials and the /oauth endpoints are then rejected.
func New(cfg Config, resolver *auth.Resolver, bridge *oauth.Bridge) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	maxChannels := cfg.MaxChannels
	if maxChannels <= 0 {
		maxChannels = DefaultMaxChannels
	}

	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		bridge:   bridge,
		registry: NewChannelRegistryWithLimits(cfg.IdleTimeout, maxChannels),
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(s.onRegisterSession)
	hooks.AddOnUnregisterSession(s.onUnregisterSession)

	s.mcpServer = server.NewMCPServer(cfg.Name, cfg.Version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
		server.WithToolFilter(s.filterTools),
	)
	s.mcpServer.AddTools(tools.Definitions(s)...)

	s.sseServer = server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(cfg.ServerURL),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(keepAliveInterval),
		server.WithSSEContextFunc(s.transportContext),
	)

	s.streamableServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(s.transportContext),
		server.WithSessionIdManager(&channelSessionIDManager{registry: s.registry}),
	)

	return s
}

// Registry exposes the channel registry, mainly for tests.
func (s *Server) Registry() *ChannelRegistry {
	return s.registry
}

// Start begins serving on the configured address. It blocks until the
// listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// No WriteTimeout: SSE streams stay open far longer than any fixed
	// request deadline.
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.createMux(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	logging.Info("Adapter", "Listening on %s (sse=/sse streamable=/mcp)", addr)
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting up to shutdownTimeout for in-flight
// requests, then releases all channels and their upstream sessions.
func (s *Server) Stop() error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = httpServer.Shutdown(ctx)
	}

	s.registry.Stop()
	logging.Info("Adapter", "Server stopped")
	return err
}

// ServeStdio runs the MCP server over stdin/stdout with a single fixed
// upstream session. Used for local single-user setups where credentials
// come from configuration rather than per-request headers.
func (s *Server) ServeStdio(ctx context.Context, session *upstream.Session) error {
	sessionID := uuid.NewString()
	if err := s.registry.Register(sessionID, ProtocolStreamable, session); err != nil {
		return fmt.Errorf("failed to register stdio channel: %w", err)
	}
	defer s.registry.Release(sessionID)

	// A stdio process serves exactly one connection, so the channel can be
	// bound on the server rather than threaded through request contexts.
	s.mu.Lock()
	s.stdioSessionID = sessionID
	s.mu.Unlock()

	stdioServer := server.NewStdioServer(s.mcpServer)

	logging.Info("Adapter", "Serving MCP over stdio for user=%s", session.Identity().Name)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// transportContext copies the auth middleware's results from the HTTP
// request context into the transport context handed to MCP handlers and
// session hooks.
func (s *Server) transportContext(ctx context.Context, r *http.Request) context.Context {
	if session := resolvedSessionFromContext(r.Context()); session != nil {
		ctx = withResolvedSession(ctx, session)
	}
	if protocol, ok := protocolFromContext(r.Context()); ok {
		ctx = withProtocol(ctx, protocol)
	}
	return ctx
}

// onRegisterSession binds a freshly initialized MCP session to the upstream
// session the auth middleware resolved for it.
func (s *Server) onRegisterSession(ctx context.Context, clientSession server.ClientSession) {
	upstreamSession := resolvedSessionFromContext(ctx)
	protocol, ok := protocolFromContext(ctx)
	if upstreamSession == nil || !ok {
		// Continuation requests re-enter the transport without fresh
		// credentials; the channel already exists.
		return
	}

	if err := s.registry.Register(clientSession.SessionID(), protocol, upstreamSession); err != nil {
		logging.Warn("Adapter", "Failed to register channel %s: %v",
			logging.TruncateSessionID(clientSession.SessionID()), err)
		upstreamSession.Close()
	}
}

func (s *Server) onUnregisterSession(ctx context.Context, clientSession server.ClientSession) {
	s.registry.Release(clientSession.SessionID())
}

// channelFor finds the registry channel backing the current MCP call.
func (s *Server) channelFor(ctx context.Context) (*Channel, bool) {
	s.mu.Lock()
	stdioSessionID := s.stdioSessionID
	s.mu.Unlock()
	if stdioSessionID != "" {
		return s.registry.Get(stdioSessionID)
	}

	clientSession := server.ClientSessionFromContext(ctx)
	if clientSession == nil {
		return nil, false
	}
	return s.registry.Get(clientSession.SessionID())
}

// SessionFor returns the upstream session for the current MCP call. Tool
// handlers use this to reach the scheduling API as the caller's user.
func (s *Server) SessionFor(ctx context.Context) (*upstream.Session, error) {
	channel, ok := s.channelFor(ctx)
	if !ok || channel.Session == nil {
		return nil, errors.New("no upstream session bound to this connection")
	}
	return channel.Session, nil
}

// filterTools hides tools the caller's identity may not invoke. Handlers
// still check permissions themselves; the filter only shapes the advertised
// tool list.
func (s *Server) filterTools(ctx context.Context, list []mcp.Tool) []mcp.Tool {
	var identity upstream.Identity
	if channel, ok := s.channelFor(ctx); ok && channel.Session != nil {
		identity = channel.Session.Identity()
	}

	filtered := make([]mcp.Tool, 0, len(list))
	for _, tool := range list {
		if !tools.Allowed(tool.Name, identity) {
			continue
		}
		filtered = append(filtered, tool)
	}
	return filtered
}

// channelSessionIDManager plugs the channel registry into the streamable
// HTTP transport's session lifecycle.
type channelSessionIDManager struct {
	registry *ChannelRegistry
}

func (m *channelSessionIDManager) Generate() string {
	return uuid.NewString()
}

func (m *channelSessionIDManager) Validate(sessionID string) (isTerminated bool, err error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	if _, ok := m.registry.Get(sessionID); !ok {
		return true, fmt.Errorf("session %s not found", logging.TruncateSessionID(sessionID))
	}
	return false, nil
}

func (m *channelSessionIDManager) Terminate(sessionID string) (isNotAllowed bool, err error) {
	m.registry.Release(sessionID)
	return false, nil
}
