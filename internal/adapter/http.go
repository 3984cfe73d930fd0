package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/giantswarm/mcp-oncall/internal/auth"
	"github.com/giantswarm/mcp-oncall/internal/oauth"
	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

// Stable error codes returned on protocol violations.
const (
	errCodeMalformedRequest = "malformed_request"
	errCodeSessionNotFound  = "session_not_found"
	errCodeWrongProtocol    = "wrong_protocol"
	errCodeInvalidState     = "invalid_state"
	errCodeNotConfigured    = "not_configured"
	errCodeUpstreamError    = "upstream_error"
)

// createMux assembles the full HTTP surface: both MCP transports behind the
// auth middleware, OAuth helper endpoints, discovery metadata, and health.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/.well-known/oauth-protected-resource", s.handleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-protected-resource/sse", s.handleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-protected-resource/mcp", s.handleProtectedResource)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleAuthServerMetadata)

	mux.HandleFunc("/oauth/start", s.handleOAuthStart)
	mux.HandleFunc("/oauth/callback", s.handleOAuthCallback)
	mux.HandleFunc("/oauth/refresh", s.handleOAuthRefresh)

	mcpHandler := http.HandlerFunc(s.handleMCP)
	mux.Handle("/sse", mcpHandler)
	mux.Handle("/message", mcpHandler)
	mux.Handle("/mcp", mcpHandler)

	return mux
}

// handleMCP classifies the request, enforces session and protocol rules, and
// dispatches to the right transport. New connections are authenticated here;
// continuations ride on their existing channel.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	info := ClassifyRequest(r)

	switch info.Class {
	case ClassLegacyMessage, ClassStreamContinuation:
		channel, ok := s.registry.Get(info.SessionID)
		if !ok {
			writeProtocolError(w, http.StatusNotFound, errCodeSessionNotFound,
				fmt.Sprintf("session %s not found", logging.TruncateSessionID(info.SessionID)))
			return
		}
		if channel.Protocol != info.Protocol {
			err := &WrongProtocolError{SessionID: info.SessionID, Bound: channel.Protocol, Attempted: info.Protocol}
			writeProtocolError(w, http.StatusBadRequest, errCodeWrongProtocol, err.Error())
			return
		}
		s.forward(w, r, info.Protocol)

	case ClassStreamInit:
		if s.resolver.UpstreamURL == "" {
			writeProtocolError(w, http.StatusServiceUnavailable, errCodeNotConfigured,
				"no upstream API configured")
			return
		}

		session, _, err := s.resolver.Resolve(r.Context(), r)
		if err != nil {
			var unauthorized *auth.UnauthorizedError
			if errors.As(err, &unauthorized) {
				s.writeUnauthorized(w, unauthorized.Description)
				return
			}
			logging.Error("Adapter", err, "Upstream login failed")
			writeProtocolError(w, http.StatusBadGateway, errCodeUpstreamError,
				"failed to reach the scheduling API")
			return
		}

		ctx := withResolvedSession(r.Context(), session)
		ctx = withProtocol(ctx, info.Protocol)
		s.forward(w, r.WithContext(ctx), info.Protocol)

	default:
		writeProtocolError(w, http.StatusBadRequest, errCodeMalformedRequest, info.Reason)
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, protocol Protocol) {
	if protocol == ProtocolSSE {
		s.sseServer.ServeHTTP(w, r)
		return
	}
	s.streamableServer.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleProtectedResource serves RFC 9728 protected resource metadata so MCP
// clients can discover the authorization server on their own.
func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeProtocolError(w, http.StatusNotFound, errCodeNotConfigured, "no OAuth issuer configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 s.cfg.ServerURL,
		"authorization_servers":    []string{s.bridge.Issuer()},
		"scopes_supported":         s.bridge.Scopes(),
		"bearer_methods_supported": []string{"header"},
	})
}

// handleAuthServerMetadata proxies the issuer's RFC 8414 metadata, filling in
// the fields some issuers omit that MCP clients require.
func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeProtocolError(w, http.StatusNotFound, errCodeNotConfigured, "no OAuth issuer configured")
		return
	}

	metadata, err := s.bridge.Metadata(r.Context())
	if err != nil {
		logging.Error("Adapter", err, "Failed to fetch issuer metadata")
		writeProtocolError(w, http.StatusBadGateway, errCodeUpstreamError,
			"failed to fetch authorization server metadata")
		return
	}

	// Work on a copy, the cache holds the original.
	doc := *metadata
	if len(doc.ResponseTypesSupported) == 0 {
		doc.ResponseTypesSupported = []string{"code"}
	}
	if len(doc.GrantTypesSupported) == 0 {
		doc.GrantTypesSupported = []string{"authorization_code", "refresh_token"}
	}
	if !contains(doc.CodeChallengeMethodsSupported, "S256") {
		doc.CodeChallengeMethodsSupported = append(doc.CodeChallengeMethodsSupported, "S256")
	}
	if !contains(doc.TokenEndpointAuthMethodsSupported, "none") {
		doc.TokenEndpointAuthMethodsSupported = append(doc.TokenEndpointAuthMethodsSupported, "none")
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleOAuthStart begins an authorization-code flow and hands the client the
// issuer URL to open.
func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeProtocolError(w, http.StatusNotFound, errCodeNotConfigured, "no OAuth issuer configured")
		return
	}

	authURL, state, err := s.bridge.StartFlow(r.URL.Query().Get("redirect"))
	if err != nil {
		logging.Error("Adapter", err, "Failed to start authorization flow")
		writeProtocolError(w, http.StatusInternalServerError, "flow_start_failed",
			"failed to start authorization flow")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"auth_url": authURL,
		"state":    state,
	})
}

// handleOAuthCallback receives the issuer redirect and exchanges the code.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeProtocolError(w, http.StatusNotFound, errCodeNotConfigured, "no OAuth issuer configured")
		return
	}

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		// The issuer declined; pass its error through untouched.
		writeProtocolError(w, http.StatusBadRequest, errCode, query.Get("error_description"))
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		writeProtocolError(w, http.StatusBadRequest, errCodeMalformedRequest,
			"callback requires code and state parameters")
		return
	}

	token, redirect, err := s.bridge.CompleteFlow(r.Context(), code, state)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidState) {
			writeProtocolError(w, http.StatusBadRequest, errCodeInvalidState, err.Error())
			return
		}
		logging.Error("Adapter", err, "Token exchange failed")
		writeProtocolError(w, http.StatusBadGateway, "exchange_failed", err.Error())
		return
	}

	// When the flow was started with a post-auth redirect, hand the token
	// back through it instead of the response body.
	if target, ok := redirectWithToken(redirect, token); ok {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	writeJSON(w, http.StatusOK, token)
}

// redirectWithToken appends the token to the recorded redirect target.
func redirectWithToken(redirect string, token *oauth.Token) (string, bool) {
	if redirect == "" {
		return "", false
	}
	target, err := url.Parse(redirect)
	if err != nil {
		logging.Warn("Adapter", "Ignoring unparseable post-auth redirect %q: %v", redirect, err)
		return "", false
	}

	query := target.Query()
	query.Set("access_token", token.AccessToken)
	query.Set("token_type", token.TokenType)
	if token.RefreshToken != "" {
		query.Set("refresh_token", token.RefreshToken)
	}
	if token.ExpiresIn > 0 {
		query.Set("expires_in", strconv.FormatInt(token.ExpiresIn, 10))
	}
	target.RawQuery = query.Encode()

	return target.String(), true
}

// handleOAuthRefresh runs a refresh_token grant on behalf of the client.
func (s *Server) handleOAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		writeProtocolError(w, http.StatusNotFound, errCodeNotConfigured, "no OAuth issuer configured")
		return
	}
	if r.Method != http.MethodPost {
		writeProtocolError(w, http.StatusMethodNotAllowed, errCodeMalformedRequest,
			"refresh endpoint only accepts POST")
		return
	}

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		writeProtocolError(w, http.StatusBadRequest, errCodeMalformedRequest,
			"request body must be JSON with a refresh_token field")
		return
	}

	token, err := s.bridge.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		writeProtocolError(w, http.StatusUnauthorized, "invalid_grant", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, token)
}

// writeUnauthorized responds with a 401 and a WWW-Authenticate challenge
// pointing at the protected resource metadata, per RFC 9728. Without a
// configured issuer the metadata endpoint answers 404, so no challenge is
// advertised at all.
func (s *Server) writeUnauthorized(w http.ResponseWriter, description string) {
	if s.bridge != nil {
		challenge := fmt.Sprintf("Bearer resource_metadata=%q",
			s.cfg.ServerURL+"/.well-known/oauth-protected-resource")
		if len(s.bridge.Scopes()) > 0 {
			challenge += fmt.Sprintf(", scope=%q", strings.Join(s.bridge.Scopes(), " "))
		}
		w.Header().Set("WWW-Authenticate", challenge)
	}

	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":             "invalid_token",
		"error_description": description,
	})
}

func writeProtocolError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error("Adapter", err, "Failed to write JSON response")
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
