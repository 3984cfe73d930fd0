package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

const (
	loginPath   = "/api/login"
	refreshPath = "/api/token/refresh"

	// defaultTokenTTL is assumed when the upstream omits expires_in.
	defaultTokenTTL = 10 * time.Minute
)

// Identity describes the authenticated upstream user. It controls which
// tools a connection may call.
type Identity struct {
	UserID          int    `json:"id"`
	GroupID         int    `json:"group_id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	IsAdmin         bool   `json:"is_admin"`
	CanViewRequests bool   `json:"can_view_requests"`
}

// RefreshFunc exchanges a refresh token at the OAuth issuer for a new token
// pair. The returned refresh token may be empty when the issuer does not
// rotate refresh tokens.
type RefreshFunc func(ctx context.Context, refreshToken string) (access, refresh string, ttl time.Duration, err error)

// UserinfoFunc resolves the identity behind an access token, typically via
// the issuer's userinfo endpoint.
type UserinfoFunc func(ctx context.Context, accessToken string) (*Identity, error)

type sessionMode int

const (
	modePassword sessionMode = iota
	modeOAuth
)

// Session is one authenticated connection to the upstream scheduling API.
// Each MCP connection owns exactly one Session; the internal mutex only
// orders token refresh against concurrent tool calls on that connection.
type Session struct {
	baseURL    string
	mode       sessionMode
	username   string
	password   string
	refreshFn  RefreshFunc
	tokens     *TokenStore
	httpClient *http.Client

	// identity is bound at construction and immutable afterwards, so
	// readers never need the mutex. A re-login keeps the original binding.
	identity      Identity
	identityBound bool

	// authMu serializes login/refresh so concurrent tool calls do not
	// race a token rotation.
	authMu sync.Mutex
}

// Option configures a Session.
type Option func(*Session)

// WithHTTPClient replaces the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.httpClient = c }
}

// NewPasswordSession authenticates against the upstream with a username and
// password and returns a session bound to the resulting identity.
func NewPasswordSession(ctx context.Context, baseURL, username, password string, opts ...Option) (*Session, error) {
	s := &Session{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		mode:       modePassword,
		username:   username,
		password:   password,
		tokens:     NewTokenStore(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.login(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewOAuthSession wraps tokens obtained through the OAuth bridge in a
// session. The identity is resolved through userinfo; a failure there fails
// construction, there is no anonymous fallback.
func NewOAuthSession(ctx context.Context, baseURL, access, refresh string, ttl time.Duration, refreshFn RefreshFunc, userinfo UserinfoFunc, opts ...Option) (*Session, error) {
	s := &Session{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		mode:       modeOAuth,
		refreshFn:  refreshFn,
		tokens:     NewTokenStore(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}

	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	s.tokens.Set(access, refresh, ttl)

	identity, err := userinfo(ctx, access)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}
	s.identity = *identity
	s.identityBound = true

	logging.Debug("Upstream", "Created OAuth session for user=%s admin=%v", s.identity.Name, s.identity.IsAdmin)
	return s, nil
}

// Identity returns the identity the session authenticated as.
func (s *Session) Identity() Identity {
	return s.identity
}

// IsAdmin reports whether the session's identity has administrator rights.
func (s *Session) IsAdmin() bool {
	return s.identity.IsAdmin
}

// Tokens exposes the session's token store.
func (s *Session) Tokens() *TokenStore {
	return s.tokens
}

// loginResponse is the upstream login/refresh payload. The upstream reports
// authentication failures with HTTP 200 and status=false, so the status
// field must be checked independently of the HTTP status code.
type loginResponse struct {
	Status       bool     `json:"status"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int64    `json:"expires_in"`
	Message      string   `json:"message"`
	User         Identity `json:"user"`
}

func (s *Session) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", s.username)
	form.Set("password", s.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read login response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logging.Debug("Upstream", "Login failed: status=%d", resp.StatusCode)
		return &AuthError{Reason: fmt.Sprintf("login rejected with status %d", resp.StatusCode)}
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return fmt.Errorf("failed to parse login response: %w", err)
	}

	if !lr.Status {
		reason := lr.Message
		if reason == "" {
			reason = "invalid username or password"
		}
		return &AuthError{Reason: reason}
	}

	ttl := defaultTokenTTL
	if lr.ExpiresIn > 0 {
		ttl = time.Duration(lr.ExpiresIn) * time.Second
	}
	s.tokens.Set(lr.AccessToken, lr.RefreshToken, ttl)
	if !s.identityBound {
		s.identity = lr.User
		s.identityBound = true
	}

	logging.Debug("Upstream", "Logged in user=%s admin=%v (expires_in=%d)", s.identity.Name, s.identity.IsAdmin, lr.ExpiresIn)
	return nil
}

// refreshTokens rotates the access token. Password sessions fall back to a
// full re-login when refresh fails; OAuth sessions cannot re-authenticate on
// the user's behalf, so any failure there is terminal.
func (s *Session) refreshTokens(ctx context.Context) error {
	switch s.mode {
	case modeOAuth:
		refreshToken, ok := s.tokens.RefreshToken()
		if !ok {
			return ErrOAuthSessionExpired
		}

		access, refresh, ttl, err := s.refreshFn(ctx, refreshToken)
		if err != nil {
			logging.Warn("Upstream", "OAuth token refresh failed for user=%s: %v", s.identity.Name, err)
			s.tokens.Clear()
			return ErrOAuthSessionExpired
		}
		if refresh == "" {
			refresh = refreshToken
		}
		if ttl <= 0 {
			ttl = defaultTokenTTL
		}
		s.tokens.Set(access, refresh, ttl)
		return nil

	default:
		refreshToken, ok := s.tokens.RefreshToken()
		if !ok {
			return s.login(ctx)
		}

		if err := s.refreshPassword(ctx, refreshToken); err != nil {
			logging.Debug("Upstream", "Token refresh failed for user=%s, re-logging in: %v", s.username, err)
			return s.login(ctx)
		}
		return nil
	}
}

func (s *Session) refreshPassword(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+refreshPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read refresh response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("refresh rejected with status %d", resp.StatusCode)
	}

	var rr loginResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("failed to parse refresh response: %w", err)
	}
	if !rr.Status {
		return fmt.Errorf("refresh rejected: %s", rr.Message)
	}

	ttl := defaultTokenTTL
	if rr.ExpiresIn > 0 {
		ttl = time.Duration(rr.ExpiresIn) * time.Second
	}

	// Rotate the refresh token only when the upstream returns a new one.
	if rr.RefreshToken != "" {
		s.tokens.Set(rr.AccessToken, rr.RefreshToken, ttl)
		return nil
	}
	return s.tokens.UpdateAccess(rr.AccessToken, ttl)
}

// EnsureAuthenticated guarantees a usable access token before an upstream
// call, logging in or refreshing as needed.
func (s *Session) EnsureAuthenticated(ctx context.Context) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	if _, ok := s.tokens.AccessToken(); !ok {
		if s.mode == modeOAuth {
			return s.refreshTokens(ctx)
		}
		return s.login(ctx)
	}

	if s.tokens.NeedsRefresh() {
		return s.refreshTokens(ctx)
	}
	return nil
}

// Get performs an authenticated GET against the upstream API.
func (s *Session) Get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	return s.do(ctx, http.MethodGet, path, query, nil)
}

// Post performs an authenticated POST with a JSON body.
func (s *Session) Post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	return s.do(ctx, http.MethodPost, path, nil, payload)
}

// Put performs an authenticated PUT with a JSON body.
func (s *Session) Put(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	return s.do(ctx, http.MethodPut, path, nil, payload)
}

func (s *Session) do(ctx context.Context, method, path string, query url.Values, payload any) (json.RawMessage, error) {
	if err := s.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	body, status, err := s.roundTrip(ctx, method, path, query, payload)
	if err != nil {
		return nil, err
	}

	// A 401 on a fresh-looking token means the upstream revoked it early.
	// Rotate once and retry before giving up.
	if status == http.StatusUnauthorized {
		s.authMu.Lock()
		refreshErr := s.refreshTokens(ctx)
		s.authMu.Unlock()
		if refreshErr != nil {
			return nil, refreshErr
		}

		body, status, err = s.roundTrip(ctx, method, path, query, payload)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status >= 300 {
		return nil, parseAPIError(status, body)
	}
	return body, nil
}

func (s *Session) roundTrip(ctx context.Context, method, path string, query url.Values, payload any) (json.RawMessage, int, error) {
	u := s.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	access, _ := s.tokens.AccessToken()
	req.Header.Set("Authorization", "Bearer "+access)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// parseAPIError extracts the upstream error message from a failure body.
// The upstream uses both {"error":{"message":...}} and {"message":...}
// shapes depending on the endpoint.
func parseAPIError(status int, body []byte) *APIError {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &nested); err == nil {
		if nested.Error.Message != "" {
			return &APIError{StatusCode: status, Message: nested.Error.Message}
		}
		if nested.Message != "" {
			return &APIError{StatusCode: status, Message: nested.Message}
		}
	}
	return &APIError{StatusCode: status, Message: http.StatusText(status)}
}

// Close releases the session's credentials. In-flight calls are not
// cancelled; they fail on their own when the upstream rejects the token.
func (s *Session) Close() {
	if s == nil || s.tokens == nil {
		return
	}
	s.tokens.Clear()
}
