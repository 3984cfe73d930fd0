package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oncall/internal/upstream"
	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

// Config holds the issuer endpoints and client registration the bridge
// operates with.
type Config struct {
	IssuerURL    string
	AuthorizeURL string
	TokenURL     string
	UserinfoURL  string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
}

// Bridge runs the server side of the authorization-code flow against the
// upstream OAuth issuer on behalf of MCP clients. It never issues tokens
// itself; every token that passes through originates at the issuer.
type Bridge struct {
	cfg      Config
	oauthCfg *oauth2.Config
	states   *StateStore
	metadata *MetadataCache

	httpClient *http.Client
}

// NewBridge creates a bridge for the configured issuer.
// Callers MUST call Stop() when done to prevent goroutine leaks.
func NewBridge(cfg Config) *Bridge {
	return &Bridge{
		cfg: cfg,
		oauthCfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
			},
		},
		states:     NewStateStore(),
		metadata:   NewMetadataCache(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Issuer returns the configured issuer URL.
func (b *Bridge) Issuer() string {
	return b.cfg.IssuerURL
}

// Scopes returns the scopes requested during authorization.
func (b *Bridge) Scopes() []string {
	return b.cfg.Scopes
}

// StateStore exposes the CSRF state store, mainly for tests.
func (b *Bridge) StateStore() *StateStore {
	return b.states
}

// Metadata returns the issuer's authorization server metadata, cached.
func (b *Bridge) Metadata(ctx context.Context) (*Metadata, error) {
	return b.metadata.Fetch(ctx, b.cfg.IssuerURL)
}

// StartFlow begins an authorization-code flow. It generates a PKCE verifier
// and a CSRF state, records both server-side together with the optional
// post-auth redirect, and returns the issuer authorization URL the client
// should open.
func (b *Bridge) StartFlow(postAuthRedirect string) (authURL, state string, err error) {
	verifier := oauth2.GenerateVerifier()

	state, err = b.states.Generate(verifier, postAuthRedirect)
	if err != nil {
		return "", "", err
	}

	authURL = b.oauthCfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	logging.Debug("OAuth", "Started authorization flow (state=%s)", logging.TruncateSessionID(state))
	return authURL, state, nil
}

// CompleteFlow exchanges an authorization code for tokens. The state must
// match a pending flow; unknown, expired, and replayed states fail with
// ErrInvalidState before any issuer traffic happens. The second return value
// is the post-auth redirect recorded when the flow started, if any.
func (b *Bridge) CompleteFlow(ctx context.Context, code, state string) (*Token, string, error) {
	flow, err := b.states.Consume(state)
	if err != nil {
		return nil, "", err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	tok, err := b.oauthCfg.Exchange(ctx, code, oauth2.VerifierOption(flow.Verifier))
	if err != nil {
		return nil, "", issuerError("token exchange failed", err)
	}

	logging.Debug("OAuth", "Exchanged authorization code for token (expires=%s)", tok.Expiry.Format(time.RFC3339))
	return fromOAuth2Token(tok), flow.Redirect, nil
}

// Refresh runs a refresh_token grant against the issuer.
func (b *Bridge) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token provided")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	tok, err := b.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, issuerError("token refresh failed", err)
	}

	result := fromOAuth2Token(tok)
	// Preserve the refresh token when the issuer does not rotate it.
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}
	return result, nil
}

// RefreshTokens adapts Refresh to the signature upstream sessions expect.
func (b *Bridge) RefreshTokens(ctx context.Context, refreshToken string) (access, refresh string, ttl time.Duration, err error) {
	tok, err := b.Refresh(ctx, refreshToken)
	if err != nil {
		return "", "", 0, err
	}
	return tok.AccessToken, tok.RefreshToken, time.Duration(tok.ExpiresIn) * time.Second, nil
}

// Userinfo resolves the identity behind an access token via the issuer's
// userinfo endpoint.
func (b *Bridge) Userinfo(ctx context.Context, accessToken string) (*upstream.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.UserinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		logging.Debug("OAuth", "Userinfo rejected: status=%d body=%s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("userinfo rejected with status %d", resp.StatusCode)
	}

	var identity upstream.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}
	return &identity, nil
}

// Stop stops background goroutines.
func (b *Bridge) Stop() {
	b.states.Stop()
}

// fromOAuth2Token converts an x/oauth2 token into the wire shape returned
// to MCP clients.
func fromOAuth2Token(tok *oauth2.Token) *Token {
	result := &Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		if remaining := time.Until(tok.Expiry); remaining > 0 {
			result.ExpiresIn = int64(remaining.Seconds())
		}
	}
	return result
}

// issuerError surfaces the issuer's error response verbatim. The body of a
// RetrieveError is the issuer's own JSON (error, error_description), which
// clients need to act on the failure.
func issuerError(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && len(rerr.Body) > 0 {
		return fmt.Errorf("%s: %s", op, string(rerr.Body))
	}
	return fmt.Errorf("%s: %w", op, err)
}
