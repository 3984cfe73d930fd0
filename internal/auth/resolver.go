package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/mcp-oncall/internal/upstream"
	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

// bearerTokenTTL is assumed for access tokens presented directly by the
// client. The adapter cannot see the token's real lifetime; when this
// window runs out the session becomes terminal and the client must refresh
// through the bridge and reconnect.
const bearerTokenTTL = 10 * time.Minute

// UnauthorizedError is returned when a request carries no usable
// credentials. The transport layer converts it to a 401 with a
// WWW-Authenticate challenge.
type UnauthorizedError struct {
	Description string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Description
}

// TokenVerifier resolves identities and refreshes tokens at the OAuth
// issuer. Implemented by *oauth.Bridge.
type TokenVerifier interface {
	Userinfo(ctx context.Context, accessToken string) (*upstream.Identity, error)
	RefreshTokens(ctx context.Context, refreshToken string) (access, refresh string, ttl time.Duration, err error)
}

// Resolver turns classified credentials into authenticated upstream
// sessions. One session is created per MCP connection, never shared.
type Resolver struct {
	// UpstreamURL is the base URL of the scheduling API.
	UpstreamURL string

	// Verifier handles OAuth token identity resolution and refresh.
	Verifier TokenVerifier

	// SessionOptions are passed to every created session.
	SessionOptions []upstream.Option
}

// Resolve walks the request's credential conventions in precedence order and
// opens an upstream session for the first one that authenticates. A rejected
// convention falls through to the next; only a non-auth failure (network
// error, upstream outage) aborts the walk. The returned session ID is a
// fresh UUID, never derived from credential material.
func (rs *Resolver) Resolve(ctx context.Context, r *http.Request) (*upstream.Session, string, error) {
	var lastRejection error

	for _, creds := range ClassifyAll(r) {
		session, err := rs.open(ctx, creds)
		if err != nil {
			var unauthorized *UnauthorizedError
			if !errors.As(err, &unauthorized) {
				return nil, "", err
			}
			logging.Debug("Auth", "Rejected %s credentials, trying next convention: %v", creds.Source, err)
			lastRejection = err
			continue
		}

		sessionID := uuid.NewString()
		logging.Debug("Auth", "Resolved %s credentials for user=%s session=%s",
			creds.Source, session.Identity().Name, logging.TruncateSessionID(sessionID))
		return session, sessionID, nil
	}

	if lastRejection != nil {
		return nil, "", lastRejection
	}
	return nil, "", &UnauthorizedError{Description: "no recognized credentials presented"}
}

// open creates an upstream session for one classified credential.
func (rs *Resolver) open(ctx context.Context, creds Credentials) (*upstream.Session, error) {
	switch creds.Kind {
	case KindPassword:
		session, err := upstream.NewPasswordSession(ctx, rs.UpstreamURL, creds.Username, creds.Password, rs.SessionOptions...)
		if err != nil {
			return nil, rejectionError(err)
		}
		return session, nil

	case KindOAuthToken:
		if rs.Verifier == nil {
			return nil, &UnauthorizedError{Description: "OAuth is not configured on this server"}
		}
		session, err := upstream.NewOAuthSession(ctx, rs.UpstreamURL, creds.Token, "", bearerTokenTTL,
			rs.Verifier.RefreshTokens, rs.Verifier.Userinfo, rs.SessionOptions...)
		if err != nil {
			// A token the issuer will not vouch for gets a 401 challenge,
			// not a server error.
			return nil, &UnauthorizedError{Description: "access token was not accepted: " + err.Error()}
		}
		return session, nil

	default:
		return nil, &UnauthorizedError{Description: "no recognized credentials presented"}
	}
}

// rejectionError maps upstream authentication failures to UnauthorizedError
// and passes everything else (network errors, upstream outages) through.
func rejectionError(err error) error {
	var authErr *upstream.AuthError
	if errors.As(err, &authErr) {
		return &UnauthorizedError{Description: authErr.Reason}
	}
	return err
}
