package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
)

// CredentialKind tags the outcome of classifying a request's credentials.
type CredentialKind int

const (
	// KindUnrecognized means no known credential convention matched.
	KindUnrecognized CredentialKind = iota
	// KindOAuthToken means an issuer-minted access token was presented.
	KindOAuthToken
	// KindPassword means a username/password pair was presented.
	KindPassword
)

func (k CredentialKind) String() string {
	switch k {
	case KindOAuthToken:
		return "oauth_token"
	case KindPassword:
		return "password"
	default:
		return "unrecognized"
	}
}

// Credentials is the tagged result of classification. Exactly one of the
// value groups is populated, selected by Kind.
type Credentials struct {
	Kind CredentialKind

	// Token is set for KindOAuthToken.
	Token string

	// Username and Password are set for KindPassword.
	Username string
	Password string

	// Source names the convention that matched, for logging.
	Source string
}

// Classify inspects a request and returns the highest-precedence credential
// convention it matches. The order is fixed:
//
//  1. Authorization: Bearer with a JWT-shaped value -> OAuth token
//  2. Authorization: Bearer with base64(user:pass)  -> password pair
//  3. X-Username / X-Password headers               -> password pair
//  4. username / password query parameters          -> password pair
//  5. access_token query parameter                  -> OAuth token
//
// A bearer value that is neither JWT-shaped nor a decodable basic pair does
// not short-circuit; later conventions still get a chance to match.
func Classify(r *http.Request) Credentials {
	if candidates := ClassifyAll(r); len(candidates) > 0 {
		return candidates[0]
	}
	return Credentials{Kind: KindUnrecognized}
}

// ClassifyAll returns every matching convention in precedence order. The
// resolver tries them in turn: credentials the upstream or issuer rejects
// fall through to the next convention instead of ending the request.
func ClassifyAll(r *http.Request) []Credentials {
	var candidates []Credentials

	if value, ok := bearerValue(r.Header.Get("Authorization")); ok {
		if isJWTShaped(value) {
			candidates = append(candidates, Credentials{Kind: KindOAuthToken, Token: value, Source: "bearer_jwt"})
		} else if username, password, ok := decodeBasicPair(value); ok {
			candidates = append(candidates, Credentials{Kind: KindPassword, Username: username, Password: password, Source: "bearer_basic"})
		}
	}

	if username := r.Header.Get("X-Username"); username != "" {
		if password := r.Header.Get("X-Password"); password != "" {
			candidates = append(candidates, Credentials{Kind: KindPassword, Username: username, Password: password, Source: "custom_headers"})
		}
	}

	query := r.URL.Query()
	if username, password := query.Get("username"), query.Get("password"); username != "" && password != "" {
		candidates = append(candidates, Credentials{Kind: KindPassword, Username: username, Password: password, Source: "query_params"})
	}

	if token := query.Get("access_token"); token != "" {
		candidates = append(candidates, Credentials{Kind: KindOAuthToken, Token: token, Source: "query_token"})
	}

	return candidates
}

// bearerValue extracts the value of a Bearer authorization header.
func bearerValue(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	value := strings.TrimSpace(header[len(prefix):])
	return value, value != ""
}

// isJWTShaped checks whether a token has the three dot-separated segments
// of a JWT. This is a shape heuristic only; signature validation belongs to
// the upstream that consumes the token.
func isJWTShaped(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
	}
	return true
}

// decodeBasicPair decodes base64(user:pass) as smuggled through a Bearer
// header by clients that cannot send custom headers. Both padded and
// unpadded encodings occur in the wild.
func decodeBasicPair(value string) (username, password string, ok bool) {
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(value)
		if err != nil {
			return "", "", false
		}
	}

	username, password, found := strings.Cut(string(decoded), ":")
	if !found || username == "" {
		return "", "", false
	}
	return username, password, true
}
