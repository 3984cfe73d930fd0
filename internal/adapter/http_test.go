package adapter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oncall/internal/auth"
	"github.com/giantswarm/mcp-oncall/internal/oauth"
)

// newUpstreamStub serves the scheduling API's login endpoint.
func newUpstreamStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostFormValue("username") != "Stetzer" || r.PostFormValue("password") != "0900" {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": false, "message": "bad credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":        true,
			"access_token":  "acc",
			"refresh_token": "ref",
			"expires_in":    3600,
			"user":          map[string]any{"id": 7, "name": "Stetzer", "is_admin": true},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newIssuerStub serves issuer metadata and a refresh-capable token endpoint.
func newIssuerStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/authorize",
			"token_endpoint":         srv.URL + "/token",
			"scopes_supported":       []string{"openid", "profile"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.PostFormValue("grant_type") {
		case "authorization_code":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "issued-access",
				"token_type":    "Bearer",
				"refresh_token": "issued-refresh",
				"expires_in":    600,
			})
		case "refresh_token":
			if r.PostFormValue("refresh_token") != "issued-refresh" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":             "invalid_grant",
					"error_description": "refresh token not recognized",
				})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "issued-access",
				"token_type":   "Bearer",
				"expires_in":   600,
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
		}
	})

	return srv
}

type adapterFixture struct {
	server *Server
	http   *httptest.Server
	bridge *oauth.Bridge
}

func newAdapterFixture(t *testing.T, upstreamURL string, bridge *oauth.Bridge) *adapterFixture {
	t.Helper()

	resolver := &auth.Resolver{UpstreamURL: upstreamURL}
	if bridge != nil {
		resolver.Verifier = bridge
	}

	server := New(Config{
		Name:        "mcp-oncall",
		Version:     "test",
		ServerURL:   "http://adapter.example",
		IdleTimeout: time.Minute,
	}, resolver, bridge)
	t.Cleanup(server.registry.Stop)

	ts := httptest.NewServer(server.createMux())
	t.Cleanup(ts.Close)

	return &adapterFixture{server: server, http: ts, bridge: bridge}
}

func newOAuthFixture(t *testing.T, upstreamURL string) (*adapterFixture, *httptest.Server) {
	t.Helper()
	issuer := newIssuerStub(t)
	bridge := oauth.NewBridge(oauth.Config{
		IssuerURL:    issuer.URL,
		AuthorizeURL: issuer.URL + "/authorize",
		TokenURL:     issuer.URL + "/token",
		UserinfoURL:  issuer.URL + "/userinfo",
		ClientID:     "mcp-oncall",
		RedirectURI:  "http://adapter.example/oauth/callback",
		Scopes:       []string{"openid", "profile"},
	})
	t.Cleanup(bridge.Stop)
	return newAdapterFixture(t, upstreamURL, bridge), issuer
}

func decodeError(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealth(t *testing.T) {
	f := newAdapterFixture(t, "", nil)

	resp, err := http.Get(f.http.URL + "/health")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "ok"}, decodeError(t, resp))
}

func TestMalformedRequests(t *testing.T) {
	f := newAdapterFixture(t, "http://unused.example", nil)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"delete to sse", "DELETE", "/sse"},
		{"message without session", "POST", "/message"},
		{"mcp listener without session", "GET", "/mcp"},
		{"mcp delete without session", "DELETE", "/mcp"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, f.http.URL+tc.path, nil)
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decodeError(t, resp)
			assert.Equal(t, "malformed_request", body["error"])
			assert.NotEmpty(t, body["error_description"])
		})
	}
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	f := newAdapterFixture(t, "http://unused.example", nil)

	resp, err := http.Post(f.http.URL+"/message?sessionId=missing", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session_not_found", decodeError(t, resp)["error"])

	req, err := http.NewRequest("POST", f.http.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set(sessionIDHeader, "missing")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "session_not_found", decodeError(t, resp)["error"])
}

func TestWrongProtocolIsRejected(t *testing.T) {
	f := newAdapterFixture(t, "http://unused.example", nil)

	require.NoError(t, f.server.registry.Register("bound-streamable", ProtocolStreamable, nil))
	require.NoError(t, f.server.registry.Register("bound-sse", ProtocolSSE, nil))

	// A streamable session ID on the legacy message endpoint.
	resp, err := http.Post(f.http.URL+"/message?sessionId=bound-streamable", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "wrong_protocol", decodeError(t, resp)["error"])

	// An SSE session ID on the streamable endpoint.
	req, err := http.NewRequest("POST", f.http.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set(sessionIDHeader, "bound-sse")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "wrong_protocol", decodeError(t, resp)["error"])

	// The same mismatch through the /sse fallback path.
	req, err = http.NewRequest("POST", f.http.URL+"/sse", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set(sessionIDHeader, "bound-sse")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "wrong_protocol", decodeError(t, resp)["error"])
}

func TestUnauthenticatedStreamInit(t *testing.T) {
	f, _ := newOAuthFixture(t, "http://unused.example")

	resp, err := http.Post(f.http.URL+"/mcp", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	challenge := resp.Header.Get("WWW-Authenticate")
	assert.Contains(t, challenge, `Bearer resource_metadata="http://adapter.example/.well-known/oauth-protected-resource"`)
	assert.Contains(t, challenge, `scope="openid profile"`)

	body := decodeError(t, resp)
	assert.Equal(t, "invalid_token", body["error"])
	assert.Contains(t, body["error_description"], "no recognized credentials")
}

func TestUnauthenticatedStreamInitWithoutIssuer(t *testing.T) {
	// No bridge: the metadata endpoint would 404, so the 401 must not
	// advertise it.
	f := newAdapterFixture(t, "http://unused.example", nil)

	resp, err := http.Post(f.http.URL+"/mcp", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "invalid_token", decodeError(t, resp)["error"])
}

func TestBadPasswordIsUnauthorized(t *testing.T) {
	upstream := newUpstreamStub(t)
	f := newAdapterFixture(t, upstream.URL, nil)

	req, err := http.NewRequest("POST", f.http.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("X-Username", "Stetzer")
	req.Header.Set("X-Password", "wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp)["error_description"], "bad credentials")
}

func TestStreamInitWithoutUpstreamConfigured(t *testing.T) {
	f := newAdapterFixture(t, "", nil)

	resp, err := http.Post(f.http.URL+"/mcp", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_configured", decodeError(t, resp)["error"])
}

func TestStreamableInitializeBindsChannel(t *testing.T) {
	upstream := newUpstreamStub(t)
	f := newAdapterFixture(t, upstream.URL, nil)

	initialize := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`
	req, err := http.NewRequest("POST", f.http.URL+"/mcp", strings.NewReader(initialize))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("X-Username", "Stetzer")
	req.Header.Set("X-Password", "0900")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID := resp.Header.Get(sessionIDHeader)
	require.NotEmpty(t, sessionID)

	channel, ok := f.server.registry.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, ProtocolStreamable, channel.Protocol)
	require.NotNil(t, channel.Session)
	assert.Equal(t, "Stetzer", channel.Session.Identity().Name)
}

func TestStreamableInitializeOnSSEPath(t *testing.T) {
	// Streamable clients that fall back to the legacy path must still reach
	// the streamable transport.
	upstream := newUpstreamStub(t)
	f := newAdapterFixture(t, upstream.URL, nil)

	initialize := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0.0"}}}`
	req, err := http.NewRequest("POST", f.http.URL+"/sse", strings.NewReader(initialize))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("X-Username", "Stetzer")
	req.Header.Set("X-Password", "0900")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	sessionID := resp.Header.Get(sessionIDHeader)
	require.NotEmpty(t, sessionID)

	channel, ok := f.server.registry.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, ProtocolStreamable, channel.Protocol)
}

func TestProtectedResourceMetadata(t *testing.T) {
	f, issuer := newOAuthFixture(t, "")

	for _, path := range []string{
		"/.well-known/oauth-protected-resource",
		"/.well-known/oauth-protected-resource/sse",
		"/.well-known/oauth-protected-resource/mcp",
	} {
		resp, err := http.Get(f.http.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Resource               string   `json:"resource"`
			AuthorizationServers   []string `json:"authorization_servers"`
			ScopesSupported        []string `json:"scopes_supported"`
			BearerMethodsSupported []string `json:"bearer_methods_supported"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		assert.Equal(t, "http://adapter.example", body.Resource)
		assert.Equal(t, []string{issuer.URL}, body.AuthorizationServers)
		assert.Equal(t, []string{"openid", "profile"}, body.ScopesSupported)
		assert.Equal(t, []string{"header"}, body.BearerMethodsSupported)
	}
}

func TestProtectedResourceMetadataWithoutBridge(t *testing.T) {
	f := newAdapterFixture(t, "", nil)

	resp, err := http.Get(f.http.URL + "/.well-known/oauth-protected-resource")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_configured", decodeError(t, resp)["error"])
}

func TestAuthServerMetadataProxy(t *testing.T) {
	f, issuer := newOAuthFixture(t, "")

	resp, err := http.Get(f.http.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc oauth.Metadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	resp.Body.Close()

	assert.Equal(t, issuer.URL, doc.Issuer)
	assert.Equal(t, issuer.URL+"/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, issuer.URL+"/token", doc.TokenEndpoint)

	// Fields the stub issuer omits get sane defaults.
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, doc.GrantTypesSupported)
	assert.Contains(t, doc.CodeChallengeMethodsSupported, "S256")
	assert.Contains(t, doc.TokenEndpointAuthMethodsSupported, "none")
}

func TestOAuthStart(t *testing.T) {
	f, issuer := newOAuthFixture(t, "")

	resp, err := http.Get(f.http.URL + "/oauth/start")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeError(t, resp)
	assert.NotEmpty(t, body["state"])
	assert.Contains(t, body["auth_url"], issuer.URL+"/authorize")
	assert.Contains(t, body["auth_url"], "state="+body["state"])
	assert.Contains(t, body["auth_url"], "code_challenge_method=S256")
}

func TestOAuthCallbackCompletesFlow(t *testing.T) {
	f, _ := newOAuthFixture(t, "")

	resp, err := http.Get(f.http.URL + "/oauth/start")
	require.NoError(t, err)
	state := decodeError(t, resp)["state"]
	require.NotEmpty(t, state)

	resp, err = http.Get(f.http.URL + "/oauth/callback?code=auth-code&state=" + state)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token oauth.Token
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	resp.Body.Close()
	assert.Equal(t, "issued-access", token.AccessToken)
	assert.Equal(t, "issued-refresh", token.RefreshToken)
}

func TestOAuthCallbackFollowsRecordedRedirect(t *testing.T) {
	f, _ := newOAuthFixture(t, "")

	resp, err := http.Get(f.http.URL + "/oauth/start?redirect=" + url.QueryEscape("https://app.example/connected?src=mcp"))
	require.NoError(t, err)
	state := decodeError(t, resp)["state"]
	require.NotEmpty(t, state)

	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err = client.Get(f.http.URL + "/oauth/callback?code=auth-code&state=" + state)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	target, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "app.example", target.Host)
	assert.Equal(t, "/connected", target.Path)
	assert.Equal(t, "mcp", target.Query().Get("src"))
	assert.Equal(t, "issued-access", target.Query().Get("access_token"))
	assert.Equal(t, "issued-refresh", target.Query().Get("refresh_token"))
}

func TestOAuthCallbackInvalidState(t *testing.T) {
	f, _ := newOAuthFixture(t, "")

	resp, err := http.Get(f.http.URL + "/oauth/callback?code=abc&state=bogus")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_state", decodeError(t, resp)["error"])
}

func TestOAuthCallbackIssuerError(t *testing.T) {
	f, _ := newOAuthFixture(t, "")

	resp, err := http.Get(f.http.URL + "/oauth/callback?error=access_denied&error_description=user+said+no")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeError(t, resp)
	assert.Equal(t, "access_denied", body["error"])
	assert.Equal(t, "user said no", body["error_description"])
}

func TestOAuthCallbackMissingParameters(t *testing.T) {
	f, _ := newOAuthFixture(t, "")

	resp, err := http.Get(f.http.URL + "/oauth/callback")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_request", decodeError(t, resp)["error"])
}

func TestOAuthRefresh(t *testing.T) {
	f, _ := newOAuthFixture(t, "")

	resp, err := http.Post(f.http.URL+"/oauth/refresh", "application/json",
		strings.NewReader(`{"refresh_token":"issued-refresh"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token oauth.Token
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	resp.Body.Close()

	assert.Equal(t, "issued-access", token.AccessToken)
	// The issuer did not rotate the refresh token, so it is preserved.
	assert.Equal(t, "issued-refresh", token.RefreshToken)
}

func TestOAuthRefreshRejected(t *testing.T) {
	f, _ := newOAuthFixture(t, "")

	resp, err := http.Post(f.http.URL+"/oauth/refresh", "application/json",
		strings.NewReader(`{"refresh_token":"stale"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeError(t, resp)
	assert.Equal(t, "invalid_grant", body["error"])
	assert.Contains(t, body["error_description"], "refresh token not recognized")
}

func TestOAuthRefreshMissingToken(t *testing.T) {
	f, _ := newOAuthFixture(t, "")

	resp, err := http.Post(f.http.URL+"/oauth/refresh", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_request", decodeError(t, resp)["error"])
}
