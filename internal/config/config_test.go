package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte(content), 0o600))
	return dir
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	config, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, defaultHost, config.Host)
	assert.Equal(t, defaultPort, config.Port)
	assert.Empty(t, config.UpstreamURL)
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfigFile(t, `
upstreamURL: https://oncall.example/
host: 0.0.0.0
port: 9000
oauth:
  issuerURL: https://issuer.example
  clientID: mcp-oncall
`)

	config, err := Load(dir)
	require.NoError(t, err)
	config.Normalize()

	assert.Equal(t, "https://oncall.example", config.UpstreamURL)
	assert.Equal(t, "0.0.0.0", config.Host)
	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, "https://issuer.example", config.OAuth.IssuerURL)
	assert.True(t, config.OAuth.Enabled())
}

func TestLoadMalformedFile(t *testing.T) {
	dir := writeConfigFile(t, "upstreamURL: [not, a, string")

	_, err := Load(dir)
	require.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := writeConfigFile(t, `
upstreamURL: https://file.example
port: 9000
`)

	t.Setenv("ONCALL_UPSTREAM_URL", "https://env.example")
	t.Setenv("ONCALL_PORT", "9001")
	t.Setenv("ONCALL_OAUTH_SCOPES", "openid profile email")

	config, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example", config.UpstreamURL)
	assert.Equal(t, 9001, config.Port)
	assert.Equal(t, []string{"openid", "profile", "email"}, config.OAuth.Scopes)
}

func TestNonNumericPortIsIgnored(t *testing.T) {
	t.Setenv("ONCALL_PORT", "eighty")

	config, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, defaultPort, config.Port)
}

func TestNormalizeDerivesServerURLAndRedirect(t *testing.T) {
	config := Config{
		Host:  "localhost",
		Port:  8090,
		OAuth: OAuthConfig{IssuerURL: "https://issuer.example", ClientID: "mcp-oncall"},
	}
	config.Normalize()

	assert.Equal(t, "http://localhost:8090", config.ServerURL)
	assert.Equal(t, "http://localhost:8090/oauth/callback", config.OAuth.RedirectURI)
}

func TestValidateStdio(t *testing.T) {
	config := Config{Host: defaultHost, Port: defaultPort}
	require.Error(t, config.Validate(ModeStdio), "upstream URL must be required")

	config.UpstreamURL = "https://oncall.example"
	require.Error(t, config.Validate(ModeStdio), "credentials must be required")

	config.Username = "Stetzer"
	config.Password = "0900"
	require.NoError(t, config.Validate(ModeStdio))
}

func TestValidateServe(t *testing.T) {
	config := Config{Host: defaultHost, Port: defaultPort}
	// Serve mode tolerates a missing upstream URL.
	require.NoError(t, config.Validate(ModeServe))

	config.Port = -1
	require.Error(t, config.Validate(ModeServe))
}

func TestValidateOAuthNeedsClientID(t *testing.T) {
	config := Config{
		Host:        defaultHost,
		Port:        defaultPort,
		UpstreamURL: "https://oncall.example",
		OAuth:       OAuthConfig{IssuerURL: "https://issuer.example"},
	}
	require.Error(t, config.Validate(ModeServe))

	config.OAuth.ClientID = "mcp-oncall"
	require.NoError(t, config.Validate(ModeServe))
}
