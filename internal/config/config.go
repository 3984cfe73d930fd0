package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

const (
	userConfigDir  = ".config/mcp-oncall"
	configFileName = "config.yaml"

	defaultHost = "localhost"
	defaultPort = 8090
)

// Mode selects which validation rules apply.
type Mode string

const (
	// ModeServe runs the HTTP server with per-connection credentials.
	ModeServe Mode = "serve"

	// ModeStdio runs a single-user stdio server with configured credentials.
	ModeStdio Mode = "stdio"
)

// OAuthConfig describes the upstream OAuth issuer. AuthorizeURL, TokenURL,
// and UserinfoURL may be left empty to be discovered from the issuer's
// well-known metadata.
type OAuthConfig struct {
	IssuerURL    string   `yaml:"issuerURL,omitempty"`
	AuthorizeURL string   `yaml:"authorizeURL,omitempty"`
	TokenURL     string   `yaml:"tokenURL,omitempty"`
	UserinfoURL  string   `yaml:"userinfoURL,omitempty"`
	ClientID     string   `yaml:"clientID,omitempty"`
	ClientSecret string   `yaml:"clientSecret,omitempty"`
	RedirectURI  string   `yaml:"redirectURI,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// Enabled reports whether an OAuth issuer is configured at all.
func (o OAuthConfig) Enabled() bool {
	return o.IssuerURL != ""
}

// Config is the top-level configuration for mcp-oncall.
type Config struct {
	// UpstreamURL is the base URL of the on-call scheduling API.
	UpstreamURL string `yaml:"upstreamURL,omitempty"`

	// ServerURL is the externally visible base URL of this adapter.
	ServerURL string `yaml:"serverURL,omitempty"`

	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// Username and Password are only used in stdio mode.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	OAuth OAuthConfig `yaml:"oauth,omitempty"`
}

// GetDefaultConfigPathOrPanic returns the per-user configuration directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}
	return filepath.Join(homeDir, userConfigDir)
}

// Load reads config.yaml from the given directory and applies environment
// variable overrides on top. A missing file is not an error.
func Load(configPath string) (Config, error) {
	config := Config{
		Host: defaultHost,
		Port: defaultPort,
	}

	configFilePath := filepath.Join(configPath, configFileName)
	data, err := os.ReadFile(configFilePath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info("Config", "No config.yaml found at %s, using defaults", configFilePath)
	case err != nil:
		return Config{}, err
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
		}
		logging.Info("Config", "Loaded configuration from %s", configFilePath)
	}

	applyEnv(&config)
	return config, nil
}

// applyEnv overlays ONCALL_* environment variables over the file values.
func applyEnv(config *Config) {
	setString := func(target *string, key string) {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}

	setString(&config.UpstreamURL, "ONCALL_UPSTREAM_URL")
	setString(&config.ServerURL, "ONCALL_SERVER_URL")
	setString(&config.Host, "ONCALL_HOST")
	setString(&config.Username, "ONCALL_USERNAME")
	setString(&config.Password, "ONCALL_PASSWORD")

	if value := os.Getenv("ONCALL_PORT"); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			config.Port = port
		} else {
			logging.Warn("Config", "Ignoring non-numeric ONCALL_PORT=%q", value)
		}
	}

	setString(&config.OAuth.IssuerURL, "ONCALL_OAUTH_ISSUER_URL")
	setString(&config.OAuth.AuthorizeURL, "ONCALL_OAUTH_AUTHORIZE_URL")
	setString(&config.OAuth.TokenURL, "ONCALL_OAUTH_TOKEN_URL")
	setString(&config.OAuth.UserinfoURL, "ONCALL_OAUTH_USERINFO_URL")
	setString(&config.OAuth.ClientID, "ONCALL_OAUTH_CLIENT_ID")
	setString(&config.OAuth.ClientSecret, "ONCALL_OAUTH_CLIENT_SECRET")
	setString(&config.OAuth.RedirectURI, "ONCALL_OAUTH_REDIRECT_URI")

	if value := os.Getenv("ONCALL_OAUTH_SCOPES"); value != "" {
		config.OAuth.Scopes = strings.Fields(value)
	}
}

// Normalize fills derived defaults and strips trailing slashes. Callers run
// it after any overrides (flags) have been applied, before Validate.
func (c *Config) Normalize() {
	c.UpstreamURL = strings.TrimSuffix(c.UpstreamURL, "/")

	if c.ServerURL == "" {
		c.ServerURL = fmt.Sprintf("http://%s:%d", c.Host, c.Port)
	}
	c.ServerURL = strings.TrimSuffix(c.ServerURL, "/")

	if c.OAuth.Enabled() && c.OAuth.RedirectURI == "" {
		c.OAuth.RedirectURI = c.ServerURL + "/oauth/callback"
	}
}

// Validate checks the configuration for the given mode. Stdio mode needs a
// full set of upstream credentials before serving anything; serve mode can
// come up partially configured and only warns.
func (c *Config) Validate(mode Mode) error {
	switch mode {
	case ModeStdio:
		if c.UpstreamURL == "" {
			return errors.New("upstream URL is required in stdio mode (set upstreamURL or ONCALL_UPSTREAM_URL)")
		}
		if c.Username == "" || c.Password == "" {
			return errors.New("username and password are required in stdio mode")
		}

	case ModeServe:
		if c.UpstreamURL == "" {
			logging.Warn("Config", "No upstream URL configured, MCP connections will be rejected until one is set")
		}
		if c.Port <= 0 || c.Port > 65535 {
			return fmt.Errorf("invalid port %d", c.Port)
		}

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	if c.OAuth.Enabled() && c.OAuth.ClientID == "" {
		return errors.New("OAuth issuer configured without a client ID")
	}

	return nil
}
