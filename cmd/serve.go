package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oncall/internal/adapter"
	"github.com/giantswarm/mcp-oncall/internal/auth"
	"github.com/giantswarm/mcp-oncall/internal/config"
	"github.com/giantswarm/mcp-oncall/internal/oauth"
	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

var (
	serveDebug      bool
	serveConfigPath string
	serveHost       string
	servePort       int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP adapter server",
	Long: `Starts the HTTP server carrying both MCP transports.

The legacy SSE transport lives at GET /sse + POST /message, the streamable
HTTP transport at /mcp. Every new connection authenticates against the
on-call scheduling API with the credentials it carries; OAuth clients can
use the /oauth endpoints to obtain tokens from the configured issuer.

Configuration is read from config.yaml in the configuration directory and
can be overridden with ONCALL_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.InitForCLI(level, os.Stderr)

	configPath := serveConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err: err}
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	cfg.Normalize()
	if err := cfg.Validate(config.ModeServe); err != nil {
		return &configError{err: err}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridge, err := buildBridge(ctx, cfg)
	if err != nil {
		return err
	}
	if bridge != nil {
		defer bridge.Stop()
	}

	resolver := &auth.Resolver{UpstreamURL: cfg.UpstreamURL}
	if bridge != nil {
		resolver.Verifier = bridge
	}

	server := adapter.New(adapter.Config{
		Name:      "mcp-oncall",
		Version:   GetVersion(),
		Host:      cfg.Host,
		Port:      cfg.Port,
		ServerURL: cfg.ServerURL,
	}, resolver, bridge)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logging.Info("Serve", "Shutdown signal received")
		return server.Stop()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}
}

// buildBridge creates the OAuth bridge when an issuer is configured,
// discovering endpoint URLs from the issuer's metadata when the
// configuration leaves them empty.
func buildBridge(ctx context.Context, cfg config.Config) (*oauth.Bridge, error) {
	if !cfg.OAuth.Enabled() {
		logging.Info("Serve", "No OAuth issuer configured, token credentials will be rejected")
		return nil, nil
	}

	oc := cfg.OAuth
	if oc.AuthorizeURL == "" || oc.TokenURL == "" {
		metadata, err := oauth.NewMetadataCache().Fetch(ctx, oc.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to discover issuer endpoints for %s: %w", oc.IssuerURL, err)
		}
		if oc.AuthorizeURL == "" {
			oc.AuthorizeURL = metadata.AuthorizationEndpoint
		}
		if oc.TokenURL == "" {
			oc.TokenURL = metadata.TokenEndpoint
		}
		if oc.UserinfoURL == "" {
			oc.UserinfoURL = metadata.UserinfoEndpoint
		}
	}

	logging.Info("Serve", "OAuth bridge enabled for issuer %s", oc.IssuerURL)
	return oauth.NewBridge(oauth.Config{
		IssuerURL:    oc.IssuerURL,
		AuthorizeURL: oc.AuthorizeURL,
		TokenURL:     oc.TokenURL,
		UserinfoURL:  oc.UserinfoURL,
		ClientID:     oc.ClientID,
		ClientSecret: oc.ClientSecret,
		RedirectURI:  oc.RedirectURI,
		Scopes:       oc.Scopes,
	}), nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Custom configuration directory path")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides configuration)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides configuration)")
}
