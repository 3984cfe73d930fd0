package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-oncall/internal/adapter"
	"github.com/giantswarm/mcp-oncall/internal/auth"
	"github.com/giantswarm/mcp-oncall/internal/config"
	"github.com/giantswarm/mcp-oncall/internal/upstream"
	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

var (
	stdioDebug      bool
	stdioConfigPath string
)

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve MCP over stdin/stdout",
	Long: `Runs the MCP server on standard input and output for local
single-user setups (e.g. a desktop MCP client launching the binary).

The upstream URL plus a username and password must be configured; the
process logs in once at startup and serves all tools as that user.`,
	Args: cobra.NoArgs,
	RunE: runStdio,
}

func runStdio(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if stdioDebug {
		level = logging.LevelDebug
	}
	// Stdout carries the MCP wire protocol, all logging goes to stderr.
	logging.InitForCLI(level, os.Stderr)

	configPath := stdioConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return &configError{err: err}
	}
	cfg.Normalize()
	if err := cfg.Validate(config.ModeStdio); err != nil {
		return &configError{err: err}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := upstream.NewPasswordSession(ctx, cfg.UpstreamURL, cfg.Username, cfg.Password)
	if err != nil {
		var authErr *upstream.AuthError
		if errors.As(err, &authErr) {
			return &configError{err: fmt.Errorf("upstream rejected the configured credentials: %s", authErr.Reason)}
		}
		return fmt.Errorf("failed to log in to %s: %w", cfg.UpstreamURL, err)
	}
	defer session.Close()

	server := adapter.New(adapter.Config{
		Name:      "mcp-oncall",
		Version:   GetVersion(),
		ServerURL: cfg.ServerURL,
	}, &auth.Resolver{UpstreamURL: cfg.UpstreamURL}, nil)

	if err := server.ServeStdio(ctx, session); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio server failed: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(stdioCmd)

	stdioCmd.Flags().BoolVar(&stdioDebug, "debug", false, "Enable debug logging")
	stdioCmd.Flags().StringVar(&stdioConfigPath, "config-path", "", "Custom configuration directory path")
}
