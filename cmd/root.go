package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConfig indicates the configuration is invalid or incomplete.
	ExitCodeConfig = 2
)

// configError marks failures that come from configuration rather than
// runtime, so Execute can exit with a distinct code.
type configError struct {
	err error
}

func (e *configError) Error() string {
	return "configuration: " + e.err.Error()
}

func (e *configError) Unwrap() error {
	return e.err
}

// rootCmd represents the base command for the mcp-oncall application.
var rootCmd = &cobra.Command{
	Use:   "mcp-oncall",
	Short: "MCP adapter for the on-call scheduling API",
	Long: `mcp-oncall exposes a physician on-call scheduling service as MCP tools.

It serves both MCP wire protocols (legacy SSE and streamable HTTP) on a
single port, authenticates each connection against the scheduling API, and
bridges OAuth authorization flows to the upstream issuer.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// Called from the main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcp-oncall version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types to semantic exit codes for scripting.
func getExitCode(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return ExitCodeConfig
	}
	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newSelfUpdateCmd())
}
