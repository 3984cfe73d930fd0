// Package logging provides a structured logging system for mcp-oncall built
// on Go's standard slog package.
//
// All log entries carry a subsystem identifier for categorization and are
// filtered by level at the handler. Initialize once at startup:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Adapter", "Listening on %s", addr)
//	logging.Debug("OAuth", "Generated auth URL for state=%s", state)
//	logging.Error("Upstream", err, "Login failed for %s", username)
//
// Session IDs are credentials-adjacent and must never be logged in full;
// use TruncateSessionID at every log call site that mentions one.
package logging
