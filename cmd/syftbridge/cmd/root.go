// Package cmd provides the CLI commands for syftbridge.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var logLevel string
var logFormat string

var rootCmd = &cobra.Command{
	Use:   "syftbridge",
	Short: "syftbridge - serve HTTP apps over SyftBox RPC",
	Long: `syftbridge builds SyftBox apps that answer both plain HTTP and
peer-to-peer Syft RPC from a single set of routes.

Routes registered with the app are served on a local listener and, at
the same time, bridged to the datasite's RPC directory where the
SyftBox daemon delivers requests from other datasites.

Quick start:
  1. Create an app: syftbridge create app pingpong
  2. cd pingpong && go mod tidy
  3. Run it: go run .

Configuration:
  Apps load app.yaml from the working directory. Environment variables
  can override config values with the SYFTBOX_ prefix.
  Example: SYFTBOX_HTTP_ADDR=127.0.0.1:9090

Commands:
  create      Create a new app from the built-in template
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
}

// buildLogger constructs the logger the persistent flags describe.
// Logs go to stderr so command output stays scriptable.
func buildLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(logLevel)}
	if strings.EqualFold(logFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
