// Package cmd provides the docstral CLI commands.
//
// Commands:
//   - serve: HTTP API server with SSE streaming
//   - index: offline documentation indexing pipeline
//
// Both long-running commands handle SIGINT/SIGTERM via context
// cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/docstral/docstral/internal/config"
	"github.com/docstral/docstral/internal/log"
)

// Execute is the main entry point for the docstral CLI.
func Execute() error {
	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "index":
		return runIndex()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func runHelp() {
	fmt.Println("docstral - documentation chat backend")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  docstral serve       Start the HTTP API server")
	fmt.Println("  docstral index       Crawl and index the documentation site")
	fmt.Println("  docstral --version   Show version information")
	fmt.Println("  docstral --help      Show this help")
	fmt.Println()
	fmt.Println("Configuration is read from config.yaml (working directory or")
	fmt.Println("~/.docstral/) and DOCSTRAL_* environment variables.")
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) log.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return log.New(log.Config{Level: level, Format: cfg.LogFormat})
}
