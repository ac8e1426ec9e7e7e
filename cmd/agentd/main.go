// Package main provides the agentd daemon entrypoint: a single process
// that terminates WebSocket task submissions, runs the agent executor
// loop (internal/agent) per session, and persists state through
// internal/storage's blob contract.
//
// # Environment Variables
//
//   - AGENTD_CONFIG: path to the daemon YAML config (default: agentd.yaml)
//   - ANTHROPIC_API_KEY: primary LLM provider credential
//   - OPENAI_API_KEY: secondary/scout LLM provider credential
//   - AGENTD_FILEHOST_*: S3-compatible remote store credentials for upload_file
//   - AGENTD_SEARXNG_URL / AGENTD_BRAVE_API_KEY: web search backend credentials
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agentd",
		Short:        "agentd - sandboxed coding-agent runtime daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildSessionCmd())
	return root
}
