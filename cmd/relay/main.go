// Package main provides the CLI entry point for the relay agent gateway.
//
// Relay sits between coding-agent clients and LLM backends: it streams
// chat completions over SSE, drives the agentic tool loop against MCP
// servers, coordinates a leader/worker agent fleet, and falls back
// across a backend chain when providers degrade.
//
// # Basic Usage
//
// Start the gateway:
//
//	relay serve --config relay.yaml
//
// Drive a single agent run without a gateway:
//
//	relay run --prompt "summarize the open incidents"
//
// Check a running gateway:
//
//	relay status --addr localhost:8790
//
// # Environment Variables
//
//   - RELAY_CONFIG: Path to configuration file when --config is not given
//   - RELAY_MAX_TOOL_CALLS: Default per-run tool budget
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
//   - GEMINI_API_KEY: Google AI Studio key for Gemini models
//   - AWS_REGION: Region for the Bedrock backend
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
)

// Build information, populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes for the run command.
const (
	exitFailure       = 1
	exitMissingInputs = 2
	exitInvalidTask   = 3
	exitCancelled     = 130
)

// exitError carries a process exit code through cobra's error path. A
// nil wrapped error exits silently, which is how cancellation behaves.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintln(os.Stderr, "Error:", exit.err)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitFailure)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - Multi-tenant agent gateway",
		Long: `Relay is an HTTP gateway between coding-agent clients and LLM backends.

It streams chat over SSE with an agentic tool loop, executes tools on MCP
servers, coordinates a leader/worker agent fleet with durable interrupts,
and falls back across a configurable backend chain.

Supported backends: Anthropic, OpenAI (and compatible servers), Bedrock,
Gemini, local OpenAI-compatible runtimes.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildRunCmd(),
		buildStatusCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the RELAY_CONFIG fallback so the watcher and
// the loader agree on which file is in play.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv(config.EnvConfigPath)
}
