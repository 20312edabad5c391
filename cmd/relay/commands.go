package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
// This is the primary command for running relay in production.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay gateway",
		Long: `Start the relay gateway with all configured backends and MCP servers.

The server will:
1. Load configuration from the specified file (or RELAY_CONFIG)
2. Construct the backend chain and probe health lazily per request
3. Connect MCP tool servers for discovery and execution
4. Restore the agent registry, interrupts, and context packs from disk
5. Serve the HTTP API with SSE chat streaming and the WebSocket event tap
6. Watch the config file and live-apply the chain and tool budgets

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  relay serve

  # Start with custom config
  relay serve --config /etc/relay/production.yaml

  # Start with debug logging
  relay serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")

	return cmd
}

// buildRunCmd creates the "run" command that drives one agent run
// in-process, without a gateway.
func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Drive a single agent run and print the output",
		Long: `Run one agentic loop in-process: stream from a backend, execute tool
calls on the configured MCP servers, and print the assistant's text to
stdout. Tool activity goes to stderr so the text stays pipeable.

When the model asks a clarifying question and stdin is a terminal, the
question is shown and the answer feeds a follow-up turn.`,
		Example: `  relay run --prompt "list the failing checks on main"
  relay run --backend openai --model gpt-4o "explain this stack trace"
  echo "what changed since v1.2?" | xargs relay run --max-tool-calls 5 --prompt`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.prompt == "" && len(args) > 0 {
				opts.prompt = strings.Join(args, " ")
			}
			opts.configPath = resolveConfigPath(opts.configPath)
			return runAgent(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "Prompt for the run")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "Backend name (default: first healthy in the chain)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Model override")
	cmd.Flags().IntVar(&opts.maxToolCalls, "max-tool-calls", 0, "Tool budget for the run (0 = config default)")
	cmd.Flags().BoolVar(&opts.noTools, "no-tools", false, "Skip MCP tool discovery")

	return cmd
}

// buildStatusCmd creates the "status" command for querying a running
// gateway.
func buildStatusCmd() *cobra.Command {
	var (
		configPath string
		serverAddr string
		jsonOutput bool
		token      string
		apiKey     string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long: `Display the status of a running relay gateway.

Shows uptime, the backend chain with health and circuit state, the agent
fleet, and the discovered MCP tools.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return printGatewayStatus(cmd.Context(), cmd.OutOrStdout(), jsonOutput, configPath, serverAddr, token, apiKey)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&serverAddr, "addr", "", "Gateway address (default from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().StringVar(&token, "token", "", "JWT bearer token for gateway auth")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for gateway auth")

	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "relay %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}
