package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/haasonsaas/relay/internal/agui"
	"github.com/haasonsaas/relay/internal/backends"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// runServe implements the serve command: configuration loading, gateway
// assembly, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:          level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.Redact,
	})
	slog.SetDefault(logger)

	logger.Info("starting relay gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
		"debug", debug,
	)

	var tracer *observability.Tracer
	if cfg.Tracing.Endpoint != "" {
		t, shutdown := observability.NewTracer(observability.TraceConfig{
			ServiceName:    "relay",
			ServiceVersion: version,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			EnableInsecure: cfg.Tracing.Insecure,
		})
		tracer = t
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	server, err := gateway.NewManagedServer(gateway.ManagedServerConfig{
		Config:     cfg,
		Logger:     logger,
		Tracer:     tracer,
		ConfigPath: configPath,
	})
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("relay gateway started", "addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("relay gateway stopped gracefully")
	return nil
}

type runOptions struct {
	configPath   string
	prompt       string
	backend      string
	model        string
	maxToolCalls int
	noTools      bool
}

// turnOutcome collects what one loop pass produced.
type turnOutcome struct {
	outcome    string
	stopReason string
	errMessage string
	errCode    string
	text       strings.Builder
	question   models.PendingPrompt
}

// noopExecutor reports that no tool execution is available. Used when
// the run command has no MCP servers configured.
type noopExecutor struct{}

func (noopExecutor) CallTool(ctx context.Context, name string, arguments map[string]any) models.ToolResult {
	return models.ToolResult{
		Name: name,
		OK:   false,
		Error: &models.ToolError{
			Code:    -1,
			Message: "no MCP server is configured; tool calls cannot be executed",
		},
	}
}

// runAgent implements the run command: one in-process agentic loop with
// the assistant text on stdout and tool activity on stderr.
func runAgent(ctx context.Context, out, errOut io.Writer, opts runOptions) error {
	prompt := strings.TrimSpace(opts.prompt)
	if prompt == "" {
		return exitf(exitMissingInputs, "a prompt is required; pass --prompt or positional text")
	}
	if err := validateTask(prompt); err != nil {
		return exitf(exitInvalidTask, "invalid task: %v", err)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return exitf(exitFailure, "load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return exitf(exitFailure, "invalid config: %v", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  "warn",
		Format: "text",
		Output: errOut,
	})

	registry := backends.NewRegistry(backends.RegistryConfig{
		Chain:        cfg.Backends.Chain,
		ProbeTimeout: cfg.Backends.ProbeTimeout,
		HealthTTL:    cfg.Backends.HealthTTL,
		Logger:       logger,
	})
	for i, entry := range cfg.Backends.Entries {
		b, err := backends.Build(entry.Type, backends.Options{
			Name:        entry.Name,
			BaseURL:     entry.BaseURL,
			APIKey:      entry.APIKey,
			Model:       entry.Model,
			NativeTools: entry.NativeTools,
			Region:      entry.Region,
			Extra:       entry.Extra,
		})
		if err != nil {
			return exitf(exitFailure, "backends.entries[%d] (%s): %v", i, entry.Type, err)
		}
		registry.Add(b)
	}
	if len(cfg.Backends.Entries) == 0 {
		return exitf(exitFailure, "no backends configured; add a backends.entries section to the config")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var backend backends.Backend
	if opts.backend != "" {
		backend, err = registry.Get(opts.backend)
	} else {
		backend, err = registry.GetHealthy(ctx)
	}
	if err != nil {
		return exitf(exitFailure, "%v", err)
	}

	var executor loop.ToolExecutor = noopExecutor{}
	var tools []models.ToolSchema
	if !opts.noTools && len(cfg.MCP.Servers) > 0 {
		servers := make([]mcp.ServerConfig, len(cfg.MCP.Servers))
		for i, s := range cfg.MCP.Servers {
			servers[i] = mcp.ServerConfig{
				ID:          s.ID,
				Name:        s.Name,
				URL:         s.URL,
				Headers:     s.Headers,
				CallTimeout: s.CallTimeout,
			}
		}
		manager, err := mcp.NewManager(mcp.ManagerConfig{
			Servers:           servers,
			ValidateArguments: cfg.MCP.ValidateArguments,
			ClientName:        "relay",
			Logger:            logger,
		})
		if err != nil {
			return exitf(exitFailure, "mcp: %v", err)
		}
		executor = manager
		if list, err := manager.ListTools(ctx, false); err != nil {
			logger.Warn("tool discovery failed; continuing without tools", "error", err)
		} else {
			tools = list
		}
	}

	budget := loop.ResolveLimit(opts.maxToolCalls, "", nil)
	if budget == 0 && cfg.Limits.MaxToolCalls > 0 {
		budget = loop.ResolveLimit(cfg.Limits.MaxToolCalls, "", nil)
	}

	session := &runSession{
		backend:  backend,
		executor: executor,
		tools:    tools,
		budget:   budget,
		threadID: uuid.NewString(),
		model:    opts.model,
		logger:   logger,
		out:      out,
		errOut:   errOut,
	}
	messages := []models.Message{models.UserMessage(prompt)}

	for {
		turn, err := session.driveTurn(ctx, messages)
		if err != nil {
			return exitf(exitFailure, "%v", err)
		}
		if ctx.Err() != nil {
			fmt.Fprintln(out)
			return &exitError{code: exitCancelled}
		}

		switch turn.outcome {
		case agui.OutcomeSuccess:
			if turn.stopReason == models.StopToolLimit {
				return exitf(exitFailure, "%s", turn.errMessage)
			}
			return nil
		case agui.OutcomeInterrupt:
			answer, err := promptForAnswer(out, turn.question)
			if err != nil {
				return exitf(exitFailure, "%v", err)
			}
			if text := turn.text.String(); text != "" {
				messages = append(messages, models.AssistantMessage(text))
			}
			messages = append(messages, models.UserMessage(answer))
		default:
			if turn.errMessage != "" {
				return exitf(exitFailure, "%s", turn.errMessage)
			}
			return exitf(exitFailure, "run ended without completing")
		}
	}
}

// runSession holds the fixed collaborators across the follow-up turns
// of one run command.
type runSession struct {
	backend  backends.Backend
	executor loop.ToolExecutor
	tools    []models.ToolSchema
	budget   int
	threadID string
	model    string
	logger   *slog.Logger
	out      io.Writer
	errOut   io.Writer
}

// driveTurn runs the loop once over the current conversation and prints
// as it goes.
func (s *runSession) driveTurn(ctx context.Context, messages []models.Message) (*turnOutcome, error) {
	driver, err := loop.NewDriver(loop.Config{
		Backend:       s.backend,
		Executor:      s.executor,
		Tools:         s.tools,
		MaxToolCalls:  s.budget,
		ThreadID:      s.threadID,
		RunID:         models.NewRunID(time.Now()),
		ModelOverride: s.model,
		Logger:        s.logger,
	})
	if err != nil {
		return nil, err
	}

	events, err := driver.Run(ctx, messages, 0, 0)
	if err != nil {
		return nil, err
	}

	turn := &turnOutcome{}
	for ev := range events {
		switch e := ev.(type) {
		case agui.TextMessageContent:
			fmt.Fprint(s.out, e.Delta)
			turn.text.WriteString(e.Delta)
		case agui.TextMessageEnd:
			fmt.Fprintln(s.out)
		case agui.ToolCallStart:
			fmt.Fprintf(s.errOut, "[tool] %s\n", e.ToolCallName)
		case agui.ToolCallResult:
			fmt.Fprintf(s.errOut, "[tool] %s\n", firstLine(e.Content, 120))
		case agui.RunError:
			turn.errMessage = e.Message
			turn.errCode = e.Code
		case agui.Custom:
			if e.Name == "clarification_request" {
				if p, ok := e.Value.(models.PendingPrompt); ok {
					turn.question = p
				}
			}
		case agui.RunFinished:
			turn.outcome = e.Outcome
			if result, ok := e.Result.(map[string]any); ok {
				if stop, ok := result["stopReason"].(string); ok {
					turn.stopReason = stop
				}
			}
		}
	}
	return turn, nil
}

// promptForAnswer shows a clarifying question and reads one line from
// stdin. Without a terminal there is nobody to ask.
func promptForAnswer(out io.Writer, question models.PendingPrompt) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("clarification needed but stdin is not a terminal: %s", question.Question)
	}
	fmt.Fprintf(out, "\n%s\n", question.Question)
	if len(question.Options) > 0 {
		fmt.Fprintf(out, "options: %s\n", strings.Join(question.Options, ", "))
	}
	fmt.Fprint(out, "> ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read answer: %w", err)
	}
	answer := strings.TrimSpace(line)
	if answer == "" {
		return "", errors.New("empty answer; aborting the run")
	}
	return answer, nil
}

// validateTask rejects prompts that cannot be a meaningful task.
func validateTask(task string) error {
	if !utf8.ValidString(task) {
		return errors.New("prompt is not valid UTF-8")
	}
	for _, r := range task {
		if unicode.IsGraphic(r) && !unicode.IsSpace(r) {
			return nil
		}
	}
	return errors.New("prompt has no printable characters")
}

func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return fmt.Errorf("schema generation failed: %w", err)
	}
	_, err = out.Write(append(schema, '\n'))
	return err
}

func runConfigValidate(out io.Writer, configPath string) error {
	if configPath == "" {
		return errors.New("no config file; pass --config or set RELAY_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}
	fmt.Fprintf(out, "%s: OK\n", configPath)
	fmt.Fprintf(out, "  server:   %s\n", cfg.Server.Addr())
	fmt.Fprintf(out, "  backends: %d configured, chain %v\n", len(cfg.Backends.Entries), cfg.Backends.Chain)
	fmt.Fprintf(out, "  mcp:      %d server(s)\n", len(cfg.MCP.Servers))
	fmt.Fprintf(out, "  usage:    %s\n", cfg.Usage.Driver)
	return nil
}
