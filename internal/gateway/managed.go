package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/relay/internal/agents"
	"github.com/haasonsaas/relay/internal/backends"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/interrupts"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/runlog"
	"github.com/haasonsaas/relay/internal/runs"
)

// ManagedServer wraps a Server with everything built from a config file:
// backend construction, stores, the run log, and an optional config
// watcher that live-applies the reloadable sections.
type ManagedServer struct {
	*Server

	configPath  string
	watcher     *config.Watcher
	watcherStop chan struct{}
	watcherDone chan struct{}
	runlogStore runlog.Store

	// prevWorkers tracks the last applied per-worker budgets so a
	// reload can clear entries that were removed from the file.
	prevWorkers map[string]int

	logger *slog.Logger
}

// ManagedServerConfig configures a ManagedServer.
type ManagedServerConfig struct {
	Config *config.Config
	Logger *slog.Logger

	// Tracer, when set, adds spans for chat runs, backend streams, and
	// tool executions.
	Tracer *observability.Tracer

	// ConfigPath enables live reload of the chain and worker budgets
	// when set.
	ConfigPath string
}

// NewManagedServer builds every collaborator from the configuration and
// assembles the gateway around them.
func NewManagedServer(cfg ManagedServerConfig) (*ManagedServer, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.Config

	registry := backends.NewRegistry(backends.RegistryConfig{
		Chain:        c.Backends.Chain,
		ProbeTimeout: c.Backends.ProbeTimeout,
		HealthTTL:    c.Backends.HealthTTL,
		Logger:       logger,
	})
	for i, entry := range c.Backends.Entries {
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
			return nil, fmt.Errorf("backends.entries[%d] (%s): %w", i, entry.Type, err)
		}
		registry.Add(b)
	}
	if len(c.Backends.Entries) == 0 {
		logger.Warn("no backends configured; chat requests will fail until one is added")
	}

	var tools *mcp.Manager
	if len(c.MCP.Servers) > 0 {
		servers := make([]mcp.ServerConfig, len(c.MCP.Servers))
		for i, s := range c.MCP.Servers {
			servers[i] = mcp.ServerConfig{
				ID:          s.ID,
				Name:        s.Name,
				URL:         s.URL,
				Headers:     s.Headers,
				CallTimeout: s.CallTimeout,
			}
		}
		var err error
		tools, err = mcp.NewManager(mcp.ManagerConfig{
			Servers:           servers,
			ValidateArguments: c.MCP.ValidateArguments,
			ClientName:        "relay",
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mcp: %w", err)
		}
	}

	agentRegistry := agents.NewRegistry(agents.Config{
		PersistPath:      c.Registry.PersistPath,
		HeartbeatTimeout: c.Registry.HeartbeatTimeout,
		Logger:           logger,
	})

	interruptStore := interrupts.NewStore(interrupts.Config{
		BaseDir: c.Interrupts.Dir,
		Logger:  logger,
	})

	runStore := runs.NewStore(runs.Config{
		BaseDir: c.Runs.Dir,
		Logger:  logger,
	})

	limits := loop.NewWorkerLimits()
	for worker, limit := range c.Limits.Workers {
		limits.Set(worker, limit)
	}

	logStore, err := buildRunLog(c.Usage)
	if err != nil {
		return nil, fmt.Errorf("usage: %w", err)
	}

	var auth *AuthService
	if c.Auth.Enabled() {
		auth = NewAuthService(AuthConfig{
			JWTSecret: c.Auth.JWTSecret,
			APIKeys:   c.Auth.APIKeys,
		})
	}

	server, err := New(Config{
		Addr:         c.Server.Addr(),
		Backends:     registry,
		Tools:        tools,
		Agents:       agentRegistry,
		Interrupts:   interruptStore,
		Runs:         runStore,
		WorkerLimits: limits,
		RunLog:       logStore,
		Auth:         auth,
		CORSOrigins:  c.Server.CORSOrigins,
		Metrics:      observability.NewMetrics(),
		Tracer:       cfg.Tracer,
		Maintenance: MaintenanceConfig{
			Enabled:    c.Maintenance.JobsEnabled(),
			ReapSpec:   c.Maintenance.ReapSpec,
			HealthSpec: c.Maintenance.HealthSpec,
		},
		DefaultMaxToolCalls: c.Limits.MaxToolCalls,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	return &ManagedServer{
		Server:      server,
		configPath:  cfg.ConfigPath,
		runlogStore: logStore,
		prevWorkers: c.Limits.Workers,
		logger:      logger,
	}, nil
}

func buildRunLog(cfg config.UsageConfig) (runlog.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return runlog.NewMemoryStore(), nil
	case "sqlite":
		return runlog.NewSQLiteStore(cfg.Path)
	case "postgres":
		return runlog.NewPostgresStoreFromDSN(cfg.DSN, runlog.DefaultPostgresConfig())
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// Start brings up the config watcher and the HTTP server.
func (m *ManagedServer) Start(ctx context.Context) error {
	if m.configPath != "" {
		watcher, err := config.Watch(ctx, m.configPath, m.logger)
		if err != nil {
			m.logger.Warn("config watch disabled", "path", m.configPath, "error", err)
		} else {
			m.watcher = watcher
			m.watcherStop = make(chan struct{})
			m.watcherDone = make(chan struct{})
			go m.applyReloads()
		}
	}
	return m.Server.Start(ctx)
}

// applyReloads consumes validated config changes and applies the
// sections that are safe to swap at runtime: the fallback chain, the
// default tool budget, and per-worker budgets. Backend credentials and
// listener settings still need a restart.
func (m *ManagedServer) applyReloads() {
	defer close(m.watcherDone)
	for {
		select {
		case <-m.watcherStop:
			return
		case cfg := <-m.watcher.Changes():
			m.backends.SetChain(cfg.Backends.Chain)

			for worker := range m.prevWorkers {
				if _, ok := cfg.Limits.Workers[worker]; !ok {
					m.limits.Set(worker, 0)
				}
			}
			for worker, limit := range cfg.Limits.Workers {
				m.limits.Set(worker, limit)
			}
			m.prevWorkers = cfg.Limits.Workers

			m.defaultBudget.Store(int64(cfg.Limits.MaxToolCalls))

			m.logger.Info("config reloaded",
				"chain", cfg.Backends.Chain,
				"workers", len(cfg.Limits.Workers),
				"default_max_tool_calls", cfg.Limits.MaxToolCalls)
		}
	}
}

// Stop shuts the watcher, the HTTP server, and the run log down.
func (m *ManagedServer) Stop(ctx context.Context) error {
	if m.watcher != nil {
		close(m.watcherStop)
		<-m.watcherDone
		_ = m.watcher.Close()
		m.watcher = nil
	}

	err := m.Server.Shutdown(ctx)

	if m.runlogStore != nil {
		if cerr := m.runlogStore.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
