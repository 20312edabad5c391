package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions, 6-field expressions
// with seconds, and descriptors like "@every 30s".
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// maintenance owns the background sweeps: reaping silent agents and
// re-probing backends so circuits and gauges stay current between
// requests.
type maintenance struct {
	server *Server
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Server) startMaintenance() error {
	cfg := s.cfg.Maintenance
	if !cfg.Enabled {
		s.logger.Debug("maintenance jobs disabled")
		return nil
	}

	reapSched, err := cronParser.Parse(cfg.ReapSpec)
	if err != nil {
		return fmt.Errorf("parse reap schedule %q: %w", cfg.ReapSpec, err)
	}
	healthSched, err := cronParser.Parse(cfg.HealthSpec)
	if err != nil {
		return fmt.Errorf("parse health schedule %q: %w", cfg.HealthSpec, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &maintenance{
		server: s,
		logger: s.logger.With("component", "maintenance"),
		cancel: cancel,
	}
	m.wg.Add(2)
	go m.run(ctx, "agent_reap", reapSched, m.reapAgents)
	go m.run(ctx, "backend_health", healthSched, m.sweepBackends)
	s.cron = m

	m.logger.Info("maintenance jobs started",
		"reap", cfg.ReapSpec,
		"health", cfg.HealthSpec)
	return nil
}

func (s *Server) stopMaintenance() {
	if s.cron != nil {
		s.cron.stop()
		s.cron = nil
	}
}

func (m *maintenance) stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *maintenance) run(ctx context.Context, name string, sched cron.Schedule, job func(context.Context)) {
	defer m.wg.Done()
	for {
		timer := time.NewTimer(time.Until(sched.Next(time.Now())))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.runJob(ctx, name, job)
		}
	}
}

// runJob isolates one firing so a panicking sweep does not take the
// scheduler down with it.
func (m *maintenance) runJob(ctx context.Context, name string, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("maintenance job panicked", "job", name, "panic", r)
		}
	}()
	job(ctx)
}

// reapAgents triggers the registry's timeout scan and refreshes the
// per-role gauges, so dead agents surface even when no request touches
// the registry.
func (m *maintenance) reapAgents(_ context.Context) {
	stats := m.server.agents.Stats()
	m.server.updateAgentGauges()
	m.logger.Debug("agent reap sweep",
		"total", stats.TotalAgents,
		"workers", stats.Workers,
		"leader_id", stats.LeaderID)
}

// sweepBackends re-probes every backend and publishes circuit state.
func (m *maintenance) sweepBackends(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	health := m.server.backends.HealthCheckAll(ctx)
	healthy := 0
	for _, status := range health {
		if status.OK {
			healthy++
		}
	}

	now := time.Now()
	for name, state := range m.server.backends.CircuitStates() {
		if m.server.metrics != nil {
			m.server.metrics.SetCircuitOpen(name, state.Open(now))
		}
	}
	m.logger.Debug("backend health sweep",
		"healthy", healthy,
		"total", len(health))
}
