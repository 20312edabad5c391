package backends

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RegistryConfig tunes chain selection.
type RegistryConfig struct {
	// Chain is the fallback order. Empty means "the single default backend",
	// filled in when the first backend is added.
	Chain []string

	// ProbeTimeout bounds one health probe. Default 2s.
	ProbeTimeout time.Duration

	// HealthTTL is how long a probe result stays fresh. Default 5s.
	HealthTTL time.Duration

	Logger *slog.Logger
}

// Registry names the configured backends and selects a healthy one per
// request by walking the fallback chain. Selection happens once per request;
// a stream is never renegotiated to another backend mid-flight.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	circuits map[string]*circuit
	chain    []string

	lastHealthy string

	probeTimeout time.Duration
	healthTTL    time.Duration
	logger       *slog.Logger

	nowFn func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.HealthTTL <= 0 {
		cfg.HealthTTL = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		backends:     make(map[string]Backend),
		circuits:     make(map[string]*circuit),
		chain:        append([]string(nil), cfg.Chain...),
		probeTimeout: cfg.ProbeTimeout,
		healthTTL:    cfg.HealthTTL,
		logger:       cfg.Logger.With("component", "backends"),
		nowFn:        time.Now,
	}
}

// Add registers a constructed backend. The first backend added becomes the
// implicit single-element chain when none was configured.
func (r *Registry) Add(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
	r.circuits[b.Name()] = newCircuit(r.healthTTL)
	if len(r.chain) == 0 {
		r.chain = []string{b.Name()}
	}
}

// List returns the registered backend names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks a backend up by name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return b, nil
}

// Chain returns the fallback order.
func (r *Registry) Chain() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.chain...)
}

// SetChain replaces the fallback order. Unknown names are dropped with a
// warning so a stale config cannot wedge selection.
func (r *Registry) SetChain(chain []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var valid []string
	for _, name := range chain {
		if _, ok := r.backends[name]; ok {
			valid = append(valid, name)
		} else {
			r.logger.Warn("dropping unknown backend from chain", "backend", name)
		}
	}
	if len(valid) > 0 {
		r.chain = valid
	}
}

// LastHealthy returns the name of the backend most recently selected.
func (r *Registry) LastHealthy() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastHealthy
}

// GetHealthy walks the chain and returns the first healthy backend: open
// circuits are skipped, fresh cached probes are trusted, and stale entries
// trigger a bounded re-probe.
func (r *Registry) GetHealthy(ctx context.Context) (Backend, error) {
	for _, name := range r.Chain() {
		r.mu.RLock()
		b, ok := r.backends[name]
		c := r.circuits[name]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		now := r.nowFn()
		if c.open(now) {
			r.logger.Debug("circuit open, skipping backend", "backend", name)
			continue
		}

		health, cached := c.cachedHealth(now)
		if !cached {
			health = r.probe(ctx, b)
			c.record(r.nowFn(), health)
		}
		if !health.OK {
			r.logger.Debug("backend unhealthy", "backend", name, "detail", health.Detail)
			continue
		}

		r.mu.Lock()
		r.lastHealthy = name
		r.mu.Unlock()
		return b, nil
	}
	return nil, ErrNoHealthyBackend
}

// HealthCheckAll probes every backend, bypassing the cache, and records the
// results against each circuit.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]HealthStatus {
	results := make(map[string]HealthStatus)
	for _, name := range r.List() {
		r.mu.RLock()
		b := r.backends[name]
		c := r.circuits[name]
		r.mu.RUnlock()

		health := r.probe(ctx, b)
		c.record(r.nowFn(), health)
		results[name] = health
	}
	return results
}

// InvalidateHealth forces a re-probe for one backend, or for all when name
// is empty. Invalidation also lifts an open circuit so an operator can pull
// a repaired backend back into rotation immediately.
func (r *Registry) InvalidateHealth(name string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name != "" {
		if c, ok := r.circuits[name]; ok {
			c.invalidate()
		}
		return
	}
	for _, c := range r.circuits {
		c.invalidate()
	}
}

// CircuitStates snapshots every breaker.
func (r *Registry) CircuitStates() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]CircuitState, len(r.circuits))
	for name, c := range r.circuits {
		states[name] = c.snapshot()
	}
	return states
}

// probe runs one bounded health check.
func (r *Registry) probe(ctx context.Context, b Backend) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	return b.Health(ctx)
}
