package backends

import (
	"sync"
	"time"
)

// Circuit breaker thresholds. Two consecutive failures open the circuit
// briefly; four open it for long enough that a flapping backend stops
// burning probe budget. Any success closes it.
const (
	circuitShortThreshold = 2
	circuitLongThreshold  = 4

	circuitShortOpen = 30 * time.Second
	circuitLongOpen  = 2 * time.Minute
)

// CircuitState is the published view of one backend's breaker.
type CircuitState struct {
	HealthyAt           time.Time `json:"healthy_at,omitempty"`
	UnhealthyAt         time.Time `json:"unhealthy_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenUntil           time.Time `json:"open_until,omitempty"`
}

// Open reports whether the circuit is open (backend skipped) at now.
func (s CircuitState) Open(now time.Time) bool {
	return now.Before(s.OpenUntil)
}

// circuit tracks consecutive failures and the open window for one backend.
type circuit struct {
	mu    sync.Mutex
	state CircuitState

	// cached health probe result
	health     HealthStatus
	healthAt   time.Time
	healthTTL  time.Duration
	hasHealth  bool
	forceProbe bool
}

func newCircuit(healthTTL time.Duration) *circuit {
	if healthTTL <= 0 {
		healthTTL = 5 * time.Second
	}
	return &circuit{healthTTL: healthTTL}
}

// open reports whether the breaker currently rejects the backend.
func (c *circuit) open(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Open(now)
}

// cachedHealth returns the fresh cached probe result, if any.
func (c *circuit) cachedHealth(now time.Time) (HealthStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.forceProbe || !c.hasHealth {
		return HealthStatus{}, false
	}
	if now.Sub(c.healthAt) >= c.healthTTL {
		return HealthStatus{}, false
	}
	return c.health, true
}

// record stores a probe outcome, advancing the breaker.
func (c *circuit) record(now time.Time, health HealthStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.health = health
	c.healthAt = now
	c.hasHealth = true
	c.forceProbe = false

	if health.OK {
		c.state.HealthyAt = now
		c.state.ConsecutiveFailures = 0
		c.state.OpenUntil = time.Time{}
		return
	}

	c.state.UnhealthyAt = now
	c.state.ConsecutiveFailures++
	switch {
	case c.state.ConsecutiveFailures >= circuitLongThreshold:
		c.state.OpenUntil = now.Add(circuitLongOpen)
	case c.state.ConsecutiveFailures >= circuitShortThreshold:
		c.state.OpenUntil = now.Add(circuitShortOpen)
	}
}

// invalidate drops the cached health and lifts the open window so the next
// selection re-probes the backend. The failure count survives: if the probe
// fails again the circuit reopens immediately.
func (c *circuit) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceProbe = true
	c.hasHealth = false
	c.state.OpenUntil = time.Time{}
}

// snapshot copies the published state.
func (c *circuit) snapshot() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
