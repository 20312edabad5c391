package loop

import (
	"os"
	"strconv"
	"sync"
)

// EnvMaxToolCalls is the environment fallback for the tool budget when
// neither the request nor the worker registry sets one.
const EnvMaxToolCalls = "RELAY_MAX_TOOL_CALLS"

// Tool budget bounds. A configured budget is clamped into this range;
// zero means unlimited and is never clamped.
const (
	minToolBudget = 1
	maxToolBudget = 50
)

// WorkerLimits is the process-wide registry of per-worker tool budgets,
// fed from config and from context packs as leaders delegate work.
type WorkerLimits struct {
	mu     sync.RWMutex
	limits map[string]int
}

// NewWorkerLimits builds an empty limit registry.
func NewWorkerLimits() *WorkerLimits {
	return &WorkerLimits{limits: make(map[string]int)}
}

// Set records a worker's tool budget. Non-positive limits clear the
// entry.
func (l *WorkerLimits) Set(workerID string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.limits, workerID)
		return
	}
	l.limits[workerID] = limit
}

// Get returns a worker's budget, if one is registered.
func (l *WorkerLimits) Get(workerID string) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	limit, ok := l.limits[workerID]
	return limit, ok
}

// Snapshot copies the current limit table, for status endpoints.
func (l *WorkerLimits) Snapshot() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.limits))
	for k, v := range l.limits {
		out[k] = v
	}
	return out
}

// ResolveLimit decides the tool budget for a request: an explicit
// request value wins, then the worker's registered limit, then the
// environment default. Zero means unlimited. Positive budgets are
// clamped to [1, 50].
func ResolveLimit(explicit int, workerID string, limits *WorkerLimits) int {
	if explicit > 0 {
		return clampBudget(explicit)
	}
	if workerID != "" && limits != nil {
		if limit, ok := limits.Get(workerID); ok && limit > 0 {
			return clampBudget(limit)
		}
	}
	if env := os.Getenv(EnvMaxToolCalls); env != "" {
		if limit, err := strconv.Atoi(env); err == nil && limit > 0 {
			return clampBudget(limit)
		}
	}
	return 0
}

func clampBudget(n int) int {
	if n < minToolBudget {
		return minToolBudget
	}
	if n > maxToolBudget {
		return maxToolBudget
	}
	return n
}
