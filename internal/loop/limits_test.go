package loop

import "testing"

func TestResolveLimitPrecedence(t *testing.T) {
	limits := NewWorkerLimits()
	limits.Set("worker_1", 7)

	// Explicit beats the worker registry.
	if got := ResolveLimit(3, "worker_1", limits); got != 3 {
		t.Errorf("explicit: got %d, want 3", got)
	}
	// Worker registry beats the environment.
	t.Setenv(EnvMaxToolCalls, "20")
	if got := ResolveLimit(0, "worker_1", limits); got != 7 {
		t.Errorf("worker limit: got %d, want 7", got)
	}
	// Environment is the fallback.
	if got := ResolveLimit(0, "worker_2", limits); got != 20 {
		t.Errorf("env: got %d, want 20", got)
	}
	// Nothing set means unlimited.
	t.Setenv(EnvMaxToolCalls, "")
	if got := ResolveLimit(0, "worker_2", limits); got != 0 {
		t.Errorf("default: got %d, want 0", got)
	}
}

func TestResolveLimitClamp(t *testing.T) {
	if got := ResolveLimit(99, "", nil); got != 50 {
		t.Errorf("over cap: got %d, want 50", got)
	}
	if got := ResolveLimit(1, "", nil); got != 1 {
		t.Errorf("floor: got %d, want 1", got)
	}
	// Zero stays zero; unlimited is never clamped up.
	if got := ResolveLimit(0, "", nil); got != 0 {
		t.Errorf("unlimited: got %d, want 0", got)
	}
	// Garbage and non-positive env values are ignored.
	t.Setenv(EnvMaxToolCalls, "not-a-number")
	if got := ResolveLimit(0, "", nil); got != 0 {
		t.Errorf("bad env: got %d, want 0", got)
	}
	t.Setenv(EnvMaxToolCalls, "-5")
	if got := ResolveLimit(0, "", nil); got != 0 {
		t.Errorf("negative env: got %d, want 0", got)
	}
	t.Setenv(EnvMaxToolCalls, "75")
	if got := ResolveLimit(0, "", nil); got != 50 {
		t.Errorf("env over cap: got %d, want 50", got)
	}
}

func TestWorkerLimits(t *testing.T) {
	limits := NewWorkerLimits()

	limits.Set("worker_1", 5)
	if got, ok := limits.Get("worker_1"); !ok || got != 5 {
		t.Errorf("Get = %d, %v; want 5, true", got, ok)
	}
	if _, ok := limits.Get("worker_2"); ok {
		t.Error("Get for an unknown worker should report not found")
	}

	// Non-positive values clear the entry.
	limits.Set("worker_1", 0)
	if _, ok := limits.Get("worker_1"); ok {
		t.Error("Set(0) should clear the limit")
	}

	limits.Set("worker_1", 3)
	limits.Set("worker_2", 9)
	snapshot := limits.Snapshot()
	if len(snapshot) != 2 || snapshot["worker_1"] != 3 || snapshot["worker_2"] != 9 {
		t.Errorf("snapshot = %v", snapshot)
	}

	// The snapshot is a copy.
	snapshot["worker_1"] = 99
	if got, _ := limits.Get("worker_1"); got != 3 {
		t.Errorf("mutating the snapshot leaked: got %d, want 3", got)
	}
}
