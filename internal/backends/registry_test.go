package backends

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

type fakeBackend struct {
	name    string
	healthy atomic.Bool
	probes  atomic.Int32
}

func newFakeBackend(name string, healthy bool) *fakeBackend {
	f := &fakeBackend{name: name}
	f.healthy.Store(healthy)
	return f
}

func (f *fakeBackend) Name() string              { return f.name }
func (f *fakeBackend) SupportsNativeTools() bool { return true }
func (f *fakeBackend) DefaultModel() string      { return "fake-model" }

func (f *fakeBackend) StreamChat(ctx context.Context, messages []models.Message, opts models.RequestOptions) (<-chan models.StreamEvent, error) {
	ch := make(chan models.StreamEvent, 2)
	ch <- models.DeltaEvent("ok")
	ch <- models.DoneEvent(models.StopEndTurn, nil)
	close(ch)
	return ch, nil
}

func (f *fakeBackend) Health(ctx context.Context) HealthStatus {
	f.probes.Add(1)
	if f.healthy.Load() {
		return HealthStatus{OK: true}
	}
	return HealthStatus{OK: false, Detail: "down"}
}

// testRegistry builds a registry with a controllable clock.
func testRegistry(t *testing.T, chain []string, backends ...*fakeBackend) (*Registry, *time.Time) {
	t.Helper()
	r := NewRegistry(RegistryConfig{Chain: chain})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.nowFn = func() time.Time { return now }
	for _, b := range backends {
		r.Add(b)
	}
	return r, &now
}

func TestGetHealthyWalksChain(t *testing.T) {
	a := newFakeBackend("a", false)
	b := newFakeBackend("b", true)
	r, _ := testRegistry(t, []string{"a", "b"}, a, b)

	got, err := r.GetHealthy(context.Background())
	if err != nil {
		t.Fatalf("GetHealthy: %v", err)
	}
	if got.Name() != "b" {
		t.Errorf("selected %q, want b", got.Name())
	}
	if r.LastHealthy() != "b" {
		t.Errorf("LastHealthy = %q, want b", r.LastHealthy())
	}
}

func TestGetHealthyExhaustedChain(t *testing.T) {
	a := newFakeBackend("a", false)
	r, _ := testRegistry(t, []string{"a"}, a)

	_, err := r.GetHealthy(context.Background())
	if !errors.Is(err, ErrNoHealthyBackend) {
		t.Errorf("err = %v, want ErrNoHealthyBackend", err)
	}
}

func TestGetUnknownBackend(t *testing.T) {
	r, _ := testRegistry(t, nil, newFakeBackend("a", true))
	if _, err := r.Get("nope"); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
	if _, err := r.Get("a"); err != nil {
		t.Errorf("Get(a): %v", err)
	}
}

func TestHealthProbeCached(t *testing.T) {
	a := newFakeBackend("a", true)
	r, now := testRegistry(t, []string{"a"}, a)

	for i := 0; i < 3; i++ {
		if _, err := r.GetHealthy(context.Background()); err != nil {
			t.Fatalf("GetHealthy #%d: %v", i, err)
		}
	}
	if got := a.probes.Load(); got != 1 {
		t.Errorf("probes = %d, want 1 (cached within TTL)", got)
	}

	*now = now.Add(6 * time.Second)
	if _, err := r.GetHealthy(context.Background()); err != nil {
		t.Fatalf("GetHealthy after TTL: %v", err)
	}
	if got := a.probes.Load(); got != 2 {
		t.Errorf("probes = %d, want 2 (re-probed after TTL)", got)
	}
}

func TestCircuitOpensAfterTwoFailures(t *testing.T) {
	a := newFakeBackend("a", false)
	r, now := testRegistry(t, []string{"a"}, a)

	// First failed probe: circuit stays closed.
	r.GetHealthy(context.Background())
	if got := a.probes.Load(); got != 1 {
		t.Fatalf("probes = %d, want 1", got)
	}

	// Second failed probe after the cache expires opens the circuit.
	*now = now.Add(6 * time.Second)
	r.GetHealthy(context.Background())
	if got := a.probes.Load(); got != 2 {
		t.Fatalf("probes = %d, want 2", got)
	}

	state := r.CircuitStates()["a"]
	if state.ConsecutiveFailures != 2 {
		t.Errorf("failures = %d, want 2", state.ConsecutiveFailures)
	}
	wantOpen := now.Add(30 * time.Second)
	if !state.OpenUntil.Equal(wantOpen) {
		t.Errorf("OpenUntil = %v, want %v", state.OpenUntil, wantOpen)
	}

	// While open the backend is skipped without probing.
	*now = now.Add(10 * time.Second)
	if _, err := r.GetHealthy(context.Background()); !errors.Is(err, ErrNoHealthyBackend) {
		t.Errorf("err = %v, want ErrNoHealthyBackend", err)
	}
	if got := a.probes.Load(); got != 2 {
		t.Errorf("probes = %d, want 2 (no probe while open)", got)
	}

	// After the window expires the backend is probed again.
	*now = now.Add(25 * time.Second)
	r.GetHealthy(context.Background())
	if got := a.probes.Load(); got != 3 {
		t.Errorf("probes = %d, want 3 (re-probed after window)", got)
	}
}

func TestCircuitLongOpenAfterFourFailures(t *testing.T) {
	a := newFakeBackend("a", false)
	r, now := testRegistry(t, []string{"a"}, a)

	for i := 0; i < 4; i++ {
		r.InvalidateHealth("a")
		r.GetHealthy(context.Background())
		*now = now.Add(time.Second)
	}

	state := r.CircuitStates()["a"]
	if state.ConsecutiveFailures != 4 {
		t.Fatalf("failures = %d, want 4", state.ConsecutiveFailures)
	}
	openFor := state.OpenUntil.Sub(*now)
	if openFor < 2*time.Minute-2*time.Second {
		t.Errorf("open window = %v, want ~2m", openFor)
	}
}

func TestInvalidateLiftsOpenCircuit(t *testing.T) {
	a := newFakeBackend("a", false)
	r, now := testRegistry(t, []string{"a"}, a)

	r.GetHealthy(context.Background())
	*now = now.Add(6 * time.Second)
	r.GetHealthy(context.Background())
	if !r.CircuitStates()["a"].Open(*now) {
		t.Fatal("circuit should be open after two failures")
	}

	// Operator repairs the backend and invalidates; selection recovers
	// without waiting out the window.
	a.healthy.Store(true)
	r.InvalidateHealth("a")

	got, err := r.GetHealthy(context.Background())
	if err != nil {
		t.Fatalf("GetHealthy after invalidate: %v", err)
	}
	if got.Name() != "a" {
		t.Errorf("selected %q, want a", got.Name())
	}
	state := r.CircuitStates()["a"]
	if state.ConsecutiveFailures != 0 {
		t.Errorf("failures = %d, want 0 after success", state.ConsecutiveFailures)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	a := newFakeBackend("a", true)
	r, now := testRegistry(t, []string{"a"}, a)

	r.GetHealthy(context.Background())

	// One failure after a success leaves the circuit closed.
	a.healthy.Store(false)
	*now = now.Add(6 * time.Second)
	r.GetHealthy(context.Background())
	if r.CircuitStates()["a"].Open(*now) {
		t.Error("circuit open after a single failure")
	}
}

func TestHealthCheckAllBypassesCache(t *testing.T) {
	a := newFakeBackend("a", true)
	b := newFakeBackend("b", false)
	r, _ := testRegistry(t, []string{"a", "b"}, a, b)

	results := r.HealthCheckAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results["a"].OK || results["b"].OK {
		t.Errorf("results = %+v", results)
	}

	// A second sweep probes again even though the cache is fresh.
	r.HealthCheckAll(context.Background())
	if got := a.probes.Load(); got != 2 {
		t.Errorf("probes = %d, want 2", got)
	}
}

func TestSetChainDropsUnknownNames(t *testing.T) {
	a := newFakeBackend("a", true)
	b := newFakeBackend("b", true)
	r, _ := testRegistry(t, []string{"a", "b"}, a, b)

	r.SetChain([]string{"b", "ghost", "a"})
	got := r.Chain()
	if len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Errorf("chain = %v, want [b a]", got)
	}
}

func TestBuildRegisteredFactories(t *testing.T) {
	backend, err := Build("local", Options{BaseURL: "http://localhost:11434", Model: "llama3"})
	if err != nil {
		t.Fatalf("Build(local): %v", err)
	}
	if backend.Name() != "local" {
		t.Errorf("name = %q", backend.Name())
	}
	if backend.SupportsNativeTools() {
		t.Error("local backend should not claim native tools by default")
	}

	if _, err := Build("carrier-pigeon", Options{}); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("err = %v, want ErrUnknownBackend", err)
	}
}
