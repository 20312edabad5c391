// Package backends defines the streaming chat contract every LLM backend
// implements, the registry that names them, and the fallback chain that
// selects a healthy one per request.
package backends

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// Backend is a stream-producing adapter for one LLM provider. Implementations
// must be safe for concurrent use; the gateway shares one instance across
// requests.
type Backend interface {
	// Name identifies the backend in config, the chain, and logs.
	Name() string

	// SupportsNativeTools reports whether the backend emits structured
	// tool_call events. When false, tool calls arrive embedded in assistant
	// text as <tool_call> XML and the loop parses them out.
	SupportsNativeTools() bool

	// DefaultModel is used when a request does not name a model.
	DefaultModel() string

	// StreamChat opens a chat stream. Events arrive on the returned channel
	// in order; a done event is terminal and the channel is closed after it.
	// Errors before the stream opens are returned directly.
	StreamChat(ctx context.Context, messages []models.Message, opts models.RequestOptions) (<-chan models.StreamEvent, error)

	// Health probes the backend with a bounded check.
	Health(ctx context.Context) HealthStatus
}

// HealthStatus is the outcome of one health probe.
type HealthStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Options configures one backend instance from its config entry.
type Options struct {
	// Name overrides the variant's default instance name, letting two
	// entries of the same variant coexist in the chain.
	Name string

	BaseURL string
	APIKey  string
	Model   string

	// NativeTools forces the tool-capability flag for variants where it
	// depends on the deployed model (openai-compatible servers).
	NativeTools *bool

	// Region only applies to the bedrock variant.
	Region string

	// Extra carries variant-specific settings from config.
	Extra map[string]any
}

// Factory constructs a backend variant from its options.
type Factory func(opts Options) (Backend, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory installs a variant constructor under a type name. Called
// from init functions at boot; the loop never dispatches by string.
func RegisterFactory(typ string, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[typ] = f
}

// Build constructs a backend of the given variant type.
func Build(typ string, opts Options) (Backend, error) {
	factoryMu.RLock()
	f, ok := factories[typ]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no factory for type %q", ErrUnknownBackend, typ)
	}
	return f(opts)
}

// FactoryTypes lists the registered variant types, sorted.
func FactoryTypes() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// stringExtra reads a string-valued setting out of an Extra map.
func stringExtra(extra map[string]any, key string) string {
	if v, ok := extra[key].(string); ok {
		return v
	}
	return ""
}
