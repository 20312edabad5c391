package backends

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/relay/internal/convert"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultGeminiModel = "gemini-2.0-flash"

func init() {
	RegisterFactory("gemini", func(opts Options) (Backend, error) {
		return NewGeminiBackend(opts)
	})
}

// GeminiBackend streams chat completions from the Google Gen AI API.
type GeminiBackend struct {
	client *genai.Client
	name   string
	model  string
}

// NewGeminiBackend builds a Gemini backend from registry options.
func NewGeminiBackend(opts Options) (*GeminiBackend, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}

	name := opts.Name
	if name == "" {
		name = "gemini"
	}
	model := opts.Model
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &GeminiBackend{
		client: client,
		name:   name,
		model:  model,
	}, nil
}

func (b *GeminiBackend) Name() string              { return b.name }
func (b *GeminiBackend) SupportsNativeTools() bool { return true }
func (b *GeminiBackend) DefaultModel() string      { return b.model }

// Health validates the client configuration.
func (b *GeminiBackend) Health(ctx context.Context) HealthStatus {
	if err := ctx.Err(); err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	if b.client == nil {
		return HealthStatus{OK: false, Detail: "client not configured"}
	}
	return HealthStatus{OK: true, Detail: "configured"}
}

// StreamChat opens a streaming generation and returns its event channel.
func (b *GeminiBackend) StreamChat(ctx context.Context, messages []models.Message, opts models.RequestOptions) (<-chan models.StreamEvent, error) {
	model := opts.Model
	if model == "" {
		model = b.model
	}

	instruction, contents := convert.ToGemini(messages)

	config := &genai.GenerateContentConfig{}
	if instruction != nil {
		config.SystemInstruction = instruction
	}
	if opts.MaxTokens > 0 {
		maxTokens := min(opts.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if opts.Temperature > 0 {
		temp := float32(opts.Temperature)
		config.Temperature = &temp
	}
	if len(opts.Tools) > 0 {
		config.Tools = convert.ToGeminiTools(opts.Tools)
	}

	events := make(chan models.StreamEvent)
	go func() {
		defer close(events)

		sawToolCall := false
		for resp, err := range b.client.Models.GenerateContentStream(ctx, model, contents, config) {
			select {
			case <-ctx.Done():
				events <- errorEventFrom(ctx.Err())
				return
			default:
			}

			if err != nil {
				events <- errorEventFrom(b.wrapError(err, model))
				return
			}
			if resp == nil {
				continue
			}

			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						events <- models.DeltaEvent(part.Text)
					}
					if part.FunctionCall != nil {
						args := part.FunctionCall.Args
						if args == nil {
							args = map[string]any{}
						}
						events <- models.ToolCallEvent(models.ToolCall{
							ID:        geminiCallID(part.FunctionCall.Name),
							Name:      part.FunctionCall.Name,
							Arguments: args,
							Provider:  b.name,
						})
						sawToolCall = true
					}
				}
			}
		}

		stop := models.StopEndTurn
		if sawToolCall {
			stop = models.StopToolUse
		}
		events <- models.DoneEvent(stop, nil)
	}()

	return events, nil
}

func (b *GeminiBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsBackendError(err); ok {
		return err
	}

	backendErr := NewBackendError(b.name, model, err)
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthenticated"):
		backendErr = backendErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403"), strings.Contains(msg, "permission denied"):
		backendErr = backendErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "429"), strings.Contains(msg, "resource exhausted"):
		backendErr = backendErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "503"):
		backendErr = backendErr.WithStatus(http.StatusServiceUnavailable)
	}
	return backendErr
}

// geminiCallID synthesizes a call ID; the API does not assign one.
func geminiCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}
