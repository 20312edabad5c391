package backends

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/convert"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

func init() {
	RegisterFactory("anthropic", func(opts Options) (Backend, error) {
		return NewAnthropicBackend(opts)
	})
}

// AnthropicBackend streams chat completions from the Anthropic Messages API.
// Safe for concurrent use; every StreamChat call gets its own stream and
// goroutine.
type AnthropicBackend struct {
	client     anthropic.Client
	name       string
	model      string
	maxRetries int
	retry      backoff.Policy
}

// NewAnthropicBackend builds an Anthropic backend from registry options.
func NewAnthropicBackend(opts Options) (*AnthropicBackend, error) {
	if opts.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	name := opts.Name
	if name == "" {
		name = "anthropic"
	}
	model := opts.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &AnthropicBackend{
		client:     anthropic.NewClient(clientOpts...),
		name:       name,
		model:      model,
		maxRetries: 3,
		retry:      backoff.Default(),
	}, nil
}

func (b *AnthropicBackend) Name() string              { return b.name }
func (b *AnthropicBackend) SupportsNativeTools() bool { return true }
func (b *AnthropicBackend) DefaultModel() string      { return b.model }

// Health reports whether the backend is usable. The Messages API has no free
// probe endpoint, so this validates configuration only; request failures feed
// the circuit breaker through the registry instead.
func (b *AnthropicBackend) Health(ctx context.Context) HealthStatus {
	if err := ctx.Err(); err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	return HealthStatus{OK: true, Detail: "configured"}
}

// StreamChat opens a streaming completion and returns its event channel. The
// channel is closed when the stream ends; errors arrive as error events.
func (b *AnthropicBackend) StreamChat(ctx context.Context, messages []models.Message, opts models.RequestOptions) (<-chan models.StreamEvent, error) {
	model := opts.Model
	if model == "" {
		model = b.model
	}

	system, converted, err := convert.ToAnthropic(messages)
	if err != nil {
		return nil, NewBackendError(b.name, model, err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokensOrDefault(opts.MaxTokens)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if len(opts.Tools) > 0 {
		tools, err := convert.ToAnthropicTools(opts.Tools)
		if err != nil {
			return nil, NewBackendError(b.name, model, err)
		}
		params.Tools = tools
	}

	events := make(chan models.StreamEvent)
	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; attempt <= b.maxRetries; attempt++ {
			stream = b.client.Messages.NewStreaming(ctx, params)
			err = stream.Err()
			if err == nil {
				break
			}

			wrapped := b.wrapError(err, model)
			if !Retryable(wrapped) {
				events <- errorEventFrom(wrapped)
				return
			}
			if attempt < b.maxRetries {
				if err := backoff.Sleep(ctx, b.retry, attempt+1); err != nil {
					events <- errorEventFrom(err)
					return
				}
			}
		}
		if err != nil {
			events <- errorEventFrom(b.wrapError(err, model))
			return
		}

		b.processStream(stream, events, model)
	}()

	return events, nil
}

func (b *AnthropicBackend) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- models.StreamEvent, model string) {
	var currentCall *models.ToolCall
	var currentInput strings.Builder
	sawToolCall := false

	usage := &models.Usage{}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &models.ToolCall{
					ID:       toolUse.ID,
					Name:     toolUse.Name,
					Provider: b.name,
				}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- models.DeltaEvent(delta.Text)
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Arguments = parseToolInput(currentInput.String())
				events <- models.ToolCallEvent(*currentCall)
				sawToolCall = true
				currentCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			stop := models.StopEndTurn
			if sawToolCall {
				stop = models.StopToolUse
			}
			events <- models.DoneEvent(stop, usage)
			return

		case "error":
			events <- errorEventFrom(b.wrapError(errors.New("stream error"), model))
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- errorEventFrom(b.wrapError(err, model))
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *AnthropicBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsBackendError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		backendErr := NewBackendError(b.name, model, err).WithStatus(apiErr.StatusCode)
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					backendErr = backendErr.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					backendErr = backendErr.WithCode(payload.Error.Type)
				}
			}
		}
		return backendErr
	}

	return NewBackendError(b.name, model, err)
}

// parseToolInput decodes accumulated tool-input JSON. Unparseable input is
// preserved under a raw key so the call still reaches the executor.
func parseToolInput(input string) map[string]any {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return map[string]any{"raw": trimmed}
	}
	return args
}

func maxTokensOrDefault(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

func errorEventFrom(err error) models.StreamEvent {
	if backendErr, ok := AsBackendError(err); ok {
		return models.ErrorEvent(string(backendErr.Reason), backendErr.Error())
	}
	return models.ErrorEvent(string(ReasonUnknown), err.Error())
}
