package backends

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/backoff"
	"github.com/haasonsaas/relay/internal/convert"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

func init() {
	RegisterFactory("openai", func(opts Options) (Backend, error) {
		return NewOpenAIBackend(opts)
	})
}

// OpenAIBackend streams chat completions from OpenAI or any API-compatible
// server (vLLM, LiteLLM, OpenRouter) when BaseURL points elsewhere. Whether
// the upstream honors native tool definitions is configurable because
// compatible servers frequently do not.
type OpenAIBackend struct {
	client      *openai.Client
	name        string
	model       string
	nativeTools bool
	maxRetries  int
	retry       backoff.Policy
}

// NewOpenAIBackend builds an OpenAI backend from registry options.
func NewOpenAIBackend(opts Options) (*OpenAIBackend, error) {
	if opts.APIKey == "" && strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("openai: API key is required")
	}

	name := opts.Name
	if name == "" {
		name = "openai"
	}
	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	clientConfig := openai.DefaultConfig(opts.APIKey)
	if strings.TrimSpace(opts.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	}

	nativeTools := true
	if opts.NativeTools != nil {
		nativeTools = *opts.NativeTools
	}

	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientConfig),
		name:        name,
		model:       model,
		nativeTools: nativeTools,
		maxRetries:  3,
		retry:       backoff.Default(),
	}, nil
}

func (b *OpenAIBackend) Name() string              { return b.name }
func (b *OpenAIBackend) SupportsNativeTools() bool { return b.nativeTools }
func (b *OpenAIBackend) DefaultModel() string      { return b.model }

// Health validates configuration. Chat-completions upstreams have no
// standard probe endpoint shared by every compatible server.
func (b *OpenAIBackend) Health(ctx context.Context) HealthStatus {
	if err := ctx.Err(); err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	if b.client == nil {
		return HealthStatus{OK: false, Detail: "client not configured"}
	}
	return HealthStatus{OK: true, Detail: "configured"}
}

// StreamChat opens a streaming completion and returns its event channel.
func (b *OpenAIBackend) StreamChat(ctx context.Context, messages []models.Message, opts models.RequestOptions) (<-chan models.StreamEvent, error) {
	model := opts.Model
	if model == "" {
		model = b.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convert.ToOpenAI(messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if opts.MaxTokens > 0 {
		chatReq.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		chatReq.Temperature = float32(opts.Temperature)
	}
	if b.nativeTools && len(opts.Tools) > 0 {
		chatReq.Tools = convert.ToOpenAITools(opts.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, b.retry, attempt); err != nil {
				return nil, err
			}
		}

		stream, lastErr = b.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !Retryable(b.wrapError(lastErr, model)) {
			return nil, b.wrapError(lastErr, model)
		}
	}
	if lastErr != nil {
		return nil, b.wrapError(lastErr, model)
	}

	events := make(chan models.StreamEvent)
	go b.processStream(ctx, stream, events)
	return events, nil
}

func (b *OpenAIBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- models.StreamEvent) {
	defer close(events)
	defer stream.Close()

	// Tool calls arrive as fragments keyed by index; they are assembled
	// here and emitted when the upstream declares them complete.
	pending := make(map[int]*partialToolCall)
	sawToolCall := false
	var usage *models.Usage

	flush := func() {
		for _, pc := range sortedPartials(pending) {
			if pc.id == "" || pc.name == "" {
				continue
			}
			events <- models.ToolCallEvent(models.ToolCall{
				ID:        pc.id,
				Name:      pc.name,
				Arguments: parseToolInput(pc.args.String()),
				Provider:  b.name,
			})
			sawToolCall = true
		}
		pending = make(map[int]*partialToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			events <- errorEventFrom(ctx.Err())
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				stop := models.StopEndTurn
				if sawToolCall {
					stop = models.StopToolUse
				}
				events <- models.DoneEvent(stop, usage)
				return
			}
			events <- errorEventFrom(b.wrapError(err, ""))
			return
		}

		if response.Usage != nil {
			usage = &models.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}

		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			events <- models.DeltaEvent(choice.Delta.Content)
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			pc := pending[index]
			if pc == nil {
				pc = &partialToolCall{index: index}
				pending[index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func (b *OpenAIBackend) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsBackendError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		backendErr := NewBackendError(b.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			backendErr = backendErr.WithMessage(apiErr.Message)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			backendErr = backendErr.WithCode(code)
		}
		return backendErr
	}

	return NewBackendError(b.name, model, err)
}

type partialToolCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func sortedPartials(pending map[int]*partialToolCall) []*partialToolCall {
	result := make([]*partialToolCall, 0, len(pending))
	for _, pc := range pending {
		result = append(result, pc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].index < result[j].index })
	return result
}
