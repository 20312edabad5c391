package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/convert"
	"github.com/haasonsaas/relay/pkg/models"
)

func init() {
	RegisterFactory("local", func(opts Options) (Backend, error) {
		return NewLocalBackend(opts)
	})
}

// LocalBackend streams NDJSON chat completions from an Ollama-compatible
// server. Most local models have no native tool protocol, so by default the
// backend advertises tools inside the system prompt and expects calls back
// as tagged text, which the stream parser upstream recovers.
type LocalBackend struct {
	client      *http.Client
	name        string
	baseURL     string
	model       string
	nativeTools bool
}

// NewLocalBackend builds a local backend from registry options.
func NewLocalBackend(opts Options) (*LocalBackend, error) {
	name := opts.Name
	if name == "" {
		name = "local"
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	nativeTools := false
	if opts.NativeTools != nil {
		nativeTools = *opts.NativeTools
	}

	return &LocalBackend{
		client:      &http.Client{Timeout: 2 * time.Minute},
		name:        name,
		baseURL:     baseURL,
		model:       strings.TrimSpace(opts.Model),
		nativeTools: nativeTools,
	}, nil
}

func (b *LocalBackend) Name() string              { return b.name }
func (b *LocalBackend) SupportsNativeTools() bool { return b.nativeTools }
func (b *LocalBackend) DefaultModel() string      { return b.model }

// Health probes the server's tag listing, which is cheap and requires no
// model load.
func (b *LocalBackend) Health(ctx context.Context) HealthStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return HealthStatus{OK: false, Detail: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return HealthStatus{OK: false, Detail: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return HealthStatus{OK: true, Detail: "reachable"}
}

// StreamChat posts a streaming chat request and returns its event channel.
func (b *LocalBackend) StreamChat(ctx context.Context, messages []models.Message, opts models.RequestOptions) (<-chan models.StreamEvent, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = b.model
	}
	if model == "" {
		return nil, NewBackendError(b.name, "", fmt.Errorf("model is required"))
	}

	payload := localChatRequest{
		Model:    model,
		Stream:   true,
		Messages: b.buildMessages(messages, opts.Tools),
	}
	if b.nativeTools && len(opts.Tools) > 0 {
		payload.Tools = convert.ToOpenAITools(opts.Tools)
	}
	options := map[string]any{}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if len(options) > 0 {
		payload.Options = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewBackendError(b.name, model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewBackendError(b.name, model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, NewBackendError(b.name, model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		if readErr != nil {
			return nil, NewBackendError(b.name, model, fmt.Errorf("status %d (read body failed: %w)", resp.StatusCode, readErr)).WithStatus(resp.StatusCode)
		}
		return nil, NewBackendError(b.name, model, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	events := make(chan models.StreamEvent)
	go b.streamResponse(ctx, resp.Body, events, model)
	return events, nil
}

func (b *LocalBackend) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- models.StreamEvent, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64<<10)
	scanner.Buffer(buf, 1<<20)

	emitted := map[string]struct{}{}
	sawToolCall := false
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- errorEventFrom(ctx.Err())
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp localChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- errorEventFrom(NewBackendError(b.name, model, fmt.Errorf("decode response: %w", err)))
			return
		}
		if resp.Error != "" {
			out <- errorEventFrom(NewBackendError(b.name, model, fmt.Errorf("%s", resp.Error)))
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- models.DeltaEvent(resp.Message.Content)
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = uuid.NewString()
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}

				var args map[string]any
				if len(tc.Function.Arguments) > 0 {
					args = parseToolInput(string(tc.Function.Arguments))
				} else {
					args = map[string]any{}
				}
				out <- models.ToolCallEvent(models.ToolCall{
					ID:        callID,
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: args,
					Provider:  b.name,
				})
				sawToolCall = true
			}
		}
		if resp.Done {
			var usage *models.Usage
			if resp.PromptEvalCount > 0 || resp.EvalCount > 0 {
				usage = &models.Usage{
					InputTokens:  resp.PromptEvalCount,
					OutputTokens: resp.EvalCount,
				}
			}
			stop := models.StopEndTurn
			if sawToolCall {
				stop = models.StopToolUse
			}
			out <- models.DoneEvent(stop, usage)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- errorEventFrom(NewBackendError(b.name, model, err))
	}
}

// buildMessages flattens the conversation for the local wire format. When
// native tools are off and tools exist, the system prompt gains the
// available-tools hint plus the tagged call format the parser understands.
func (b *LocalBackend) buildMessages(messages []models.Message, tools []models.ToolSchema) []localChatMessage {
	system, rest := convert.SplitSystem(messages)
	if !b.nativeTools && len(tools) > 0 {
		hint := toolInstructions(tools)
		if system == "" {
			system = hint
		} else {
			system = system + "\n\n" + hint
		}
	}

	result := make([]localChatMessage, 0, len(rest)+1)
	if system != "" {
		result = append(result, localChatMessage{Role: "system", Content: system})
	}

	for _, msg := range rest {
		switch msg.Role {
		case models.RoleAssistant:
			localMsg := localChatMessage{Role: "assistant", Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				localMsg.ToolCalls = make([]localToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					localMsg.ToolCalls[i] = localToolCall{
						ID:   tc.ID,
						Type: "function",
						Function: localToolFunction{
							Name:      tc.Name,
							Arguments: json.RawMessage(tc.ArgumentsJSON()),
						},
					}
				}
			}
			result = append(result, localMsg)
		case models.RoleTool:
			result = append(result, localChatMessage{
				Role:     "tool",
				Content:  msg.Content,
				ToolName: msg.Name,
			})
		default:
			result = append(result, localChatMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}
	return result
}

// toolInstructions renders the prompt block advertising tools to models
// without a native tool protocol.
func toolInstructions(tools []models.ToolSchema) string {
	specs := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		spec := map[string]any{"name": tool.Name}
		if tool.Description != "" {
			spec["description"] = tool.Description
		}
		if len(tool.InputSchema) > 0 {
			spec["parameters"] = json.RawMessage(tool.InputSchema)
		}
		specs = append(specs, spec)
	}
	listing, err := json.Marshal(specs)
	if err != nil {
		listing = []byte("[]")
	}

	var sb strings.Builder
	sb.WriteString("[AVAILABLE_TOOLS]")
	sb.Write(listing)
	sb.WriteString("[/AVAILABLE_TOOLS]\n\n")
	sb.WriteString("To call a tool, reply with exactly one block per call:\n")
	sb.WriteString("<tool_call>\n<name>tool_name</name>\n<arguments>{\"key\": \"value\"}</arguments>\n</tool_call>")
	return sb.String()
}

type localChatRequest struct {
	Model    string             `json:"model"`
	Messages []localChatMessage `json:"messages"`
	Tools    any                `json:"tools,omitempty"`
	Stream   bool               `json:"stream"`
	Options  map[string]any     `json:"options,omitempty"`
}

type localChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []localToolCall `json:"tool_calls,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
}

type localChatResponse struct {
	Message         *localChatMessage `json:"message"`
	Done            bool              `json:"done"`
	Error           string            `json:"error"`
	EvalCount       int               `json:"eval_count"`
	PromptEvalCount int               `json:"prompt_eval_count"`
}

type localToolCall struct {
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function localToolFunction `json:"function"`
}

type localToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
