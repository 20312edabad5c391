package convert

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/relay/pkg/models"
)

// ToAnthropic converts a normalized conversation into Anthropic message
// params. System messages are extracted into the returned prompt string; a
// tool-role message becomes a user message holding one tool_result block; an
// assistant message with calls becomes text plus tool_use blocks.
func ToAnthropic(messages []models.Message) (string, []anthropic.MessageParam, error) {
	system, rest := SplitSystem(messages)

	var result []anthropic.MessageParam
	for _, msg := range rest {
		var content []anthropic.ContentBlockParamUnion

		switch msg.Role {
		case models.RoleTool:
			isError := false
			if erroredToolMessage(msg.Content) {
				isError = true
			}
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError))

		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}

		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
		}

		// A message with no blocks is dropped; the API rejects empty content.
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return system, result, nil
}

// ToAnthropicTools converts tool schemas to Anthropic tool definitions.
func ToAnthropicTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaOrEmpty(tool.InputSchema), &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		if tool.Description != "" {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

// erroredToolMessage reports whether a tool-role message carries a failure.
// Failed results render as "Error: ..." text, which the tool_result block
// marks with is_error so models treat it as such.
func erroredToolMessage(content string) bool {
	return len(content) >= 6 && content[:6] == "Error:"
}
