package convert

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/relay/pkg/models"
)

// ToBedrock converts a normalized conversation into Bedrock Converse
// messages plus the separate system blocks the API wants.
func ToBedrock(messages []models.Message) ([]types.SystemContentBlock, []types.Message, error) {
	system, rest := SplitSystem(messages)

	var systemBlocks []types.SystemContentBlock
	if system != "" {
		systemBlocks = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}

	result := make([]types.Message, 0, len(rest))
	for _, msg := range rest {
		var content []types.ContentBlock

		switch msg.Role {
		case models.RoleTool:
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
				},
			})

		case models.RoleAssistant:
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := any(tc.Arguments)
				if tc.Arguments == nil {
					input = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(input),
					},
				})
			}

		default:
			if msg.Content != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
			}
		}

		if len(content) == 0 {
			continue
		}

		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{
			Role:    role,
			Content: content,
		})
	}

	return systemBlocks, result, nil
}

// ToBedrockTools converts tool schemas to a Bedrock tool configuration.
func ToBedrockTools(tools []models.ToolSchema) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(schemaOrEmpty(tool.InputSchema), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}
