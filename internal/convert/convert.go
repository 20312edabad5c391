// Package convert translates the normalized conversation format into the
// wire shapes each backend family expects.
package convert

import (
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// SplitSystem removes system messages from the conversation and joins their
// content into a single prompt string. Order is preserved on both sides.
func SplitSystem(messages []models.Message) (string, []models.Message) {
	var system []string
	rest := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			if msg.Content != "" {
				system = append(system, msg.Content)
			}
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

// toolNameForCallID finds which tool a result answers by scanning the
// assistant calls earlier in the conversation.
func toolNameForCallID(callID string, messages []models.Message) string {
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID == callID {
				return tc.Name
			}
		}
	}
	return ""
}
