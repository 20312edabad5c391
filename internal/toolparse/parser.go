// Package toolparse extracts tool calls embedded in free-form assistant
// text, for backends that lack native tool support.
package toolparse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

// toolCallBlockRe matches a complete <tool_call>...</tool_call> block.
// Tags are case-insensitive and content spans newlines.
var toolCallBlockRe = regexp.MustCompile(`(?is)<tool_call\b[^>]*>(.*?)</tool_call>`)

// namedFormRe matches the canonical inner form:
// <name>NAME</name><arguments>JSON</arguments>.
var namedFormRe = regexp.MustCompile(`(?is)<name>\s*(.*?)\s*</name>\s*<arguments>\s*(.*?)\s*</arguments>`)

// bracketFormRe matches the alternate form some local models emit:
// [TOOL_CALLS]NAME[ARGS]{...}.
var bracketFormRe = regexp.MustCompile(`(?is)\[TOOL_CALLS\]\s*([a-zA-Z0-9_\-.]+)\s*\[ARGS\]\s*(.*)`)

// openTagRe / closeTagRe count tool_call tags for partial detection.
var (
	openTagRe  = regexp.MustCompile(`(?i)<tool_call\b[^>]*>`)
	closeTagRe = regexp.MustCompile(`(?i)</tool_call>`)
)

// Extract pulls every tool-call block out of text. It returns the text with
// the blocks removed and the parsed calls in order of appearance. Malformed
// blocks never fail the parse: unparsable arguments are preserved as
// {"raw": <original>}, and blocks with no recognizable name are skipped.
func Extract(text string) (clean string, calls []models.ToolCall) {
	matches := toolCallBlockRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m[0]])
		last = m[1]

		inner := text[m[2]:m[3]]
		raw := text[m[0]:m[1]]
		if call, ok := parseInner(inner, raw); ok {
			calls = append(calls, call)
		}
	}
	b.WriteString(text[last:])

	return b.String(), calls
}

// Strip removes all tool-call blocks and returns the remaining text only.
func Strip(text string) string {
	clean, _ := Extract(text)
	return clean
}

// HasToolCall reports whether text contains at least one complete block.
func HasToolCall(text string) bool {
	return toolCallBlockRe.MatchString(text)
}

// HasPartialToolCall reports whether text ends inside an unclosed tool-call
// block. The loop uses it to buffer deltas so partial XML never leaks to
// the client. Only tag counts are compared, keeping the check cheap enough
// to run on every delta.
func HasPartialToolCall(text string) bool {
	open := len(openTagRe.FindAllStringIndex(text, -1))
	closed := len(closeTagRe.FindAllStringIndex(text, -1))
	return open > closed
}

// parseInner decodes one block body in either supported grammar.
func parseInner(inner, raw string) (models.ToolCall, bool) {
	if m := namedFormRe.FindStringSubmatch(inner); m != nil {
		return newCall(m[1], m[2], raw), true
	}
	if m := bracketFormRe.FindStringSubmatch(inner); m != nil {
		return newCall(m[1], m[2], raw), true
	}
	return models.ToolCall{}, false
}

func newCall(name, args, raw string) models.ToolCall {
	return models.ToolCall{
		ID:        "xml_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Name:      strings.TrimSpace(name),
		Arguments: parseArguments(args),
		Provider:  "xml",
		Raw:       raw,
	}
}

// parseArguments decodes the argument payload, falling back to {"raw": s}
// when it is not a JSON object so the model can see and retry its output.
func parseArguments(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil || args == nil {
		return map[string]any{"raw": s}
	}
	return args
}
