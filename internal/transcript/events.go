package transcript

import (
	"encoding/json"
	"fmt"
	"strings"
)

// primaryToolArg names, per tool, the input field worth showing inline.
var primaryToolArg = map[string]string{
	"Bash":      "command",
	"Read":      "file_path",
	"Write":     "file_path",
	"Edit":      "file_path",
	"Glob":      "pattern",
	"Grep":      "pattern",
	"WebFetch":  "url",
	"WebSearch": "query",
	"Task":      "description",
}

// Events expands a decoded entry into the ordered relay events it carries.
// Summary and meta records carry none; assistant records yield one event
// per content block so tool invocations and text stay separate messages.
func (e *Entry) Events(sessionID string) []Event {
	if e.Type != "user" && e.Type != "assistant" {
		return nil
	}
	if e.IsMeta {
		return nil
	}

	var events []Event
	switch e.Type {
	case "assistant":
		for _, b := range e.blocks {
			switch b.Type {
			case "text":
				if strings.TrimSpace(b.Text) == "" {
					continue
				}
				events = append(events, Event{
					SessionID:   sessionID,
					Text:        b.Text,
					IsComplete:  true,
					ContentType: ContentText,
					Role:        "assistant",
				})
			case "thinking":
				if strings.TrimSpace(b.Thinking) == "" {
					continue
				}
				events = append(events, Event{
					SessionID:   sessionID,
					Text:        b.Thinking,
					IsComplete:  true,
					ContentType: ContentThinking,
					Role:        "assistant",
				})
			case "tool_use":
				events = append(events, Event{
					SessionID:   sessionID,
					Text:        renderToolUse(b.Name, b.Input),
					IsComplete:  true,
					ContentType: ContentToolUse,
					Role:        "assistant",
					ToolUseID:   b.ID,
					ToolName:    b.Name,
				})
			}
		}
		// Plain-string assistant content, rare but legal.
		if len(events) == 0 && strings.TrimSpace(e.text) != "" && len(e.blocks) == 0 {
			events = append(events, Event{
				SessionID:   sessionID,
				Text:        e.text,
				IsComplete:  true,
				ContentType: ContentText,
				Role:        "assistant",
			})
		}
	case "user":
		for _, b := range e.blocks {
			if b.Type != "tool_result" {
				continue
			}
			ct := ContentToolResult
			if b.IsError {
				ct = ContentToolError
			}
			events = append(events, Event{
				SessionID:   sessionID,
				Text:        flattenResult(b.Content),
				IsComplete:  true,
				ContentType: ct,
				Role:        "user",
				ToolUseID:   b.ToolUseID,
			})
		}
		if len(events) == 0 && e.IsUserMessage() {
			events = append(events, Event{
				SessionID:   sessionID,
				Text:        e.text,
				IsComplete:  true,
				ContentType: ContentUser,
				Role:        "user",
			})
		}
	}
	return events
}

// renderToolUse produces the one-line label shown for a tool invocation,
// e.g. "🔧 Bash: ls -la".
func renderToolUse(name string, input json.RawMessage) string {
	label := fmt.Sprintf("🔧 %s", name)
	field, ok := primaryToolArg[name]
	if !ok || len(input) == 0 {
		return label
	}
	var args map[string]any
	if json.Unmarshal(input, &args) != nil {
		return label
	}
	val, _ := args[field].(string)
	val = strings.TrimSpace(val)
	if val == "" {
		return label
	}
	if idx := strings.IndexByte(val, '\n'); idx >= 0 {
		val = val[:idx] + " …"
	}
	return label + ": " + truncateRunes(val, 200)
}

// flattenResult extracts the textual payload of a tool_result content
// field, which may be a string or an array of text blocks.
func flattenResult(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(content, &s) == nil {
		return s
	}
	var blocks []contentBlock
	if json.Unmarshal(content, &blocks) != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
