// Package transcript reads the agent's append-only JSONL conversation
// files and defines the parsed message events the relay consumes.
package transcript

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"strings"
)

// Content types carried by events and parsed messages.
const (
	ContentText         = "text"
	ContentThinking     = "thinking"
	ContentToolUse      = "tool_use"
	ContentToolResult   = "tool_result"
	ContentToolError    = "tool_error"
	ContentLocalCommand = "local_command"
	ContentUser         = "user"
)

// Event is one parsed transcript message, as emitted by the monitor that
// tails the agent's JSONL files.
type Event struct {
	SessionID   string
	Text        string
	IsComplete  bool
	ContentType string
	Role        string
	ToolUseID   string
	ToolName    string
}

// Message is a user- or assistant-authored line rendered for catch-up.
type Message struct {
	Role        string
	Text        string
	ContentType string
	Timestamp   string
}

// entry is the raw JSONL record shape.
type entry struct {
	Type      string `json:"type"`
	Summary   string `json:"summary"`
	IsMeta    bool   `json:"isMeta"`
	Timestamp string `json:"timestamp"`
	Message   struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentBlock is one element of a structured message content array.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Content   json.RawMessage `json:"content"`
}

// Entry is a decoded transcript record.
type Entry struct {
	Type      string
	Summary   string
	IsMeta    bool
	Role      string
	Timestamp string
	text      string
	blocks    []contentBlock
}

// ParseLine decodes one JSONL line. Blank and malformed lines yield nil;
// they are common in live-tailed files and never an error.
func ParseLine(line string) *Entry {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	var raw entry
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil
	}
	e := &Entry{
		Type:      raw.Type,
		Summary:   raw.Summary,
		IsMeta:    raw.IsMeta,
		Role:      raw.Message.Role,
		Timestamp: raw.Timestamp,
	}
	e.text = extractText(raw.Message.Content)
	json.Unmarshal(raw.Message.Content, &e.blocks)
	return e
}

// extractText flattens message content: either a plain string or an array
// of typed blocks, of which only text blocks contribute.
func extractText(content json.RawMessage) string {
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

// IsUserMessage reports whether the entry is a real user-authored message:
// meta records and tool-result carriers do not count.
func (e *Entry) IsUserMessage() bool {
	if e.Type != "user" || e.IsMeta {
		return false
	}
	return strings.TrimSpace(e.text) != ""
}

// Text returns the flattened textual content of the entry.
func (e *Entry) Text() string { return e.text }

// toMessage renders a display message, or nil for entries that carry no
// displayable content (summaries, tool plumbing, meta records).
func (e *Entry) toMessage() *Message {
	text := strings.TrimSpace(e.text)
	if text == "" {
		return nil
	}
	switch e.Type {
	case "user":
		if e.IsMeta {
			return nil
		}
		ct := ContentUser
		// Slash commands echo into the transcript wrapped in command tags.
		if strings.Contains(text, "<command-name>") {
			ct = ContentLocalCommand
		}
		return &Message{Role: "user", Text: text, ContentType: ct, Timestamp: e.Timestamp}
	case "assistant":
		return &Message{Role: "assistant", Text: text, ContentType: ContentText, Timestamp: e.Timestamp}
	default:
		return nil
	}
}

// Summary describes a transcript file after a single-pass scan.
type Summary struct {
	Title        string
	MessageCount int
}

// ScanFile reads a transcript once, extracting the latest inline summary
// record, counting records, and keeping the last user message as a
// fallback title.
func ScanFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		title       string
		lastUserMsg string
		count       int
	)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		count++
		e := ParseLine(line)
		if e == nil {
			continue
		}
		if e.Type == "summary" && e.Summary != "" {
			title = e.Summary
		} else if e.IsUserMessage() {
			lastUserMsg = strings.TrimSpace(e.Text())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	if title == "" {
		title = "Untitled"
		if lastUserMsg != "" {
			title = truncateRunes(lastUserMsg, 50)
		}
	}
	return &Summary{Title: title, MessageCount: count}, nil
}

// ReadMessages returns the displayable messages in a byte range of a
// transcript file. endByte <= 0 means "to end of file".
func ReadMessages(path string, startByte, endByte int64) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if startByte > 0 {
		if _, err := f.Seek(startByte, io.SeekStart); err != nil {
			return nil, err
		}
	}

	var messages []Message
	pos := startByte
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		if endByte > 0 && pos >= endByte {
			break
		}
		line, err := r.ReadString('\n')
		pos += int64(len(line))
		if line != "" {
			if e := ParseLine(line); e != nil {
				if m := e.toMessage(); m != nil {
					messages = append(messages, *m)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return messages, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
