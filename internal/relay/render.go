package relay

import (
	"fmt"
	"strings"

	"github.com/twistedxcom/ccrelay/internal/channel"
	"github.com/twistedxcom/ccrelay/internal/transcript"
)

const (
	// partLimit leaves headroom under the channel's 4096 limit for
	// formatting escapes and part suffixes.
	partLimit = 3000

	maxUserEcho    = 3000
	maxThinkingLen = 500
)

// BuildResponseParts renders an event's text into channel-sized message
// parts. Multi-part messages get an [i/n] suffix.
func BuildResponseParts(text, contentType, role string) []string {
	text = strings.TrimSpace(text)

	// User-authored messages echo back with a marker, never split. Tool
	// results share the user role but are agent plumbing, not an echo.
	if role == "user" && contentType == transcript.ContentUser {
		r := []rune(text)
		if len(r) > maxUserEcho {
			text = string(r[:maxUserEcho]) + "…"
		}
		return []string{"👤 " + text}
	}

	prefix := ""
	switch contentType {
	case transcript.ContentToolError:
		prefix = "❌ "
	case transcript.ContentThinking:
		r := []rune(text)
		if len(r) > maxThinkingLen {
			text = string(r[:maxThinkingLen]) + "\n\n… (thinking truncated)"
		}
		prefix = "∴ Thinking…\n"
	}

	chunks := channel.SplitMessage(text, partLimit-len([]rune(prefix)))
	if len(chunks) == 1 {
		return []string{prefix + chunks[0]}
	}

	parts := make([]string, len(chunks))
	for i, chunk := range chunks {
		parts[i] = fmt.Sprintf("%s%s\n\n[%d/%d]", prefix, chunk, i+1, len(chunks))
	}
	return parts
}
