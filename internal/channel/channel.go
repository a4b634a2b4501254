// Package channel abstracts the remote chat side of the relay: sending,
// editing and deleting messages, with inline keyboards for interactive
// prompts. The Telegram implementation lives in telegram.go; the relay
// only sees the Client interface.
package channel

import (
	"context"
	"errors"
	"strings"

	"github.com/mattn/go-runewidth"
)

// MaxMessageLength is the channel's hard per-message limit.
const MaxMessageLength = 4096

// ErrNotModified means an edit carried the same content the message
// already has. Callers treat it as success.
var ErrNotModified = errors.New("message not modified")

// Button is one inline-keyboard button.
type Button struct {
	Text string
	Data string // callback payload
}

// Keyboard is rows of buttons rendered under a message.
type Keyboard [][]Button

// Client sends outbound chat operations. All methods take the chat id of
// the target user. Implementations must fall back to plain text when rich
// formatting is rejected.
type Client interface {
	Send(ctx context.Context, chatID int64, text string, kb Keyboard) (int64, error)
	Edit(ctx context.Context, chatID int64, messageID int64, text string, kb Keyboard) error
	Delete(ctx context.Context, chatID int64, messageID int64) error
	SendTyping(ctx context.Context, chatID int64) error
}

// SplitMessage breaks text into chunks within the channel limit,
// preferring newline boundaries so formatting survives.
func SplitMessage(text string, maxLength int) []string {
	if len([]rune(text)) <= maxLength {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, strings.TrimRight(current.String(), "\n"))
			current.Reset()
			currentLen = 0
		}
	}

	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		if len(runes) > maxLength {
			flush()
			for i := 0; i < len(runes); i += maxLength {
				end := i + maxLength
				if end > len(runes) {
					end = len(runes)
				}
				chunks = append(chunks, string(runes[i:end]))
			}
			continue
		}
		if currentLen+len(runes)+1 > maxLength {
			flush()
		}
		current.WriteString(line)
		current.WriteByte('\n')
		currentLen += len(runes) + 1
	}
	flush()
	return chunks
}

// TruncateLabel fits text into a button or menu label of the given
// display width, accounting for wide CJK runes.
func TruncateLabel(text string, width int) string {
	if runewidth.StringWidth(text) <= width {
		return text
	}
	return runewidth.Truncate(text, width, "…")
}
