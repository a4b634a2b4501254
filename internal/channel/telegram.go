package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/twistedxcom/ccrelay/internal/logging"
)

var chanLog = logging.ForComponent(logging.CompChannel)

// Telegram is the Bot API implementation of Client. It talks to the API
// directly over HTTP; no bot framework sits in between.
type Telegram struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewTelegram creates a client for the given bot token.
func NewTelegram(token string) *Telegram {
	return &Telegram{
		token:   token,
		baseURL: "https://api.telegram.org",
		http:    &http.Client{Timeout: 65 * time.Second},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (t *Telegram) call(ctx context.Context, method string, payload any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", method, err)
	}
	if !out.OK {
		return &out, fmt.Errorf("%s: %s", method, out.Description)
	}
	return &out, nil
}

func keyboardMarkup(kb Keyboard) map[string]any {
	if kb == nil {
		return nil
	}
	rows := make([][]map[string]string, len(kb))
	for i, row := range kb {
		for _, b := range row {
			rows[i] = append(rows[i], map[string]string{
				"text":          b.Text,
				"callback_data": b.Data,
			})
		}
	}
	return map[string]any{"inline_keyboard": rows}
}

// isParseError matches the Bot API's entity-parsing rejections.
func isParseError(desc string) bool {
	return strings.Contains(desc, "can't parse entities")
}

// Send delivers a message, trying Markdown formatting first and falling
// back to plain text when the API rejects the entities.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string, kb Keyboard) (int64, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	if markup := keyboardMarkup(kb); markup != nil {
		payload["reply_markup"] = markup
	}

	resp, err := t.call(ctx, "sendMessage", payload)
	if err != nil && resp != nil && isParseError(resp.Description) {
		chanLog.Debug("markdown_rejected_falling_back", slog.Int64("chat", chatID))
		delete(payload, "parse_mode")
		resp, err = t.call(ctx, "sendMessage", payload)
	}
	if err != nil {
		return 0, err
	}

	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &msg); err != nil {
		return 0, fmt.Errorf("sendMessage: decode result: %w", err)
	}
	return msg.MessageID, nil
}

// Edit replaces a message's text in place. Editing to identical content
// returns ErrNotModified.
func (t *Telegram) Edit(ctx context.Context, chatID int64, messageID int64, text string, kb Keyboard) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	if markup := keyboardMarkup(kb); markup != nil {
		payload["reply_markup"] = markup
	}

	resp, err := t.call(ctx, "editMessageText", payload)
	if err != nil && resp != nil {
		if strings.Contains(resp.Description, "message is not modified") {
			return ErrNotModified
		}
		if isParseError(resp.Description) {
			delete(payload, "parse_mode")
			_, err = t.call(ctx, "editMessageText", payload)
		}
	}
	return err
}

// Delete removes a message.
func (t *Telegram) Delete(ctx context.Context, chatID int64, messageID int64) error {
	_, err := t.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	return err
}

// SendTyping shows the "typing…" chat action.
func (t *Telegram) SendTyping(ctx context.Context, chatID int64) error {
	_, err := t.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	})
	return err
}

// Update is one inbound Bot API update: a user message or a keyboard
// callback.
type Update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Message *struct {
			MessageID int64 `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
		Data string `json:"data"`
	} `json:"callback_query"`
}

// GetUpdates long-polls the Bot API for updates past the given offset.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	resp, err := t.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         50,
		"allowed_updates": []string{"message", "callback_query"},
	})
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("getUpdates: decode result: %w", err)
	}
	return updates, nil
}

// AnswerCallback acknowledges a keyboard press so the client stops
// showing its spinner.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	_, err := t.call(ctx, "answerCallbackQuery", payload)
	return err
}
