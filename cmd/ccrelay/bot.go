package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twistedxcom/ccrelay/internal/channel"
	"github.com/twistedxcom/ccrelay/internal/config"
	"github.com/twistedxcom/ccrelay/internal/logging"
	"github.com/twistedxcom/ccrelay/internal/relay"
	"github.com/twistedxcom/ccrelay/internal/state"
	"github.com/twistedxcom/ccrelay/internal/tmux"
)

var botLog = logging.ForComponent(logging.CompChannel)

// selectPrefix marks window-selection keyboard callbacks.
const selectPrefix = "sel:"

// registrationWait bounds how long /new waits for the freshly started
// agent to register its session.
const registrationWait = 30 * time.Second

type bot struct {
	cfg    *config.Config
	tg     *channel.Telegram
	relay  *relay.Relay
	store  *state.Store
	driver *tmux.Client
}

// run is the Telegram update loop. Poll errors back off and retry; the
// Bot API long poll returns normally on timeout with no updates.
func (b *bot) run(ctx context.Context) error {
	var offset int64
	for {
		updates, err := b.tg.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			botLog.Warn("get_updates_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			offset = u.UpdateID + 1
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *bot) handleUpdate(ctx context.Context, u channel.Update) {
	switch {
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u)
	case u.Message != nil:
		b.handleMessage(ctx, u)
	}
}

func (b *bot) handleCallback(ctx context.Context, u channel.Update) {
	cq := u.CallbackQuery
	if !b.cfg.IsUserAllowed(cq.From.ID) {
		b.tg.AnswerCallback(ctx, cq.ID, "Not authorized")
		return
	}

	var err error
	switch {
	case strings.HasPrefix(cq.Data, relay.CallbackPrefix):
		err = b.relay.HandleInteractiveCallback(ctx, cq.From.ID, cq.Data)
	case strings.HasPrefix(cq.Data, selectPrefix):
		err = b.relay.SelectWindow(ctx, cq.From.ID, strings.TrimPrefix(cq.Data, selectPrefix))
	default:
		botLog.Debug("unknown_callback", slog.String("data", cq.Data))
	}
	if err != nil {
		botLog.Warn("callback_failed",
			slog.Int64("user", cq.From.ID), slog.String("error", err.Error()))
		b.tg.AnswerCallback(ctx, cq.ID, "Failed")
		return
	}
	b.tg.AnswerCallback(ctx, cq.ID, "")
}

func (b *bot) handleMessage(ctx context.Context, u channel.Update) {
	msg := u.Message
	userID := msg.From.ID
	if !b.cfg.IsUserAllowed(userID) {
		botLog.Warn("unauthorized_message", slog.Int64("user", userID))
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, userID, text)
		return
	}

	if err := b.relay.ForwardText(ctx, userID, text); err != nil {
		if errors.Is(err, state.ErrNoActiveWindow) {
			b.reply(ctx, userID, "No window selected. Use /list to pick one.")
			return
		}
		botLog.Warn("forward_failed",
			slog.Int64("user", userID), slog.String("error", err.Error()))
		b.reply(ctx, userID, "Failed to reach the window: "+err.Error())
	}
}

func (b *bot) handleCommand(ctx context.Context, userID int64, text string) {
	cmd, arg, _ := strings.Cut(text, " ")
	// Commands arrive as "/cmd" or "/cmd@botname".
	cmd, _, _ = strings.Cut(cmd, "@")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/start":
		b.reply(ctx, userID,
			"Relay for your coding-agent tmux session.\n\n"+
				"/list — pick a window to watch\n"+
				"/new — start a fresh agent window\n"+
				"/use <name> — select a window by name\n"+
				"/esc — send Escape to the agent\n"+
				"/stop — stop watching")
		b.sendWindowList(ctx, userID)
	case "/list":
		b.sendWindowList(ctx, userID)
	case "/new":
		b.createWindow(ctx, userID, arg)
	case "/use":
		if arg == "" {
			b.reply(ctx, userID, "Usage: /use <window name>")
			return
		}
		w, err := b.store.FindWindowFuzzy(ctx, arg)
		if err != nil {
			b.reply(ctx, userID, "No window matching "+arg)
			return
		}
		if err := b.relay.SelectWindow(ctx, userID, w.Name); err != nil {
			botLog.Warn("select_failed",
				slog.Int64("user", userID), slog.String("error", err.Error()))
		}
	case "/esc":
		if err := b.relay.SendEscape(ctx, userID); err != nil {
			if errors.Is(err, state.ErrNoActiveWindow) {
				b.reply(ctx, userID, "No window selected.")
				return
			}
			botLog.Warn("escape_failed",
				slog.Int64("user", userID), slog.String("error", err.Error()))
		}
	case "/stop":
		b.store.ClearActiveWindow(userID)
		b.reply(ctx, userID, "Stopped watching. /list to resume.")
	default:
		b.reply(ctx, userID, "Unknown command. Try /list, /new, /use, /esc or /stop.")
	}
}

// sendWindowList offers the registered windows as a selection keyboard,
// one row per window so long summaries stay readable.
func (b *bot) sendWindowList(ctx context.Context, userID int64) {
	sessions, err := b.store.ListActiveSessions(ctx)
	if err != nil {
		botLog.Warn("list_sessions_failed", slog.String("error", err.Error()))
		b.reply(ctx, userID, "Could not list windows: "+err.Error())
		return
	}
	if len(sessions) == 0 {
		b.reply(ctx, userID, "No agent windows yet. /new starts one.")
		return
	}

	kb := make(channel.Keyboard, 0, len(sessions))
	for _, s := range sessions {
		label := s.Window.Name
		if s.Session != nil {
			label = fmt.Sprintf("%s — %s", s.Window.Name, s.Session.ShortSummary())
		}
		kb = append(kb, []channel.Button{{
			Text: channel.TruncateLabel(label, 48),
			Data: selectPrefix + s.Window.Name,
		}})
	}
	if _, err := b.tg.Send(ctx, userID, "Agent windows:", kb); err != nil {
		botLog.Warn("list_send_failed", slog.String("error", err.Error()))
	}
}

// createWindow starts a new agent window, waits for its hook to register
// the session, then selects it.
func (b *bot) createWindow(ctx context.Context, userID int64, cwd string) {
	w, err := b.driver.CreateWindow(ctx, cwd)
	if err != nil {
		botLog.Warn("create_window_failed", slog.String("error", err.Error()))
		b.reply(ctx, userID, "Could not create a window: "+err.Error())
		return
	}
	b.reply(ctx, userID, "Started "+w.Name+", waiting for the agent…")

	if !b.store.WaitForRegistration(ctx, w.Name, registrationWait) {
		b.reply(ctx, userID, "The agent in "+w.Name+" has not registered yet. "+
			"It will appear in /list once it does.")
		return
	}
	if err := b.relay.SelectWindow(ctx, userID, w.Name); err != nil {
		botLog.Warn("select_failed",
			slog.Int64("user", userID), slog.String("error", err.Error()))
	}
}

func (b *bot) reply(ctx context.Context, userID int64, text string) {
	if _, err := b.tg.Send(ctx, userID, text, nil); err != nil {
		botLog.Warn("reply_failed",
			slog.Int64("user", userID), slog.String("error", err.Error()))
	}
}
