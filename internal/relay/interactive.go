package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twistedxcom/ccrelay/internal/channel"
	"github.com/twistedxcom/ccrelay/internal/snapshot"
	"github.com/twistedxcom/ccrelay/internal/state"
)

// CallbackPrefix marks keyboard callbacks belonging to the interactive
// prompt display.
const CallbackPrefix = "ik:"

// interactiveKeyboard mirrors the terminal prompt's controls: option
// numbers plus the navigation keys the UI reacts to.
func interactiveKeyboard() channel.Keyboard {
	digits := make([]channel.Button, 5)
	for i := range digits {
		n := fmt.Sprintf("%d", i+1)
		digits[i] = channel.Button{Text: n, Data: CallbackPrefix + n}
	}
	return channel.Keyboard{
		digits,
		{
			{Text: "↑", Data: CallbackPrefix + "up"},
			{Text: "↓", Data: CallbackPrefix + "down"},
			{Text: "␤", Data: CallbackPrefix + "enter"},
			{Text: "⎋", Data: CallbackPrefix + "esc"},
		},
	}
}

// markInteractive records that a prompt display is (about to be) live for
// the window. Returns false when one is already tracked for it.
func (rec *userRecord) markInteractive(window string) bool {
	rec.trackMu.Lock()
	defer rec.trackMu.Unlock()
	if rec.interactive != nil && rec.interactive.window == window {
		return false
	}
	rec.interactive = &interactiveInfo{window: window}
	return true
}

func (rec *userRecord) unmarkInteractive() {
	rec.trackMu.Lock()
	rec.interactive = nil
	rec.trackMu.Unlock()
}

// showInteractive sends or refreshes the live prompt display. Bypasses
// the queue: the display must mirror the current terminal frame, and taps
// round-trip through the terminal with minimal latency.
func (r *Relay) showInteractive(ctx context.Context, rec *userRecord, window string, content *snapshot.InteractiveContent) error {
	text := fmt.Sprintf("⌨️ %s\n\n%s", content.Name, content.Content)
	if chunks := channel.SplitMessage(text, channel.MaxMessageLength); len(chunks) > 1 {
		// The prompt body is what matters; overflow past the limit is
		// terminal chrome we can afford to lose.
		text = chunks[0]
	}

	rec.trackMu.Lock()
	inter := rec.interactive
	rec.trackMu.Unlock()

	if inter != nil && inter.msgID != 0 {
		err := r.ch.Edit(ctx, rec.id, inter.msgID, text, interactiveKeyboard())
		if err == nil || errors.Is(err, channel.ErrNotModified) {
			return nil
		}
		relayLog.Debug("interactive_edit_failed_resending", slog.Int64("user", rec.id))
	}

	if err := rec.limiter.Wait(ctx); err != nil {
		return err
	}
	msgID, err := r.ch.Send(ctx, rec.id, text, interactiveKeyboard())
	if err != nil {
		return err
	}
	rec.trackMu.Lock()
	rec.interactive = &interactiveInfo{window: window, msgID: msgID}
	rec.trackMu.Unlock()
	return nil
}

// exitInteractive removes the prompt display and leaves interactive mode.
func (r *Relay) exitInteractive(ctx context.Context, rec *userRecord) {
	rec.trackMu.Lock()
	inter := rec.interactive
	rec.interactive = nil
	rec.trackMu.Unlock()
	if inter == nil || inter.msgID == 0 {
		return
	}
	if err := r.ch.Delete(ctx, rec.id, inter.msgID); err != nil {
		relayLog.Debug("interactive_delete_failed", slog.Int64("user", rec.id))
	}
}

// tryInteractiveCapture waits for the terminal to settle, then attempts
// to extract and display the prompt UI. Returns false when no UI is on
// screen.
func (r *Relay) tryInteractiveCapture(ctx context.Context, rec *userRecord, window string) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.opts.SettleDelay):
	}

	pane, err := r.capturePane(ctx, window)
	if err != nil || pane == "" {
		return false
	}
	content := snapshot.ExtractInteractiveContent(pane)
	if content == nil {
		return false
	}
	if err := r.showInteractive(ctx, rec, window, content); err != nil {
		relayLog.Error("interactive_show_failed",
			slog.Int64("user", rec.id), slog.String("error", err.Error()))
		return false
	}
	return true
}

// HandleInteractiveCallback forwards a keyboard tap to the terminal and
// refreshes the display from a fresh capture.
func (r *Relay) HandleInteractiveCallback(ctx context.Context, userID int64, data string) error {
	action := strings.TrimPrefix(data, CallbackPrefix)
	rec := r.record(userID)

	rec.trackMu.Lock()
	inter := rec.interactive
	rec.trackMu.Unlock()
	if inter == nil {
		return nil
	}

	w, err := r.driver.FindWindow(ctx, inter.window)
	if err != nil {
		r.exitInteractive(ctx, rec)
		return err
	}

	switch action {
	case "up":
		err = r.driver.SendKey(ctx, w.ID, "Up")
	case "down":
		err = r.driver.SendKey(ctx, w.ID, "Down")
	case "enter":
		err = r.driver.SendKey(ctx, w.ID, "Enter")
	case "esc":
		err = r.driver.SendKey(ctx, w.ID, "Escape")
	case "1", "2", "3", "4", "5":
		err = r.driver.SendKeys(ctx, w.ID, action, true)
	default:
		return fmt.Errorf("unknown interactive action %q", action)
	}
	if err != nil {
		return err
	}

	// Re-classify after the terminal settles; the prompt may have
	// advanced to the next tab or been dismissed.
	if !r.tryInteractiveCapture(ctx, rec, inter.window) {
		r.exitInteractive(ctx, rec)
	}
	return nil
}

// SendEscape interrupts the agent in the user's active window.
func (r *Relay) SendEscape(ctx context.Context, userID int64) error {
	window := r.store.ActiveWindow(userID)
	if window == "" {
		return state.ErrNoActiveWindow
	}
	w, err := r.driver.FindWindow(ctx, window)
	if err != nil {
		return err
	}
	return r.driver.SendKey(ctx, w.ID, "Escape")
}
