package relay

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/twistedxcom/ccrelay/internal/transcript"
)

// interactiveTools are the tool invocations that put the terminal into a
// prompt UI awaiting user input rather than producing ordinary output.
var interactiveTools = map[string]bool{
	"AskUserQuestion": true,
	"ExitPlanMode":    true,
}

// drainTimeout bounds how long an interactive capture waits for the
// user's queue to flush.
const drainTimeout = 15 * time.Second

// HandleEvent fans one parsed transcript event out to every user whose
// active window maps to the emitting session.
func (r *Relay) HandleEvent(ctx context.Context, ev transcript.Event) {
	users := r.store.UsersWatching(ev.SessionID)
	if len(users) == 0 {
		relayLog.Debug("event_without_watchers", slog.String("session", ev.SessionID))
		return
	}

	for _, userID := range users {
		window := r.store.ActiveWindow(userID)
		if window == "" {
			continue
		}
		r.deliverEvent(ctx, userID, window, ev)
	}
}

func (r *Relay) deliverEvent(ctx context.Context, userID int64, window string, ev transcript.Event) {
	rec := r.record(userID)

	// Interactive tools flip the terminal into a prompt UI. Mark the mode
	// before waiting so the poller does not fight us over the screen,
	// flush pending output, let the prompt render, then capture it.
	if ev.ContentType == transcript.ContentToolUse && interactiveTools[ev.ToolName] {
		marked := rec.markInteractive(window)
		r.waitQueueDrained(ctx, rec)
		if r.tryInteractiveCapture(ctx, rec, window) {
			r.advanceOffset(userID, window, ev)
			return
		}
		if marked {
			rec.unmarkInteractive()
		}
	} else {
		// A stale prompt display must never sit above ordinary output.
		rec.trackMu.Lock()
		stale := rec.interactive != nil
		rec.trackMu.Unlock()
		if stale {
			r.exitInteractive(ctx, rec)
		}
	}

	if !ev.IsComplete {
		return
	}
	if ev.ContentType == transcript.ContentUser && r.opts.HideUserMessages {
		return
	}

	parts := BuildResponseParts(ev.Text, ev.ContentType, ev.Role)
	r.EnqueueContent(userID, &Task{
		Type:        TaskContent,
		Window:      window,
		Parts:       parts,
		Text:        ev.Text,
		ToolUseID:   ev.ToolUseID,
		ContentType: ev.ContentType,
	})

	r.advanceOffset(userID, window, ev)
}

// advanceOffset marks a complete event's window as read up to the current
// transcript size.
func (r *Relay) advanceOffset(userID int64, window string, ev transcript.Event) {
	if !ev.IsComplete {
		return
	}
	session := r.store.ResolveSession(window)
	if session == nil {
		return
	}
	fi, err := os.Stat(session.FilePath)
	if err != nil {
		return
	}
	r.store.SetOffset(userID, window, fi.Size())
}

// waitQueueDrained blocks until the user's worker has emptied its queue
// and finished the task in flight, or the timeout passes.
func (r *Relay) waitQueueDrained(ctx context.Context, rec *userRecord) {
	deadline := time.Now().Add(drainTimeout)
	for !rec.idle() {
		if time.Now().After(deadline) || ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}
