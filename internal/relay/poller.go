package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/twistedxcom/ccrelay/internal/logging"
	"github.com/twistedxcom/ccrelay/internal/snapshot"
)

var pollLog = logging.ForComponent(logging.CompPoll)

// RunPoller drives the status/interactive poll loop until ctx is
// cancelled. Each tick inspects every user's active window once.
func (r *Relay) RunPoller(ctx context.Context) error {
	pollLog.Info("poller_started", slog.Duration("interval", r.opts.PollInterval))
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pollLog.Info("poller_stopped")
			return ctx.Err()
		case <-ticker.C:
			for userID, window := range r.store.ActiveWindows() {
				r.pollUser(ctx, userID, window)
			}
		}
	}
}

// pollUser runs one tick for one user. Interactive mode owns the screen:
// while a prompt UI is live for the current window, normal status
// handling is skipped entirely.
func (r *Relay) pollUser(ctx context.Context, userID int64, window string) {
	rec := r.record(userID)

	rec.trackMu.Lock()
	inter := rec.interactive
	rec.trackMu.Unlock()

	if inter != nil {
		if inter.window != window {
			// User switched windows mid-prompt; the display is stale.
			r.exitInteractive(ctx, rec)
		} else {
			pane, err := r.capturePane(ctx, window)
			if err != nil {
				return
			}
			if snapshot.IsInteractiveUI(pane) {
				return
			}
			// Prompt answered or dismissed in the terminal itself.
			r.exitInteractive(ctx, rec)
		}
	}

	// Don't race a status update against in-flight content.
	if rec.queueLen() > 0 {
		return
	}

	if _, err := r.driver.FindWindow(ctx, window); err != nil {
		r.EnqueueStatus(userID, window, "")
		return
	}

	pane, err := r.capturePane(ctx, window)
	if err != nil || pane == "" {
		// Transient capture failure: keep whatever status the user has.
		return
	}

	if status := snapshot.ParseStatusLine(pane); status != "" {
		r.EnqueueStatus(userID, window, status)
	}
	// No status line is not a clear: the agent may just be between frames.
}

func (r *Relay) capturePane(ctx context.Context, window string) (string, error) {
	w, err := r.driver.FindWindow(ctx, window)
	if err != nil {
		return "", err
	}
	return r.driver.CapturePane(ctx, w.ID)
}
