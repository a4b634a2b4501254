package relay

import (
	"context"
	"fmt"
	"log/slog"
)

// SelectWindow switches a user's active window. The ordering here is a
// correctness contract: the active-window map must not contain the new
// window between acknowledgement and catch-up, or live events would
// interleave with the history being delivered.
func (r *Relay) SelectWindow(ctx context.Context, userID int64, window string) error {
	rec := r.record(userID)

	// 1. Detach: no live events reach this user during catch-up.
	r.store.ClearActiveWindow(userID)
	r.exitInteractive(ctx, rec)
	r.clearStatus(ctx, rec)

	// 2. Selection feedback.
	label := window
	if session := r.store.ResolveSession(window); session != nil {
		label = fmt.Sprintf("%s — %s", window, session.ShortSummary())
	}
	if err := rec.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := r.ch.Send(ctx, userID, "📌 Now watching "+label, nil); err != nil {
		return err
	}

	// 3. Unread catch-up, delivered directly rather than through the
	// queue's per-event path.
	if info := r.store.GetUnreadInfo(userID, window); info != nil {
		if info.HasUnread {
			if err := r.sendCatchUp(ctx, rec, window, info.StartOffset, info.EndOffset); err != nil {
				relayLog.Warn("catch_up_failed",
					slog.Int64("user", userID), slog.String("error", err.Error()))
			}
		}
		r.store.SetOffset(userID, window, info.EndOffset)
	}

	// 4. Only now may live events flow.
	r.store.SetActiveWindow(userID, window)
	return nil
}

func (r *Relay) sendCatchUp(ctx context.Context, rec *userRecord, window string, start, end int64) error {
	messages, err := r.store.RecentMessages(window, start, end)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	if err := rec.limiter.Wait(ctx); err != nil {
		return err
	}
	header := fmt.Sprintf("📬 %d message(s) while you were away:", len(messages))
	if _, err := r.ch.Send(ctx, rec.id, header, nil); err != nil {
		return err
	}

	for _, m := range messages {
		for _, part := range BuildResponseParts(m.Text, m.ContentType, m.Role) {
			if err := rec.limiter.Wait(ctx); err != nil {
				return err
			}
			if _, err := r.ch.Send(ctx, rec.id, part, nil); err != nil {
				relayLog.Debug("catch_up_send_failed", slog.Int64("user", rec.id))
			}
		}
	}
	return nil
}

// ForwardText relays a user's chat reply into their active window. The
// tracked status message is dropped first: the agent is about to start
// working and the old status is already stale.
func (r *Relay) ForwardText(ctx context.Context, userID int64, text string) error {
	rec := r.record(userID)

	if err := r.ch.SendTyping(ctx, userID); err != nil {
		relayLog.Debug("typing_failed", slog.Int64("user", userID))
	}
	r.clearStatus(ctx, rec)
	return r.store.SendToActiveWindow(ctx, userID, text)
}
