package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/twistedxcom/ccrelay/internal/channel"
	"github.com/twistedxcom/ccrelay/internal/snapshot"
	"github.com/twistedxcom/ccrelay/internal/transcript"
)

// runWorker drains one user's queue sequentially. Ordering within a
// user's stream is guaranteed by this single consumer; failures degrade
// per task and never kill the worker.
func (r *Relay) runWorker(ctx context.Context, rec *userRecord) {
	defer close(rec.done)
	for {
		select {
		case <-ctx.Done():
			relayLog.Info("worker_stopped", slog.Int64("user", rec.id))
			return
		case <-rec.wake:
		}

		for {
			task := r.dequeueMerged(rec)
			if task == nil {
				break
			}
			r.dispatch(ctx, rec, task)
			rec.mu.Lock()
			rec.busy = false
			rec.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// dequeueMerged pops the head task and, for ordinary content, folds in
// consecutive eligible successors: same window, not tool-addressable,
// combined rendered length under the merge budget. Everything declined
// stays queued in order.
func (r *Relay) dequeueMerged(rec *userRecord) *Task {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if len(rec.tasks) == 0 {
		return nil
	}
	head := rec.tasks[0]
	rec.tasks = rec.tasks[1:]
	rec.busy = true

	if head.Type != TaskContent || head.isToolTask() {
		return head
	}

	merged := head.Parts
	total := head.renderedLen()
	absorbed := 0
	for len(rec.tasks) > 0 {
		next := rec.tasks[0]
		if next.Type != TaskContent || next.isToolTask() || next.Window != head.Window {
			break
		}
		if total+next.renderedLen() > r.opts.MergeBudget {
			break
		}
		merged = append(merged, next.Parts...)
		total += next.renderedLen()
		rec.tasks = rec.tasks[1:]
		absorbed++
	}

	if absorbed > 0 {
		head = &Task{
			Type:        TaskContent,
			Window:      head.Window,
			Parts:       []string{strings.Join(merged, "\n\n")},
			ContentType: head.ContentType,
		}
	}
	return head
}

func (r *Relay) dispatch(ctx context.Context, rec *userRecord, task *Task) {
	var err error
	switch task.Type {
	case TaskContent:
		err = r.dispatchContent(ctx, rec, task)
	case TaskStatusUpdate:
		err = r.dispatchStatus(ctx, rec, task.Window, task.Status)
	case TaskStatusClear:
		r.clearStatus(ctx, rec)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		relayLog.Error("dispatch_failed",
			slog.Int64("user", rec.id), slog.String("error", err.Error()))
	}
}

// dispatchContent sends a content task. Tool results edit the message
// their tool call produced; everything else converts the live status
// message into the first part when possible, then sends the rest fresh.
func (r *Relay) dispatchContent(ctx context.Context, rec *userRecord, task *Task) error {
	// Tool result: edit the originating tool-call message in place.
	if task.ContentType == transcript.ContentToolResult && task.ToolUseID != "" && task.Text != "" {
		rec.trackMu.Lock()
		msgID, found := rec.toolMsgs[task.ToolUseID]
		if found {
			delete(rec.toolMsgs, task.ToolUseID)
		}
		rec.trackMu.Unlock()

		if found {
			r.clearStatus(ctx, rec)
			err := r.ch.Edit(ctx, rec.id, msgID, task.Text, nil)
			if err == nil || errors.Is(err, channel.ErrNotModified) {
				r.trailStatus(ctx, rec, task.Window)
				return nil
			}
			relayLog.Debug("tool_edit_failed_sending_new",
				slog.Int64("user", rec.id), slog.Int64("msg", msgID))
			// fall through to send as new
		}
	}

	var lastMsgID int64
	for i, part := range task.Parts {
		if i == 0 {
			if msgID := r.convertStatusToContent(ctx, rec, task.Window, part); msgID != 0 {
				lastMsgID = msgID
				continue
			}
		}
		if err := rec.limiter.Wait(ctx); err != nil {
			return err
		}
		msgID, err := r.ch.Send(ctx, rec.id, part, nil)
		if err != nil {
			relayLog.Error("send_failed",
				slog.Int64("user", rec.id), slog.String("error", err.Error()))
			continue
		}
		lastMsgID = msgID
	}

	// Remember where the tool call landed so its result can edit it.
	if lastMsgID != 0 && task.ToolUseID != "" && task.ContentType == transcript.ContentToolUse {
		rec.trackMu.Lock()
		rec.toolMsgs[task.ToolUseID] = lastMsgID
		rec.trackMu.Unlock()
	}

	r.trailStatus(ctx, rec, task.Window)
	return nil
}

// convertStatusToContent edits the user's live status message into the
// given content, avoiding a delete+send flicker. Returns the message id
// on success, 0 when there is no usable status message.
func (r *Relay) convertStatusToContent(ctx context.Context, rec *userRecord, window, text string) int64 {
	rec.trackMu.Lock()
	info := rec.status
	rec.status = nil
	rec.trackMu.Unlock()
	if info == nil {
		return 0
	}

	if info.window != window {
		// Status belongs to another window: just drop it.
		if err := r.ch.Delete(ctx, rec.id, info.msgID); err != nil {
			relayLog.Debug("status_delete_failed", slog.Int64("user", rec.id))
		}
		return 0
	}

	err := r.ch.Edit(ctx, rec.id, info.msgID, text, nil)
	if err != nil && !errors.Is(err, channel.ErrNotModified) {
		return 0
	}
	return info.msgID
}

// dispatchStatus applies a status update: new message when none exists,
// delete+send on window change, no-op on identical text, otherwise edit
// in place.
func (r *Relay) dispatchStatus(ctx context.Context, rec *userRecord, window, text string) error {
	if text == "" {
		r.clearStatus(ctx, rec)
		return nil
	}

	// Show typing while the agent is actively working.
	if snapshot.IsInterruptible(text) {
		if err := r.ch.SendTyping(ctx, rec.id); err != nil {
			relayLog.Debug("typing_failed", slog.Int64("user", rec.id))
		}
	}

	rec.trackMu.Lock()
	info := rec.status
	rec.trackMu.Unlock()

	switch {
	case info == nil:
		return r.sendStatusMessage(ctx, rec, window, text)
	case info.window != window:
		r.clearStatus(ctx, rec)
		return r.sendStatusMessage(ctx, rec, window, text)
	case info.lastText == text:
		return nil
	default:
		err := r.ch.Edit(ctx, rec.id, info.msgID, text, nil)
		if err != nil && !errors.Is(err, channel.ErrNotModified) {
			relayLog.Debug("status_edit_failed_resending", slog.Int64("user", rec.id))
			rec.trackMu.Lock()
			rec.status = nil
			rec.trackMu.Unlock()
			return r.sendStatusMessage(ctx, rec, window, text)
		}
		rec.trackMu.Lock()
		rec.status = &statusInfo{msgID: info.msgID, window: window, lastText: text}
		rec.trackMu.Unlock()
		return nil
	}
}

func (r *Relay) sendStatusMessage(ctx context.Context, rec *userRecord, window, text string) error {
	if err := rec.limiter.Wait(ctx); err != nil {
		return err
	}
	msgID, err := r.ch.Send(ctx, rec.id, text, nil)
	if err != nil {
		return err
	}
	rec.trackMu.Lock()
	rec.status = &statusInfo{msgID: msgID, window: window, lastText: text}
	rec.trackMu.Unlock()
	return nil
}

func (r *Relay) clearStatus(ctx context.Context, rec *userRecord) {
	rec.trackMu.Lock()
	info := rec.status
	rec.status = nil
	rec.trackMu.Unlock()
	if info == nil {
		return
	}
	if err := r.ch.Delete(ctx, rec.id, info.msgID); err != nil {
		relayLog.Debug("status_delete_failed",
			slog.Int64("user", rec.id), slog.Int64("msg", info.msgID))
	}
}

// trailStatus re-checks the terminal after content went out and, when the
// queue is otherwise idle, restores the status line below the content.
// Status always trails content, never precedes it.
func (r *Relay) trailStatus(ctx context.Context, rec *userRecord, window string) {
	if window == "" || rec.queueLen() > 0 {
		return
	}
	w, err := r.driver.FindWindow(ctx, window)
	if err != nil {
		return
	}
	pane, err := r.driver.CapturePane(ctx, w.ID)
	if err != nil || pane == "" {
		return
	}
	if status := snapshot.ParseStatusLine(pane); status != "" {
		if err := r.sendStatusMessage(ctx, rec, window, status); err != nil {
			relayLog.Debug("trail_status_failed", slog.Int64("user", rec.id))
		}
	}
}
