package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistedxcom/ccrelay/internal/transcript"
)

const interactiveSep = "──────────────────────────────"

func askQuestionPane() string {
	return strings.Join([]string{
		"  earlier output",
		"  " + interactiveSep,
		"  Which database should we use?",
		"",
		"  ❯ 1. Postgres",
		"    2. SQLite",
		"",
		"  Enter to select",
		"  " + interactiveSep,
	}, "\n")
}

func interactiveEvent(sessionID, tool string) transcript.Event {
	return transcript.Event{
		SessionID:   sessionID,
		Text:        "(invoking " + tool + ")",
		IsComplete:  true,
		ContentType: transcript.ContentToolUse,
		Role:        "assistant",
		ToolUseID:   "T-int",
		ToolName:    tool,
	}
}

func TestInteractiveToolShowsPromptKeyboard(t *testing.T) {
	fx := newFix(t)
	fx.bindWindow(t, "cc-1", testSID)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", askQuestionPane())

	fx.relay.HandleEvent(context.Background(), interactiveEvent(testSID, "AskUserQuestion"))

	sends := fx.ch.byKind("send")
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].text, "AskUserQuestion")
	assert.Contains(t, sends[0].text, "Which database should we use?")
	require.NotNil(t, sends[0].kb, "prompt display carries the control keyboard")

	rec := fx.relay.record(1)
	rec.trackMu.Lock()
	defer rec.trackMu.Unlock()
	require.NotNil(t, rec.interactive)
	assert.Equal(t, "cc-1", rec.interactive.window)
}

func TestInteractiveCaptureFailureRevertsAndSendsContent(t *testing.T) {
	fx := newFix(t)
	fx.bindWindow(t, "cc-1", testSID)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", "plain terminal output\nnothing interactive\n")

	fx.relay.HandleEvent(context.Background(), interactiveEvent(testSID, "ExitPlanMode"))
	rec := fx.relay.record(1)
	waitIdle(t, rec)

	rec.trackMu.Lock()
	inter := rec.interactive
	rec.trackMu.Unlock()
	assert.Nil(t, inter, "failed capture reverts the early interactive marking")

	sends := fx.ch.byKind("send")
	require.Len(t, sends, 1, "event falls back to the normal content path")
	assert.Contains(t, sends[0].text, "ExitPlanMode")
}

func TestInteractiveDrainsQueueBeforeCapture(t *testing.T) {
	fx := newFix(t)
	fx.bindWindow(t, "cc-1", testSID)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", askQuestionPane())

	// Pending content must flush before the prompt display goes out.
	fx.enqueueRaw(1, &Task{Type: TaskContent, Window: "cc-1", Parts: []string{"pending output"}})
	fx.relay.HandleEvent(context.Background(), interactiveEvent(testSID, "AskUserQuestion"))

	ops := fx.ch.byKind("send")
	require.Len(t, ops, 2)
	assert.Equal(t, "pending output", ops[0].text)
	assert.Contains(t, ops[1].text, "Which database")
}

func TestNonInteractiveEventClearsStaleDisplay(t *testing.T) {
	fx := newFix(t)
	fx.bindWindow(t, "cc-1", testSID)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", askQuestionPane())
	ctx := context.Background()

	fx.relay.HandleEvent(ctx, interactiveEvent(testSID, "AskUserQuestion"))
	require.Len(t, fx.ch.byKind("send"), 1)

	fx.driver.setPane("@1", "")
	fx.relay.HandleEvent(ctx, eventText(testSID, "moving on"))
	rec := fx.relay.record(1)
	waitIdle(t, rec)

	assert.Len(t, fx.ch.byKind("delete"), 1, "stale prompt display deleted before new content")
	rec.trackMu.Lock()
	defer rec.trackMu.Unlock()
	assert.Nil(t, rec.interactive)
}

func TestInteractiveCallbackRoundTrip(t *testing.T) {
	fx := newFix(t)
	fx.bindWindow(t, "cc-1", testSID)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", askQuestionPane())
	ctx := context.Background()

	fx.relay.HandleEvent(ctx, interactiveEvent(testSID, "AskUserQuestion"))
	require.Len(t, fx.ch.byKind("send"), 1)

	require.NoError(t, fx.relay.HandleInteractiveCallback(ctx, 1, CallbackPrefix+"down"))
	fx.driver.mu.Lock()
	keys := append([]string(nil), fx.driver.keys...)
	fx.driver.mu.Unlock()
	assert.Contains(t, keys, "Down")

	// UI still on screen: display refreshed by edit, not a new send.
	assert.Len(t, fx.ch.byKind("send"), 1)

	// Choosing an option dismisses the UI; the display goes away.
	fx.driver.setPane("@1", "done\n")
	require.NoError(t, fx.relay.HandleInteractiveCallback(ctx, 1, CallbackPrefix+"enter"))
	assert.Len(t, fx.ch.byKind("delete"), 1)

	rec := fx.relay.record(1)
	rec.trackMu.Lock()
	defer rec.trackMu.Unlock()
	assert.Nil(t, rec.interactive)
}

func TestPollerInteractiveOwnsScreen(t *testing.T) {
	fx := newFix(t)
	fx.bindWindow(t, "cc-1", testSID)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", askQuestionPane())
	ctx := context.Background()

	fx.relay.HandleEvent(ctx, interactiveEvent(testSID, "AskUserQuestion"))
	before := len(fx.ch.all())

	fx.relay.pollUser(ctx, 1, "cc-1")
	assert.Len(t, fx.ch.all(), before, "interactive mode suppresses status handling")
}

func TestPollerExitsInteractiveWhenUIGone(t *testing.T) {
	fx := newFix(t)
	fx.bindWindow(t, "cc-1", testSID)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", askQuestionPane())
	ctx := context.Background()

	fx.relay.HandleEvent(ctx, interactiveEvent(testSID, "AskUserQuestion"))
	require.Len(t, fx.ch.byKind("send"), 1)

	fx.driver.setPane("@1", "✻ Wrapping up\n")
	fx.relay.pollUser(ctx, 1, "cc-1")

	assert.Len(t, fx.ch.byKind("delete"), 1, "prompt display removed once the UI disappears")
	// Normal status handling resumes the same tick.
	require.Eventually(t, func() bool {
		for _, op := range fx.ch.byKind("send") {
			if op.text == "Wrapping up" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPollerEnqueuesStatus(t *testing.T) {
	fx := newFix(t)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", "output\n✻ Compiling\n")

	rec := fx.relay.record(1)
	fx.relay.pollUser(context.Background(), 1, "cc-1")
	waitIdle(t, rec)

	sends := fx.ch.byKind("send")
	require.Len(t, sends, 1)
	assert.Equal(t, "Compiling", sends[0].text)
}

func TestPollerSkipsWhenQueueBusy(t *testing.T) {
	fx := newFix(t)
	fx.store.SetActiveWindow(1, "cc-1")
	fx.driver.setPane("@1", "✻ Busy\n")

	rec := fx.relay.record(1)
	rec.mu.Lock()
	rec.tasks = append(rec.tasks, &Task{Type: TaskContent, Window: "cc-1", Parts: []string{"queued"}})
	rec.mu.Unlock()

	fx.relay.pollUser(context.Background(), 1, "cc-1")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.tasks, 1, "no status enqueued while content is pending")
}

func TestPollerWindowGoneEnqueuesClear(t *testing.T) {
	fx := newFix(t)
	fx.store.SetActiveWindow(1, "cc-gone")

	rec := fx.relay.record(1)
	// Track a status so the clear has something to delete.
	require.NoError(t, fx.relay.dispatchStatus(context.Background(), rec, "cc-gone", "old"))

	fx.relay.pollUser(context.Background(), 1, "cc-gone")
	require.Eventually(t, func() bool {
		return len(fx.ch.byKind("delete")) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPollerTransientCaptureFailureKeepsStatus(t *testing.T) {
	fx := newFix(t)
	fx.store.SetActiveWindow(1, "cc-1")
	// Window exists but the capture comes back empty.
	fx.driver.setPane("@1", "")

	rec := fx.relay.record(1)
	fx.relay.pollUser(context.Background(), 1, "cc-1")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.tasks, "empty capture neither clears nor updates status")
}
