// Package relay is the delivery core: per-user ordered queues feeding a
// single worker each, a status/interactive poller over the terminal, and
// the dispatcher that fans transcript events out to watching users.
package relay

import "github.com/twistedxcom/ccrelay/internal/transcript"

// TaskType tags the closed variant set of queue tasks.
type TaskType int

const (
	TaskContent TaskType = iota
	TaskStatusUpdate
	TaskStatusClear
)

// Task is one unit of work for a user's queue worker. Immutable once
// enqueued, except for in-place part merging done by the worker under the
// queue lock.
type Task struct {
	Type   TaskType
	Window string

	// content fields
	Parts       []string
	Text        string // original unsplit text, used for tool_result edits
	ToolUseID   string
	ContentType string

	// status_update field
	Status string
}

// isToolTask reports whether the task must stay individually addressable
// for later editing and therefore can never merge.
func (t *Task) isToolTask() bool {
	return t.ContentType == transcript.ContentToolUse ||
		t.ContentType == transcript.ContentToolResult
}

// renderedLen is the task's contribution to a merged message.
func (t *Task) renderedLen() int {
	n := 0
	for _, p := range t.Parts {
		n += len([]rune(p))
	}
	return n
}
