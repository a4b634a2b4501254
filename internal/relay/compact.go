package relay

import (
	"fmt"
	"sort"
)

type indexedTask struct {
	idx  int
	task *Task
}

// compactTasks bounds a drained queue: status updates are deduplicated to
// the latest per window, the first content task is kept for context, and
// the most recent maxSize items fill the remaining slots. Relative order
// is preserved. Returns the kept tasks and how many were dropped.
func compactTasks(items []*Task, maxSize int) ([]*Task, int) {
	if len(items) <= maxSize {
		return items, 0
	}

	var content []indexedTask
	latestStatus := make(map[string]indexedTask)

	for i, t := range items {
		switch t.Type {
		case TaskContent:
			content = append(content, indexedTask{i, t})
		case TaskStatusUpdate:
			latestStatus[t.Window] = indexedTask{i, t}
		default:
			// status_clear competes for slots like any other item
			latestStatus[fmt.Sprintf("\x00clear%d", i)] = indexedTask{i, t}
		}
	}

	var kept []indexedTask
	var remaining []indexedTask
	if len(content) > 0 {
		kept = append(kept, content[0])
		remaining = append(remaining, content[1:]...)
	}
	for _, in := range latestStatus {
		remaining = append(remaining, in)
	}
	sort.Slice(remaining, func(a, b int) bool { return remaining[a].idx < remaining[b].idx })

	slots := maxSize - len(kept)
	switch {
	case slots <= 0:
		remaining = nil
	case len(remaining) > slots:
		remaining = remaining[len(remaining)-slots:]
	}
	kept = append(kept, remaining...)
	sort.Slice(kept, func(a, b int) bool { return kept[a].idx < kept[b].idx })

	out := make([]*Task, len(kept))
	for i, in := range kept {
		out[i] = in.task
	}
	return out, len(items) - len(out)
}

// warningTask is the synthetic message injected ahead of a compacted
// queue so the user knows output was dropped.
func warningTask(dropped, kept int) *Task {
	text := fmt.Sprintf(
		"⚠️ Output burst: dropped %d queued messages\n\n(kept the %d most recent)",
		dropped, kept)
	return &Task{Type: TaskContent, Parts: []string{text}, Text: text}
}
