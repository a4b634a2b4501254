package transcript

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventsAssistantBlocks(t *testing.T) {
	e := ParseLine(`{"type":"assistant","message":{"role":"assistant","content":[` +
		`{"type":"thinking","thinking":"hmm"},` +
		`{"type":"text","text":"answer"},` +
		`{"type":"tool_use","id":"toolu_1","name":"Bash","input":{"command":"ls -la"}}]}}`)
	require.NotNil(t, e)

	events := e.Events("s1")
	require.Len(t, events, 3)

	assert.Equal(t, ContentThinking, events[0].ContentType)
	assert.Equal(t, "hmm", events[0].Text)

	assert.Equal(t, ContentText, events[1].ContentType)
	assert.Equal(t, "answer", events[1].Text)
	assert.Equal(t, "s1", events[1].SessionID)
	assert.True(t, events[1].IsComplete)

	assert.Equal(t, ContentToolUse, events[2].ContentType)
	assert.Equal(t, "Bash", events[2].ToolName)
	assert.Equal(t, "toolu_1", events[2].ToolUseID)
	assert.Equal(t, "🔧 Bash: ls -la", events[2].Text)
}

func TestEventsToolResult(t *testing.T) {
	e := ParseLine(`{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_1","content":"file.txt"}]}}`)
	require.NotNil(t, e)

	events := e.Events("s1")
	require.Len(t, events, 1)
	assert.Equal(t, ContentToolResult, events[0].ContentType)
	assert.Equal(t, "toolu_1", events[0].ToolUseID)
	assert.Equal(t, "file.txt", events[0].Text)
}

func TestEventsToolError(t *testing.T) {
	e := ParseLine(`{"type":"user","message":{"role":"user","content":[` +
		`{"type":"tool_result","tool_use_id":"toolu_1","is_error":true,"content":[{"type":"text","text":"boom"}]}]}}`)
	require.NotNil(t, e)

	events := e.Events("s1")
	require.Len(t, events, 1)
	assert.Equal(t, ContentToolError, events[0].ContentType)
	assert.Equal(t, "boom", events[0].Text)
}

func TestEventsUserMessage(t *testing.T) {
	e := ParseLine(`{"type":"user","message":{"role":"user","content":"please fix it"}}`)
	require.NotNil(t, e)

	events := e.Events("s1")
	require.Len(t, events, 1)
	assert.Equal(t, ContentUser, events[0].ContentType)
	assert.Equal(t, "please fix it", events[0].Text)
}

func TestEventsSkipsMetaAndSummary(t *testing.T) {
	meta := ParseLine(`{"type":"user","isMeta":true,"message":{"role":"user","content":"caveat"}}`)
	require.NotNil(t, meta)
	assert.Empty(t, meta.Events("s1"))

	sum := ParseLine(`{"type":"summary","summary":"Title"}`)
	require.NotNil(t, sum)
	assert.Empty(t, sum.Events("s1"))
}

func TestRenderToolUse(t *testing.T) {
	t.Run("multiline_command_keeps_first_line", func(t *testing.T) {
		got := renderToolUse("Bash", []byte(`{"command":"make build\nmake test"}`))
		assert.Equal(t, "🔧 Bash: make build …", got)
	})

	t.Run("unknown_tool_is_name_only", func(t *testing.T) {
		got := renderToolUse("AskUserQuestion", []byte(`{"questions":[]}`))
		assert.Equal(t, "🔧 AskUserQuestion", got)
	})

	t.Run("bad_input", func(t *testing.T) {
		got := renderToolUse("Read", []byte(`garbage`))
		assert.Equal(t, "🔧 Read", got)
	})
}

// collector is a concurrency-safe event sink for monitor tests.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ctx context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestMonitorEmitsOnlyNewContent(t *testing.T) {
	dir := t.TempDir()
	proj := filepath.Join(dir, "-work-proj")
	require.NoError(t, os.MkdirAll(proj, 0o755))
	path := filepath.Join(proj, "abc.jsonl")

	preexisting := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"old"}]}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(preexisting), 0o644))

	c := &collector{}
	m := NewMonitor(dir, c.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Append until an event shows up: an append racing the initial scan
	// is treated as pre-existing content and skipped.
	newLine := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"new"}]}}` + "\n"
	require.Eventually(t, func() bool {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return false
		}
		f.WriteString(newLine)
		f.Close()
		return len(c.snapshot()) >= 1
	}, 10*time.Second, 100*time.Millisecond)

	events := c.snapshot()
	for _, ev := range events {
		assert.NotEqual(t, "old", ev.Text, "pre-existing content is not replayed")
	}
	assert.Equal(t, "new", events[0].Text)
	assert.Equal(t, "abc", events[0].SessionID)

	cancel()
	<-done
}

func TestMonitorPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	c := &collector{}
	m := NewMonitor(dir, c.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	proj := filepath.Join(dir, "-new-proj")
	require.NoError(t, os.MkdirAll(proj, 0o755))
	path := filepath.Join(proj, "def.jsonl")
	line := `{"type":"user","message":{"role":"user","content":"hi"}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))

	require.Eventually(t, func() bool {
		return len(c.snapshot()) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	events := c.snapshot()
	assert.Equal(t, "hi", events[0].Text)
	assert.Equal(t, "def", events[0].SessionID)

	cancel()
	<-done
}
