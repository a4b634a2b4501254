package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	t.Run("string_content", func(t *testing.T) {
		e := ParseLine(`{"type":"user","message":{"role":"user","content":"hello"},"timestamp":"t1"}`)
		require.NotNil(t, e)
		assert.True(t, e.IsUserMessage())
		assert.Equal(t, "hello", e.Text())
		assert.Equal(t, "t1", e.Timestamp)
	})

	t.Run("block_content", func(t *testing.T) {
		e := ParseLine(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm"},{"type":"text","text":"answer"}]}}`)
		require.NotNil(t, e)
		assert.Equal(t, "answer", e.Text())
	})

	t.Run("meta_is_not_user_message", func(t *testing.T) {
		e := ParseLine(`{"type":"user","isMeta":true,"message":{"role":"user","content":"caveat"}}`)
		require.NotNil(t, e)
		assert.False(t, e.IsUserMessage())
	})

	t.Run("tool_result_only_is_not_user_message", func(t *testing.T) {
		e := ParseLine(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","content":"out"}]}}`)
		require.NotNil(t, e)
		assert.False(t, e.IsUserMessage())
	})

	t.Run("malformed", func(t *testing.T) {
		assert.Nil(t, ParseLine("{not json"))
		assert.Nil(t, ParseLine(""))
		assert.Nil(t, ParseLine("   "))
	})
}

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestScanFile(t *testing.T) {
	t.Run("summary_record_wins", func(t *testing.T) {
		path := writeTranscript(t,
			`{"type":"summary","summary":"Fix the build"}`,
			`{"type":"user","message":{"role":"user","content":"please fix it"}}`,
			`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"done"}]}}`,
		)
		s, err := ScanFile(path)
		require.NoError(t, err)
		assert.Equal(t, "Fix the build", s.Title)
		assert.Equal(t, 3, s.MessageCount)
	})

	t.Run("latest_summary_wins", func(t *testing.T) {
		path := writeTranscript(t,
			`{"type":"summary","summary":"old title"}`,
			`{"type":"summary","summary":"new title"}`,
		)
		s, err := ScanFile(path)
		require.NoError(t, err)
		assert.Equal(t, "new title", s.Title)
	})

	t.Run("falls_back_to_last_user_message", func(t *testing.T) {
		path := writeTranscript(t,
			`{"type":"user","message":{"role":"user","content":"first ask"}}`,
			`{"type":"user","message":{"role":"user","content":"second ask"}}`,
		)
		s, err := ScanFile(path)
		require.NoError(t, err)
		assert.Equal(t, "second ask", s.Title)
	})

	t.Run("untitled_when_nothing_usable", func(t *testing.T) {
		path := writeTranscript(t, `{"type":"system"}`)
		s, err := ScanFile(path)
		require.NoError(t, err)
		assert.Equal(t, "Untitled", s.Title)
	})

	t.Run("long_user_message_truncated", func(t *testing.T) {
		long := strings.Repeat("x", 80)
		path := writeTranscript(t, `{"type":"user","message":{"role":"user","content":"`+long+`"}}`)
		s, err := ScanFile(path)
		require.NoError(t, err)
		assert.Len(t, s.Title, 50)
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := ScanFile(filepath.Join(t.TempDir(), "nope.jsonl"))
		assert.Error(t, err)
	})
}

func TestReadMessages(t *testing.T) {
	lines := []string{
		`{"type":"user","message":{"role":"user","content":"question"}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"reply"}]}}`,
		`{"type":"summary","summary":"skipped"}`,
		`{"type":"user","message":{"role":"user","content":"<command-name>/clear</command-name>"}}`,
	}
	path := writeTranscript(t, lines...)

	t.Run("full_file", func(t *testing.T) {
		msgs, err := ReadMessages(path, 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		assert.Equal(t, "user", msgs[0].Role)
		assert.Equal(t, "question", msgs[0].Text)
		assert.Equal(t, "assistant", msgs[1].Role)
		assert.Equal(t, ContentLocalCommand, msgs[2].ContentType)
	})

	t.Run("byte_range_skips_earlier_lines", func(t *testing.T) {
		start := int64(len(lines[0]) + 1)
		msgs, err := ReadMessages(path, start, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "reply", msgs[0].Text)
	})

	t.Run("end_byte_bounds_read", func(t *testing.T) {
		end := int64(len(lines[0]) + 1)
		msgs, err := ReadMessages(path, 0, end)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "question", msgs[0].Text)
	})
}
