package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twistedxcom/ccrelay/internal/transcript"
)

func TestBuildResponsePartsUserEcho(t *testing.T) {
	parts := BuildResponseParts("fix the bug", transcript.ContentUser, "user")
	require.Len(t, parts, 1)
	assert.Equal(t, "👤 fix the bug", parts[0])
}

func TestBuildResponsePartsUserEchoTruncates(t *testing.T) {
	long := strings.Repeat("x", 5000)
	parts := BuildResponseParts(long, transcript.ContentUser, "user")
	require.Len(t, parts, 1, "user echoes never split")
	assert.True(t, strings.HasSuffix(parts[0], "…"))
	assert.LessOrEqual(t, len([]rune(parts[0])), maxUserEcho+3)
}

func TestBuildResponsePartsToolResultIsNotEchoed(t *testing.T) {
	parts := BuildResponseParts("file.txt", transcript.ContentToolResult, "user")
	require.Len(t, parts, 1)
	assert.Equal(t, "file.txt", parts[0])
}

func TestBuildResponsePartsToolError(t *testing.T) {
	parts := BuildResponseParts("command failed", transcript.ContentToolError, "user")
	require.Len(t, parts, 1)
	assert.Equal(t, "❌ command failed", parts[0])
}

func TestBuildResponsePartsThinking(t *testing.T) {
	parts := BuildResponseParts("pondering", transcript.ContentThinking, "assistant")
	require.Len(t, parts, 1)
	assert.Equal(t, "∴ Thinking…\npondering", parts[0])
}

func TestBuildResponsePartsThinkingTruncates(t *testing.T) {
	long := strings.Repeat("y", 2000)
	parts := BuildResponseParts(long, transcript.ContentThinking, "assistant")
	require.Len(t, parts, 1)
	assert.Contains(t, parts[0], "(thinking truncated)")
}

func TestBuildResponsePartsSplitsWithSuffixes(t *testing.T) {
	long := strings.Repeat("line of output\n", 600)
	parts := BuildResponseParts(long, transcript.ContentText, "assistant")
	require.Greater(t, len(parts), 1)
	assert.Contains(t, parts[0], "[1/")
	assert.Contains(t, parts[len(parts)-1], "]")
	for _, p := range parts {
		assert.LessOrEqual(t, len([]rune(p)), partLimit+20)
	}
}
