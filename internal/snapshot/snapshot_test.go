package snapshot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sep30 = "──────────────────────────────"

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		name string
		pane string
		want string
	}{
		{"dot_spinner", "some output\n· Working on task\n", "Working on task"},
		{"padded", "some output\n✻   Reading file  \n", "Reading file"},
		{"asterisk", "out\n✳ Processing input\n", "Processing input"},
		{"no_spinner", "just normal text\nno spinners here\n", ""},
		{"empty", "", ""},
		{"trailing_blanks", "output\n✻ Doing work\n\n\n\n", "Doing work"},
		{"below_separator", "✢ Building project\n" + sep30 + "\n❯\n" + sep30 + "\n", "Building project"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStatusLine(tt.pane))
		})
	}
}

func TestParseStatusLineScanWindow(t *testing.T) {
	// Status line more than 15 lines above the bottom is stale output,
	// not a live status.
	pane := "✻ Old work\n" + strings.Repeat("filler\n", 16)
	assert.Empty(t, ParseStatusLine(pane))
}

func TestIsInterruptible(t *testing.T) {
	assert.True(t, IsInterruptible("Cerebrating… (5s · Esc to interrupt)"))
	assert.True(t, IsInterruptible("working (esc to interrupt)"))
	assert.False(t, IsInterruptible("Reading file src/main.py"))
	assert.False(t, IsInterruptible(""))
}

func TestParseContextInfo(t *testing.T) {
	tests := []struct {
		name    string
		pane    string
		want    int
		present bool
	}{
		{"bracket", "some output\n" + sep30 + "\n❯\n" + sep30 + "\n  [Opus 4.6] Context: 34%\n  ⏵⏵ bypass permissions\n", 34, true},
		{"context_left", "some output\n\n  49% context left\n\n", 49, true},
		{"context_left_high", "output\n  92% context left\n", 92, true},
		{"bracket_high", "output\n  [Sonnet 4.5] Context: 92%\n", 92, true},
		{"zero", "output\n  0% context left\n", 0, true},
		{"absent", "just normal text\nno context info here\n", 0, false},
		{"empty", "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseContextInfo(tt.pane)
			assert.Equal(t, tt.present, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func exitPlanPane() string {
	return strings.Join([]string{
		"  Here is the plan output",
		"  " + sep30,
		"  Would you like to proceed?",
		"",
		"  ❯ 1. Yes, and auto-accept edits",
		"    2. Yes, and manually approve edits",
		"    3. No, keep planning",
		"",
		"  ctrl-g to edit in $EDITOR",
		"  " + sep30,
		"  [Opus 4.6] Context: 34%",
	}, "\n")
}

func askUserSingleTabPane() string {
	return strings.Join([]string{
		"  some earlier output",
		"  " + sep30,
		"  Which approach should we take?",
		"",
		"  ❯ 1. Refactor in place",
		"    2. Rewrite the module",
		"",
		"  Enter to select",
		"  " + sep30,
	}, "\n")
}

func askUserMultiTabPane() string {
	return strings.Join([]string{
		"  " + sep30,
		"  ☐ Question 1  ✔ Question 2   ← → to switch",
		"",
		"  ❯ 1. Option A",
		"    2. Option B",
		"",
		"  Submit",
		"  " + sep30,
	}, "\n")
}

func permissionPane() string {
	return strings.Join([]string{
		"  Bash(rm -rf build/)",
		"  " + sep30,
		"  Do you want to proceed?",
		"",
		"  ❯ 1. Yes",
		"    2. No, and tell Claude what to do differently",
		"  " + sep30,
	}, "\n")
}

func TestExtractInteractiveContent(t *testing.T) {
	t.Run("exit_plan_mode", func(t *testing.T) {
		result := ExtractInteractiveContent(exitPlanPane())
		require.NotNil(t, result)
		assert.Equal(t, PromptExitPlanMode, result.Name)
		assert.Contains(t, result.Content, "Would you like to proceed?")
		assert.Contains(t, result.Content, "ctrl-g to edit in")
	})

	t.Run("exit_plan_mode_no_separators", func(t *testing.T) {
		pane := "  Claude has written up a plan\n  ─────\n  Details here\n  Esc to cancel\n"
		result := ExtractInteractiveContent(pane)
		require.NotNil(t, result)
		assert.Equal(t, PromptExitPlanMode, result.Name)
		assert.Contains(t, result.Content, "Claude has written up a plan")
	})

	t.Run("ask_user_multi_tab", func(t *testing.T) {
		result := ExtractInteractiveContent(askUserMultiTabPane())
		require.NotNil(t, result)
		assert.Equal(t, PromptAskUserQuestion, result.Name)
		assert.Contains(t, result.Content, "←")
	})

	t.Run("ask_user_single_tab", func(t *testing.T) {
		result := ExtractInteractiveContent(askUserSingleTabPane())
		require.NotNil(t, result)
		assert.Equal(t, PromptAskUserQuestion, result.Name)
		assert.Contains(t, result.Content, "Enter to select")
	})

	t.Run("permission_prompt", func(t *testing.T) {
		result := ExtractInteractiveContent(permissionPane())
		require.NotNil(t, result)
		assert.Equal(t, PromptPermission, result.Name)
		assert.Contains(t, result.Content, "Do you want to proceed?")
	})

	t.Run("restore_checkpoint", func(t *testing.T) {
		pane := "  Restore the code to a previous state?\n  ─────\n  Some details\n  Enter to continue\n"
		result := ExtractInteractiveContent(pane)
		require.NotNil(t, result)
		assert.Equal(t, PromptRestoreCheckpoint, result.Name)
		assert.Contains(t, result.Content, "Restore the code")
	})

	t.Run("settings", func(t *testing.T) {
		pane := "  Settings: press tab to cycle\n  ─────\n  Option 1\n  Esc to cancel\n"
		result := ExtractInteractiveContent(pane)
		require.NotNil(t, result)
		assert.Equal(t, PromptSettings, result.Name)
		assert.Contains(t, result.Content, "Settings:")
	})

	t.Run("no_ui", func(t *testing.T) {
		assert.Nil(t, ExtractInteractiveContent("$ echo hello\nhello\n$\n"))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, ExtractInteractiveContent(""))
	})

	t.Run("too_few_lines_without_separators", func(t *testing.T) {
		pane := "  Do you want to proceed?\n  Esc to cancel\n"
		assert.Nil(t, ExtractInteractiveContent(pane))
	})

	t.Run("separator_gap_too_small", func(t *testing.T) {
		pane := strings.Join([]string{
			"  Do you want to proceed?",
			"  " + sep30,
			"  ❯ 1. Yes",
			"  " + sep30,
		}, "\n")
		assert.Nil(t, ExtractInteractiveContent(pane))
	})

	t.Run("inner_separator_lines_filtered", func(t *testing.T) {
		result := ExtractInteractiveContent(exitPlanPane())
		require.NotNil(t, result)
		assert.NotContains(t, result.Content, sep30)
	})
}

func TestIsInteractiveUI(t *testing.T) {
	assert.True(t, IsInteractiveUI(exitPlanPane()))
	assert.True(t, IsInteractiveUI(permissionPane()))
	assert.False(t, IsInteractiveUI("compiling...\ndone\n$\n"))
	assert.False(t, IsInteractiveUI(""))
}

func TestStripPaneChrome(t *testing.T) {
	t.Run("strips_from_separator", func(t *testing.T) {
		lines := []string{"some output", "more output", sep30, "❯", sep30, "  [Opus 4.6] Context: 34%"}
		assert.Equal(t, []string{"some output", "more output"}, StripPaneChrome(lines))
	})

	t.Run("no_separator_returns_all", func(t *testing.T) {
		lines := []string{"line 1", "line 2", "line 3"}
		assert.Equal(t, lines, StripPaneChrome(lines))
	})

	t.Run("short_separator_not_triggered", func(t *testing.T) {
		lines := []string{"output", strings.Repeat("─", 10), "more output"}
		assert.Equal(t, lines, StripPaneChrome(lines))
	})

	t.Run("only_searches_last_10_lines", func(t *testing.T) {
		lines := []string{sep30}
		for i := 0; i < 14; i++ {
			lines = append(lines, "line")
		}
		assert.Equal(t, lines, StripPaneChrome(lines))
	})
}

func TestExtractBashOutput(t *testing.T) {
	t.Run("extracts_command_output", func(t *testing.T) {
		out, ok := ExtractBashOutput("some context\n! echo hello\n⎿ hello\n", "echo hello")
		require.True(t, ok)
		assert.Contains(t, out, "! echo hello")
		assert.Contains(t, out, "hello")
	})

	t.Run("command_not_found", func(t *testing.T) {
		_, ok := ExtractBashOutput("some context\njust normal output\n", "echo hello")
		assert.False(t, ok)
	})

	t.Run("chrome_stripped", func(t *testing.T) {
		pane := "some context\n! ls\n⎿ file.txt\n" + sep30 + "\n❯\n" + sep30 + "\n  [Opus 4.6] Context: 34%\n"
		out, ok := ExtractBashOutput(pane, "ls")
		require.True(t, ok)
		assert.Contains(t, out, "file.txt")
		assert.NotContains(t, out, "Opus")
	})

	t.Run("prefix_match_truncated_command", func(t *testing.T) {
		out, ok := ExtractBashOutput("! long_comma…\n⎿ output\n", "long_command_that_gets_truncated")
		require.True(t, ok)
		assert.Contains(t, out, "output")
	})

	t.Run("trailing_blanks_trimmed", func(t *testing.T) {
		out, ok := ExtractBashOutput("! echo hi\n⎿ hi\n\n\n", "echo hi")
		require.True(t, ok)
		assert.False(t, strings.HasSuffix(out, "\n"))
	})
}
