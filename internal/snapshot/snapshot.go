// Package snapshot classifies captured terminal pane text from an agent
// window: status lines, interactive prompt UIs, context-usage chrome, and
// inline bash output. Everything here is pure string analysis so callers
// can poll cheaply and tests need no terminal.
package snapshot

import (
	"regexp"
	"strings"
)

// Prompt UI kinds, in detection precedence order.
const (
	PromptExitPlanMode      = "ExitPlanMode"
	PromptRestoreCheckpoint = "RestoreCheckpoint"
	PromptSettings          = "Settings"
	PromptPermission        = "PermissionPrompt"
	PromptAskUserQuestion   = "AskUserQuestion"
)

// statusSpinners are the spinner characters that lead a working-status line.
var statusSpinners = map[rune]bool{
	'·': true, '✻': true, '✽': true, '✶': true, '✳': true, '✢': true,
}

// InteractiveContent is the extracted body of a prompt UI awaiting input.
type InteractiveContent struct {
	Name        string // prompt kind, e.g. "AskUserQuestion"
	Content     string
	SupportsEsc bool
}

// promptKind pairs a kind name with the predicate that recognizes it in
// pane text. Checked in order; first match wins.
type promptKind struct {
	name  string
	match func(pane string) bool
}

func containsAny(pane string, phrases ...string) bool {
	for _, p := range phrases {
		if strings.Contains(pane, p) {
			return true
		}
	}
	return false
}

var promptKinds = []promptKind{
	{PromptExitPlanMode, func(p string) bool {
		return containsAny(p, "Would you like to proceed?", "written up a plan")
	}},
	{PromptRestoreCheckpoint, func(p string) bool {
		return containsAny(p, "Restore the code")
	}},
	{PromptSettings, func(p string) bool {
		return containsAny(p, "Settings:")
	}},
	{PromptPermission, func(p string) bool {
		return containsAny(p, "Do you want to proceed")
	}},
	{PromptAskUserQuestion, func(p string) bool {
		if strings.Contains(p, "❯") && hasNumberedOption(p) {
			return true
		}
		return (strings.Contains(p, "☐") || strings.Contains(p, "✔")) &&
			strings.Contains(p, "Submit")
	}},
}

func hasNumberedOption(pane string) bool {
	for i := '1'; i <= '9'; i++ {
		if strings.Contains(pane, string(i)+".") {
			return true
		}
	}
	return false
}

func detectPromptKind(pane string) string {
	for _, k := range promptKinds {
		if k.match(pane) {
			return k.name
		}
	}
	return ""
}

// ParseStatusLine extracts the agent's working-status line from pane text.
// Status lines start with a spinner character; the scan runs bottom-up over
// the last 15 lines because separators and the input prompt sit below the
// status. Returns "" when no status line is present.
func ParseStatusLine(pane string) string {
	if pane == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(pane), "\n")
	if len(lines) > 15 {
		lines = lines[len(lines)-15:]
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		r := []rune(line)
		if statusSpinners[r[0]] {
			return strings.TrimSpace(string(r[1:]))
		}
	}
	return ""
}

// IsInterruptible reports whether a status line indicates the agent is
// actively working and can be interrupted with Escape.
func IsInterruptible(status string) bool {
	return strings.Contains(strings.ToLower(status), "esc to interrupt")
}

var (
	reContextBracket = regexp.MustCompile(`Context:\s*(\d+)%`)
	reContextLeft    = regexp.MustCompile(`(\d+)%\s*context left`)
)

// ParseContextInfo extracts the context-usage percentage from pane chrome.
// Both chrome formats are recognized: "[Model] Context: NN%" and
// "NN% context left". Scans bottom-up so the freshest line wins.
func ParseContextInfo(pane string) (int, bool) {
	if pane == "" {
		return 0, false
	}
	lines := strings.Split(pane, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := reContextBracket.FindStringSubmatch(lines[i]); m != nil {
			return atoiDigits(m[1]), true
		}
		if m := reContextLeft.FindStringSubmatch(lines[i]); m != nil {
			return atoiDigits(m[1]), true
		}
	}
	return 0, false
}

// atoiDigits parses a string known to be decimal digits.
func atoiDigits(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

// isSeparatorLine reports whether a line is a horizontal rule: at least
// minLen visible characters, more than 80% of them box-drawing dashes.
func isSeparatorLine(line string, minLen int) bool {
	clean := strings.TrimSpace(line)
	runes := []rune(clean)
	if len(runes) < minLen {
		return false
	}
	dashes := 0
	for _, r := range runes {
		if r == '─' || r == '━' || r == '═' {
			dashes++
		}
	}
	return float64(dashes)/float64(len(runes)) > 0.8
}

// IsInteractiveUI reports whether the pane shows a prompt UI waiting for
// the user. Cheap check used by the poller before full extraction.
func IsInteractiveUI(pane string) bool {
	if pane == "" {
		return false
	}
	return detectPromptKind(pane) != ""
}

// ExtractInteractiveContent pulls the body of a prompt UI out of pane
// text. The UI draws horizontal separators above and below the
// interactive area; the two innermost ones (found bottom-up) bound the
// content. When the kind is recognizable but the separators are missing,
// the chrome-stripped pane stands in, provided it has at least three
// lines. Returns nil when the pane shows no prompt UI.
func ExtractInteractiveContent(pane string) *InteractiveContent {
	if pane == "" {
		return nil
	}
	kind := detectPromptKind(pane)
	if kind == "" {
		return nil
	}

	lines := strings.Split(strings.TrimSpace(pane), "\n")

	var seps []int
	for i := len(lines) - 1; i >= 0 && len(seps) < 2; i-- {
		if isSeparatorLine(lines[i], 10) {
			seps = append(seps, i)
		}
	}

	if len(seps) < 2 {
		stripped := StripPaneChrome(lines)
		if len(stripped) < 3 {
			return nil
		}
		return &InteractiveContent{
			Name:        kind,
			Content:     strings.Join(stripped, "\n"),
			SupportsEsc: true,
		}
	}

	bottom, top := seps[0], seps[1]
	if bottom-top < 3 {
		return nil
	}

	var content []string
	for _, line := range lines[top+1 : bottom] {
		if !isSeparatorLine(line, 10) {
			content = append(content, line)
		}
	}
	return &InteractiveContent{
		Name:        kind,
		Content:     strings.Join(content, "\n"),
		SupportsEsc: true,
	}
}

// StripPaneChrome drops the input-box chrome from the bottom of a pane:
// everything from the first long separator found within the last 10
// lines. Lines are returned unchanged when no such separator exists.
func StripPaneChrome(lines []string) []string {
	start := len(lines) - 10
	if start < 0 {
		start = 0
	}
	for i := start; i < len(lines); i++ {
		if isSeparatorLine(lines[i], 11) {
			return lines[:i]
		}
	}
	return lines
}

// ExtractBashOutput finds the echo of a bash command run inside the agent
// ("! <cmd>") and returns that line plus everything below it, chrome
// stripped and trailing blanks trimmed. The pane may truncate long
// commands with an ellipsis, so the match is prefix-tolerant. Returns
// ("", false) when the command is not on screen.
func ExtractBashOutput(pane, command string) (string, bool) {
	if pane == "" || command == "" {
		return "", false
	}
	lines := strings.Split(pane, "\n")
	start := -1
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "! ") {
			continue
		}
		shown := strings.TrimSuffix(strings.TrimPrefix(trimmed, "! "), "…")
		if strings.HasPrefix(command, shown) {
			start = i
		}
	}
	if start < 0 {
		return "", false
	}

	out := StripPaneChrome(lines[start:])
	for len(out) > 0 && strings.TrimSpace(out[len(out)-1]) == "" {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return "", false
	}
	return strings.Join(out, "\n"), true
}
