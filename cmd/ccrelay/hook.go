package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/twistedxcom/ccrelay/internal/config"
)

// hookPayload is the SessionStart event the agent writes to the hook's
// stdin. Extra fields are ignored.
type hookPayload struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
	EventName string `json:"hook_event_name"`
}

// mapEntry is one registration record in the session map file.
type mapEntry struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
}

// runHook handles `ccrelay hook`. Hooks run inside the agent's pane, so
// this path must not require the daemon's config (bot token etc.) and a
// malformed event exits 0: failing the hook would break the agent's
// startup for nothing.
func runHook(args []string) int {
	for _, a := range args {
		if a == "--install" {
			return installHook()
		}
	}

	var payload hookPayload
	if err := json.NewDecoder(os.Stdin).Decode(&payload); err != nil {
		return 0
	}
	if payload.EventName != "SessionStart" || payload.SessionID == "" {
		return 0
	}
	if _, err := uuid.Parse(payload.SessionID); err != nil {
		return 0
	}
	if payload.CWD != "" && !filepath.IsAbs(payload.CWD) {
		return 0
	}

	key, ok := paneWindowKey()
	if !ok {
		return 0
	}

	mapFile := filepath.Join(config.Dir(), "session_map.json")
	if err := updateSessionMap(mapFile, key, mapEntry{
		SessionID: payload.SessionID,
		CWD:       payload.CWD,
	}); err != nil {
		fmt.Fprintln(os.Stderr, "ccrelay hook:", err)
	}
	return 0
}

// paneWindowKey resolves "<session>:<window>" for the pane this hook
// runs in. TMUX_PANE is set by tmux for every process inside a pane.
func paneWindowKey() (string, bool) {
	paneID := os.Getenv("TMUX_PANE")
	if paneID == "" {
		return "", false
	}
	out, err := exec.Command("tmux", "display-message", "-t", paneID,
		"-p", "#{session_name}:#{window_name}").Output()
	if err != nil {
		return "", false
	}
	key := strings.TrimSpace(string(out))
	if key == "" || !strings.Contains(key, ":") {
		return "", false
	}
	return key, true
}

// updateSessionMap performs the locked read-modify-write of the session
// map. Concurrent hooks from parallel panes serialize on the lock file;
// the map itself is replaced atomically so the daemon's watcher never
// reads a half-written file.
func updateSessionMap(mapFile, key string, entry mapEntry) error {
	if err := os.MkdirAll(filepath.Dir(mapFile), 0o755); err != nil {
		return err
	}

	lock, err := os.OpenFile(mapFile+".lock", os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	entries := make(map[string]mapEntry)
	if data, err := os.ReadFile(mapFile); err == nil {
		// A corrupt map starts over rather than killing the hook.
		json.Unmarshal(data, &entries)
	}
	entries[key] = entry

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := mapFile + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, mapFile)
}

// Claude Code settings.json shapes, loosely typed: the file carries much
// more than hooks and all of it must survive a rewrite.
const hookCommandSuffix = "ccrelay hook"

func installHook() int {
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ccrelay hook:", err)
		return 1
	}
	settingsFile := filepath.Join(home, ".claude", "settings.json")

	settings := make(map[string]any)
	if data, err := os.ReadFile(settingsFile); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			fmt.Fprintf(os.Stderr, "ccrelay hook: parse %s: %v\n", settingsFile, err)
			return 1
		}
	}

	if hookInstalled(settings) {
		fmt.Println("Hook already installed in " + settingsFile)
		return 0
	}

	command := hookCommandSuffix
	if exe, err := os.Executable(); err == nil {
		command = exe + " hook"
	}

	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = make(map[string]any)
		settings["hooks"] = hooks
	}
	sessionStart, _ := hooks["SessionStart"].([]any)
	hooks["SessionStart"] = append(sessionStart, map[string]any{
		"hooks": []any{map[string]any{
			"type":    "command",
			"command": command,
			"timeout": 5,
		}},
	})

	if err := os.MkdirAll(filepath.Dir(settingsFile), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "ccrelay hook:", err)
		return 1
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "ccrelay hook:", err)
		return 1
	}
	if err := os.WriteFile(settingsFile, append(data, '\n'), 0o644); err != nil {
		fmt.Fprintln(os.Stderr, "ccrelay hook:", err)
		return 1
	}
	fmt.Println("Hook installed in " + settingsFile)
	return 0
}

// hookInstalled detects an existing registration, matching both a bare
// "ccrelay hook" and absolute paths ending in it.
func hookInstalled(settings map[string]any) bool {
	hooks, _ := settings["hooks"].(map[string]any)
	sessionStart, _ := hooks["SessionStart"].([]any)
	for _, e := range sessionStart {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}
		inner, _ := entry["hooks"].([]any)
		for _, h := range inner {
			hm, ok := h.(map[string]any)
			if !ok {
				continue
			}
			cmd, _ := hm["command"].(string)
			if cmd == hookCommandSuffix || strings.HasSuffix(cmd, "/"+hookCommandSuffix) {
				return true
			}
		}
	}
	return false
}
