package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// registration is one hook-written entry binding a window to a session.
type registration struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
}

// registrationKey is how the hook names entries: "<tmux_session>:<window>".
func (s *Store) registrationKey(window string) string {
	return s.tmuxSession + ":" + window
}

// SyncFromRegistration reads the registration file and folds new
// window-session bindings into the store. Windows no longer present in
// the file are derelict and get dropped. A missing file is not an error;
// the hook simply has not run yet.
func (s *Store) SyncFromRegistration() error {
	data, err := os.ReadFile(s.sessionMapFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries map[string]registration
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	prefix := s.tmuxSession + ":"
	valid := make(map[string]bool)

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for key, reg := range entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		window := strings.TrimPrefix(key, prefix)
		valid[window] = true
		if reg.SessionID == "" {
			continue
		}
		if _, err := uuid.Parse(reg.SessionID); err != nil {
			stateLog.Warn("registration_bad_session_id",
				slog.String("window", window),
				slog.String("session_id", reg.SessionID))
			continue
		}
		ws, ok := s.windows[window]
		if !ok {
			ws = &WindowState{}
			s.windows[window] = ws
		}
		if ws.SessionID != reg.SessionID || ws.CWD != reg.CWD {
			stateLog.Info("window_registered",
				slog.String("window", window),
				slog.String("session_id", reg.SessionID),
				slog.String("cwd", reg.CWD))
			ws.SessionID = reg.SessionID
			ws.CWD = reg.CWD
			changed = true
		}
	}

	for window := range s.windows {
		if window != "" && !valid[window] {
			stateLog.Info("window_deregistered", slog.String("window", window))
			delete(s.windows, window)
			changed = true
		}
	}

	if changed {
		s.saveLocked()
	}
	return nil
}

// WaitForRegistration polls the registration file until an entry for the
// window appears or the timeout elapses. Used right after creating a
// window: the agent inside it registers asynchronously via the hook.
func (s *Store) WaitForRegistration(ctx context.Context, window string, timeout time.Duration) bool {
	key := s.registrationKey(window)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if data, err := os.ReadFile(s.sessionMapFile); err == nil {
			var entries map[string]registration
			if json.Unmarshal(data, &entries) == nil {
				if reg, ok := entries[key]; ok && reg.SessionID != "" {
					if err := s.SyncFromRegistration(); err != nil {
						stateLog.Warn("registration_sync_failed", slog.String("error", err.Error()))
					}
					return true
				}
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Watch follows the registration file with fsnotify and re-syncs on
// change, debounced because hooks rewrite the file atomically (multiple
// events per rewrite). A slow periodic re-sync backstops missed events.
// Blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: the file is replaced by rename, which drops
	// a watch on the file itself.
	dir := filepath.Dir(s.sessionMapFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Base(s.sessionMapFile)
	var debounce *time.Timer
	debounced := make(chan struct{}, 1)

	fallback := time.NewTicker(30 * time.Second)
	defer fallback.Stop()

	sync := func() {
		if err := s.SyncFromRegistration(); err != nil {
			stateLog.Warn("registration_sync_failed", slog.String("error", err.Error()))
		}
	}
	sync()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case <-debounced:
			sync()
		case <-fallback.C:
			sync()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			stateLog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}
