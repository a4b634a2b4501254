// Package state owns the relay's persistent mappings: which window each
// user is talking to, which agent session each window holds, and how far
// into each transcript a user has read. It reconciles itself against the
// registration file written by the session hook.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/twistedxcom/ccrelay/internal/logging"
	"github.com/twistedxcom/ccrelay/internal/tmux"
)

var stateLog = logging.ForComponent(logging.CompState)

// WindowState binds a tmux window to an agent session.
type WindowState struct {
	SessionID string `json:"session_id"`
	CWD       string `json:"cwd"`
}

// UnreadInfo describes the unseen byte range of a window's transcript for
// one user.
type UnreadInfo struct {
	HasUnread   bool
	StartOffset int64
	EndOffset   int64
}

// persisted is the on-disk shape of the store.
type persisted struct {
	ActiveSessions    map[int64]string            `json:"active_sessions"`
	WindowStates      map[string]*WindowState     `json:"window_states"`
	UserWindowOffsets map[int64]map[string]int64  `json:"user_window_offsets"`
}

// Store is the state hub. All exported methods are safe for concurrent
// use; every mutation is persisted atomically before returning.
type Store struct {
	mu      sync.RWMutex
	active  map[int64]string            // user -> window name
	windows map[string]*WindowState     // window name -> session binding
	offsets map[int64]map[string]int64  // user -> window -> byte offset

	stateFile      string
	sessionMapFile string
	projectsDir    string
	tmuxSession    string
	driver         tmux.Driver
}

// New loads (or initializes) a store backed by stateFile. sessionMapFile
// is the hook-written registration file; projectsDir holds the agent's
// transcript tree.
func New(stateFile, sessionMapFile, projectsDir, tmuxSession string, driver tmux.Driver) *Store {
	s := &Store{
		active:         make(map[int64]string),
		windows:        make(map[string]*WindowState),
		offsets:        make(map[int64]map[string]int64),
		stateFile:      stateFile,
		sessionMapFile: sessionMapFile,
		projectsDir:    projectsDir,
		tmuxSession:    tmuxSession,
		driver:         driver,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			stateLog.Warn("state_load_failed", slog.String("error", err.Error()))
		}
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		stateLog.Warn("state_corrupt_starting_fresh", slog.String("error", err.Error()))
		return
	}
	if p.ActiveSessions != nil {
		s.active = p.ActiveSessions
	}
	if p.WindowStates != nil {
		s.windows = p.WindowStates
	}
	if p.UserWindowOffsets != nil {
		s.offsets = p.UserWindowOffsets
	}
}

// saveLocked persists the store. Callers hold s.mu. The write-temp-rename
// dance keeps a crash from leaving a torn state file behind.
func (s *Store) saveLocked() {
	p := persisted{
		ActiveSessions:    s.active,
		WindowStates:      s.windows,
		UserWindowOffsets: s.offsets,
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		stateLog.Error("state_marshal_failed", slog.String("error", err.Error()))
		return
	}
	if err := atomicWrite(s.stateFile, data); err != nil {
		stateLog.Error("state_save_failed", slog.String("error", err.Error()))
	}
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// --- Active window ---

// SetActiveWindow points a user at a window.
func (s *Store) SetActiveWindow(userID int64, window string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[userID] = window
	s.saveLocked()
	stateLog.Info("active_window_set",
		slog.Int64("user", userID), slog.String("window", window))
}

// ActiveWindow returns the user's active window name, or "" when none.
func (s *Store) ActiveWindow(userID int64) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[userID]
}

// ClearActiveWindow detaches a user from their window.
func (s *Store) ClearActiveWindow(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[userID]; !ok {
		return
	}
	delete(s.active, userID)
	s.saveLocked()
}

// ActiveWindows returns a snapshot of user -> active window.
func (s *Store) ActiveWindows() map[int64]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]string, len(s.active))
	for uid, w := range s.active {
		out[uid] = w
	}
	return out
}

// UsersWatching returns the users whose active window currently maps to
// the given agent session.
func (s *Store) UsersWatching(sessionID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var users []int64
	for uid, window := range s.active {
		if ws, ok := s.windows[window]; ok && ws.SessionID == sessionID {
			users = append(users, uid)
		}
	}
	return users
}

// --- Window state ---

// WindowSession returns the session binding for a window. The second
// return is false when the window has never been registered.
func (s *Store) WindowSession(window string) (WindowState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.windows[window]
	if !ok {
		return WindowState{}, false
	}
	return *ws, true
}

// ClearWindowSession drops the session binding for a window, e.g. after
// the agent's history is cleared.
func (s *Store) ClearWindowSession(window string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.windows[window]; ok {
		ws.SessionID = ""
		ws.CWD = ""
	}
	s.saveLocked()
	stateLog.Info("window_session_cleared", slog.String("window", window))
}

// --- Read offsets ---

// Offset returns a user's recorded read offset for a window. ok is false
// when the user has never viewed this window.
func (s *Store) Offset(userID int64, window string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byWindow, ok := s.offsets[userID]
	if !ok {
		return 0, false
	}
	off, ok := byWindow[window]
	return off, ok
}

// SetOffset records how far into a window's transcript the user has read.
func (s *Store) SetOffset(userID int64, window string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offsets[userID] == nil {
		s.offsets[userID] = make(map[string]int64)
	}
	s.offsets[userID][window] = offset
	s.saveLocked()
}
