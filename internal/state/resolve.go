package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/twistedxcom/ccrelay/internal/tmux"
	"github.com/twistedxcom/ccrelay/internal/transcript"
)

// ErrNoActiveWindow is returned when an operation needs an active window
// and the user has not selected one.
var ErrNoActiveWindow = errors.New("no active window selected")

// ResolvedSession describes the agent session behind a window. Derived by
// reading the transcript, never cached across calls.
type ResolvedSession struct {
	SessionID    string
	Summary      string
	MessageCount int
	FilePath     string
}

// ShortSummary truncates the summary for window labels and menus.
func (r *ResolvedSession) ShortSummary() string {
	runes := []rune(r.Summary)
	if len(runes) > 30 {
		return string(runes[:27]) + "..."
	}
	return r.Summary
}

// sessionFilePath builds the direct transcript path: the cwd with path
// separators flattened to dashes, then <session_id>.jsonl inside it.
func (s *Store) sessionFilePath(sessionID, cwd string) string {
	if sessionID == "" || cwd == "" {
		return ""
	}
	encoded := strings.ReplaceAll(cwd, "/", "-")
	return filepath.Join(s.projectsDir, encoded, sessionID+".jsonl")
}

// resolveDirect reads the transcript for (sessionID, cwd), falling back
// to a glob search by session id when the direct path is absent.
func (s *Store) resolveDirect(sessionID, cwd string) *ResolvedSession {
	path := s.sessionFilePath(sessionID, cwd)
	if path == "" || !fileExists(path) {
		matches, _ := filepath.Glob(filepath.Join(s.projectsDir, "*", sessionID+".jsonl"))
		if len(matches) == 0 {
			return nil
		}
		path = matches[0]
		stateLog.Debug("session_found_via_glob", slog.String("path", path))
	}

	summary, err := transcript.ScanFile(path)
	if err != nil {
		return nil
	}
	return &ResolvedSession{
		SessionID:    sessionID,
		Summary:      summary.Title,
		MessageCount: summary.MessageCount,
		FilePath:     path,
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ResolveSession resolves a window to its agent session. Returns nil when
// the window has no binding. When the transcript file has vanished the
// stale binding is cleared so callers stop resolving it.
func (s *Store) ResolveSession(window string) *ResolvedSession {
	ws, ok := s.WindowSession(window)
	if !ok || ws.SessionID == "" || ws.CWD == "" {
		return nil
	}

	if session := s.resolveDirect(ws.SessionID, ws.CWD); session != nil {
		return session
	}

	stateLog.Warn("session_file_missing",
		slog.String("window", window), slog.String("session_id", ws.SessionID))
	s.ClearWindowSession(window)
	return nil
}

// GetUnreadInfo computes the unseen transcript range for (user, window).
// A user with no recorded offset has nothing unread: their offset starts
// at the current file size. An offset beyond the file size means the
// transcript was truncated, so everything counts as unread.
func (s *Store) GetUnreadInfo(userID int64, window string) *UnreadInfo {
	session := s.ResolveSession(window)
	if session == nil {
		return nil
	}
	fi, err := os.Stat(session.FilePath)
	if err != nil {
		return nil
	}
	size := fi.Size()

	offset, ok := s.Offset(userID, window)
	if !ok {
		return &UnreadInfo{HasUnread: false, StartOffset: size, EndOffset: size}
	}
	if offset > size {
		offset = 0
	}
	return &UnreadInfo{
		HasUnread:   offset < size,
		StartOffset: offset,
		EndOffset:   size,
	}
}

// RecentMessages reads the displayable messages for a window's session in
// the given byte range.
func (s *Store) RecentMessages(window string, startByte, endByte int64) ([]transcript.Message, error) {
	session := s.ResolveSession(window)
	if session == nil {
		return nil, nil
	}
	return transcript.ReadMessages(session.FilePath, startByte, endByte)
}

// ActiveSession pairs a live tmux window with its resolved session.
type ActiveSession struct {
	Window  tmux.Window
	Session *ResolvedSession
}

// ListActiveSessions returns the registered windows alongside their
// sessions. The registration file is re-read first so sessions started
// moments ago show up.
func (s *Store) ListActiveSessions(ctx context.Context) ([]ActiveSession, error) {
	if err := s.SyncFromRegistration(); err != nil {
		stateLog.Debug("registration_sync_failed", slog.String("error", err.Error()))
	}

	windows, err := s.driver.ListWindows(ctx)
	if err != nil {
		return nil, err
	}

	var out []ActiveSession
	for _, w := range windows {
		ws, ok := s.WindowSession(w.Name)
		if !ok || ws.SessionID == "" {
			continue
		}
		out = append(out, ActiveSession{Window: w, Session: s.ResolveSession(w.Name)})
	}
	return out, nil
}

// SendToWindow types text into a named window.
func (s *Store) SendToWindow(ctx context.Context, window, text string) error {
	w, err := s.driver.FindWindow(ctx, window)
	if err != nil {
		return fmt.Errorf("window %s: %w", window, err)
	}
	return s.driver.SendKeys(ctx, w.ID, text, false)
}

// SendToActiveWindow types text into the user's active window.
func (s *Store) SendToActiveWindow(ctx context.Context, userID int64, text string) error {
	window := s.ActiveWindow(userID)
	if window == "" {
		return ErrNoActiveWindow
	}
	return s.SendToWindow(ctx, window, text)
}

// FindWindowFuzzy locates a window by exact name first, then by fuzzy
// match against all window names.
func (s *Store) FindWindowFuzzy(ctx context.Context, query string) (*tmux.Window, error) {
	windows, err := s.driver.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(windows))
	for i, w := range windows {
		if w.Name == query {
			return &windows[i], nil
		}
		names[i] = w.Name
	}
	matches := fuzzy.Find(query, names)
	if len(matches) == 0 {
		return nil, tmux.ErrWindowNotFound
	}
	return &windows[matches[0].Index], nil
}
