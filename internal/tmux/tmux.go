// Package tmux drives the terminal multiplexer hosting agent windows.
// All operations shell out to the tmux CLI and are scoped to a single
// named tmux session; windows within it are the unit everything else
// (state store, relay) works in.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/twistedxcom/ccrelay/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrWindowNotFound is returned when a named window does not exist
// (it may have been closed since the caller last saw it).
var ErrWindowNotFound = errors.New("window not found")

// captureCacheTTL bounds how long a captured pane snapshot is reused.
// Rapid classify calls within one poll tick share a single subprocess.
const captureCacheTTL = 500 * time.Millisecond

// Window describes one tmux window in the relay session.
type Window struct {
	ID   string // tmux window id, e.g. "@3"
	Name string
	CWD  string // pane current path
}

// Driver is the terminal-driver contract consumed by the state store and
// the relay. Implemented by Client; tests substitute fakes.
type Driver interface {
	ListWindows(ctx context.Context) ([]Window, error)
	FindWindow(ctx context.Context, name string) (*Window, error)
	CreateWindow(ctx context.Context, cwd string) (*Window, error)
	KillWindow(ctx context.Context, id string) error
	CapturePane(ctx context.Context, windowID string) (string, error)
	SendKeys(ctx context.Context, windowID, keys string, literal bool) error
	SendKey(ctx context.Context, windowID, key string) error
}

// Client is the exec-backed Driver for one tmux session.
type Client struct {
	session      string
	agentCommand string

	// Capture cache: reduces capture-pane subprocess spawns when the
	// poller and dispatcher inspect the same window within one tick.
	cacheMu sync.RWMutex
	cache   map[string]captureEntry
	sf      singleflight.Group
}

type captureEntry struct {
	content string
	at      time.Time
}

// NewClient creates a driver for the given tmux session. agentCommand is
// launched inside newly created windows.
func NewClient(session, agentCommand string) *Client {
	return &Client{
		session:      session,
		agentCommand: agentCommand,
		cache:        make(map[string]captureEntry),
	}
}

// IsAvailable checks that tmux is installed and runnable.
func IsAvailable() error {
	out, err := exec.Command("tmux", "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, string(out))
	}
	return nil
}

// EnsureSession creates the relay tmux session if it does not exist.
func (c *Client) EnsureSession(ctx context.Context) error {
	if exec.CommandContext(ctx, "tmux", "has-session", "-t", c.session).Run() == nil {
		return nil
	}
	out, err := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", c.session).CombinedOutput()
	if err != nil {
		return fmt.Errorf("create session %s: %w (output: %s)", c.session, err, string(out))
	}
	return nil
}

// ListWindows returns all windows in the relay session.
func (c *Client) ListWindows(ctx context.Context) ([]Window, error) {
	cmd := exec.CommandContext(ctx, "tmux", "list-windows", "-t", c.session,
		"-F", "#{window_id}\t#{window_name}\t#{pane_current_path}")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("list-windows: %w", err)
	}

	var windows []Window
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) < 2 {
			continue
		}
		w := Window{ID: parts[0], Name: parts[1]}
		if len(parts) == 3 {
			w.CWD = parts[2]
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// FindWindow locates a window by exact name. Returns ErrWindowNotFound
// when no window has that name.
func (c *Client) FindWindow(ctx context.Context, name string) (*Window, error) {
	windows, err := c.ListWindows(ctx)
	if err != nil {
		return nil, err
	}
	for i := range windows {
		if windows[i].Name == name {
			return &windows[i], nil
		}
	}
	return nil, ErrWindowNotFound
}

// CreateWindow opens a new window named cc-<n> in cwd and starts the
// agent command in it.
func (c *Client) CreateWindow(ctx context.Context, cwd string) (*Window, error) {
	name, err := c.nextWindowName(ctx)
	if err != nil {
		return nil, err
	}

	args := []string{"new-window", "-d", "-t", c.session + ":", "-n", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	args = append(args, "-P", "-F", "#{window_id}")
	out, err := exec.CommandContext(ctx, "tmux", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("new-window: %w", err)
	}
	w := &Window{ID: strings.TrimSpace(string(out)), Name: name, CWD: cwd}

	if c.agentCommand != "" {
		if err := c.SendKeys(ctx, w.ID, c.agentCommand, false); err != nil {
			return nil, fmt.Errorf("start agent in %s: %w", name, err)
		}
	}

	tmuxLog.Info("window_created", slog.String("window", name), slog.String("cwd", cwd))
	return w, nil
}

// nextWindowName picks the first free cc-<n> name.
func (c *Client) nextWindowName(ctx context.Context) (string, error) {
	windows, err := c.ListWindows(ctx)
	if err != nil {
		return "", err
	}
	used := make(map[string]bool, len(windows))
	for _, w := range windows {
		used[w.Name] = true
	}
	for n := 1; ; n++ {
		name := fmt.Sprintf("cc-%d", n)
		if !used[name] {
			return name, nil
		}
	}
}

// KillWindow closes a window by id.
func (c *Client) KillWindow(ctx context.Context, id string) error {
	c.invalidate(id)
	if err := exec.CommandContext(ctx, "tmux", "kill-window", "-t", id).Run(); err != nil {
		return fmt.Errorf("kill-window %s: %w", id, err)
	}
	tmuxLog.Info("window_killed", slog.String("window", id))
	return nil
}

// CapturePane captures the visible pane content of a window, with ANSI
// escape sequences stripped. Concurrent captures of the same window are
// deduplicated, and results are cached briefly.
func (c *Client) CapturePane(ctx context.Context, windowID string) (string, error) {
	c.cacheMu.RLock()
	if e, ok := c.cache[windowID]; ok && time.Since(e.at) < captureCacheTTL {
		c.cacheMu.RUnlock()
		return e.content, nil
	}
	c.cacheMu.RUnlock()

	v, err, _ := c.sf.Do(windowID, func() (interface{}, error) {
		out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-p", "-t", windowID).Output()
		if err != nil {
			return "", fmt.Errorf("capture-pane %s: %w", windowID, err)
		}
		content := StripANSI(string(out))
		c.cacheMu.Lock()
		c.cache[windowID] = captureEntry{content: content, at: time.Now()}
		c.cacheMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SendKeys types text into a window. When literal is false a trailing
// Enter is sent; literal mode sends the keys exactly as given (used for
// navigation keys and control characters).
func (c *Client) SendKeys(ctx context.Context, windowID, keys string, literal bool) error {
	c.invalidate(windowID)

	args := []string{"send-keys", "-t", windowID, "-l", keys}
	if err := exec.CommandContext(ctx, "tmux", args...).Run(); err != nil {
		return fmt.Errorf("send-keys to %s: %w", windowID, err)
	}
	if !literal {
		// Enter is sent separately: some agent UIs treat a trailing
		// newline inside -l input as a literal character.
		if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", windowID, "Enter").Run(); err != nil {
			return fmt.Errorf("send enter to %s: %w", windowID, err)
		}
	}
	return nil
}

// SendKey sends a named tmux key (Up, Down, Enter, Escape, ...) to a
// window without literal interpretation.
func (c *Client) SendKey(ctx context.Context, windowID, key string) error {
	c.invalidate(windowID)
	if err := exec.CommandContext(ctx, "tmux", "send-keys", "-t", windowID, key).Run(); err != nil {
		return fmt.Errorf("send-key %s to %s: %w", key, windowID, err)
	}
	return nil
}

func (c *Client) invalidate(windowID string) {
	c.cacheMu.Lock()
	delete(c.cache, windowID)
	c.cacheMu.Unlock()
}
