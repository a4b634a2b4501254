package transcript

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/twistedxcom/ccrelay/internal/logging"
)

var monitorLog = logging.ForComponent(logging.CompState)

// Handler receives parsed events in file order.
type Handler func(ctx context.Context, ev Event)

// Monitor tails the agent's per-project JSONL transcript files and emits
// an Event per new message. Files that already exist when the monitor
// starts are read from their current end: history replay is the
// catch-up path's job, not the monitor's.
type Monitor struct {
	projectsDir string
	handler     Handler
	offsets     map[string]int64
}

func NewMonitor(projectsDir string, handler Handler) *Monitor {
	return &Monitor{
		projectsDir: projectsDir,
		handler:     handler,
		offsets:     make(map[string]int64),
	}
}

// Run tails transcripts until ctx is cancelled. fsnotify does not
// recurse, so the projects root and every project subdirectory get
// their own watch; new subdirectories are picked up as they appear. A
// periodic sweep backstops missed events.
func (m *Monitor) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := os.MkdirAll(m.projectsDir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(m.projectsDir); err != nil {
		return err
	}
	m.scanExisting(watcher)

	sweep := time.NewTicker(2 * time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				if err := watcher.Add(ev.Name); err != nil {
					monitorLog.Warn("watch_add_failed", slog.String("dir", ev.Name))
				}
				continue
			}
			if strings.HasSuffix(ev.Name, ".jsonl") {
				m.drain(ctx, ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			monitorLog.Warn("watcher_error", slog.String("error", err.Error()))
		case <-sweep.C:
			m.sweepAll(ctx, watcher)
		}
	}
}

// scanExisting seeds offsets at end-of-file for transcripts present at
// startup and registers watches on the project subdirectories.
func (m *Monitor) scanExisting(watcher *fsnotify.Watcher) {
	dirs, err := os.ReadDir(m.projectsDir)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(m.projectsDir, d.Name())
		if err := watcher.Add(dir); err != nil {
			monitorLog.Warn("watch_add_failed", slog.String("dir", dir))
			continue
		}
		files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		if err != nil {
			continue
		}
		for _, f := range files {
			if info, err := os.Stat(f); err == nil {
				m.offsets[f] = info.Size()
			}
		}
	}
}

// sweepAll re-checks every known transcript for growth and discovers
// files created in directories whose events were missed.
func (m *Monitor) sweepAll(ctx context.Context, watcher *fsnotify.Watcher) {
	dirs, err := os.ReadDir(m.projectsDir)
	if err != nil {
		return
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		dir := filepath.Join(m.projectsDir, d.Name())
		watcher.Add(dir)
		files, _ := filepath.Glob(filepath.Join(dir, "*.jsonl"))
		for _, f := range files {
			info, err := os.Stat(f)
			if err != nil {
				continue
			}
			if info.Size() != m.offsets[f] {
				m.drain(ctx, f)
			}
		}
	}
}

// drain reads the file forward from its stored offset and emits an event
// per new message. Truncation (a smaller file) restarts from zero.
func (m *Monitor) drain(ctx context.Context, path string) {
	offset := m.offsets[path]
	info, err := os.Stat(path)
	if err != nil {
		delete(m.offsets, path)
		return
	}
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	sessionID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// A partial trailing line belongs to the next drain.
			break
		}
		offset += int64(len(line))
		if e := ParseLine(line); e != nil {
			for _, ev := range e.Events(sessionID) {
				m.handler(ctx, ev)
			}
		}
	}
	m.offsets[path] = offset
}
