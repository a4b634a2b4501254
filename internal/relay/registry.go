package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/twistedxcom/ccrelay/internal/channel"
	"github.com/twistedxcom/ccrelay/internal/logging"
	"github.com/twistedxcom/ccrelay/internal/state"
	"github.com/twistedxcom/ccrelay/internal/tmux"
)

var relayLog = logging.ForComponent(logging.CompRelay)

// Options tune the delivery core. Zero values fall back to defaults.
type Options struct {
	MaxQueueSize int           // overflow compaction threshold
	MergeBudget  int           // max rendered runes for a merged message
	SendInterval time.Duration // per-user minimum gap between new sends
	PollInterval time.Duration // status poll tick
	SettleDelay  time.Duration // wait after keystrokes before recapture

	// HideUserMessages suppresses the echo of prompts typed at the
	// terminal itself.
	HideUserMessages bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxQueueSize <= 0 {
		out.MaxQueueSize = 5
	}
	if out.MergeBudget <= 0 {
		out.MergeBudget = 3800
	}
	if out.SendInterval <= 0 {
		out.SendInterval = 1100 * time.Millisecond
	}
	if out.PollInterval <= 0 {
		out.PollInterval = time.Second
	}
	if out.SettleDelay <= 0 {
		out.SettleDelay = 300 * time.Millisecond
	}
	return out
}

// statusInfo tracks a user's single live ephemeral status message.
type statusInfo struct {
	msgID    int64
	window   string
	lastText string
}

// interactiveInfo tracks a user's live interactive prompt display.
type interactiveInfo struct {
	window string
	msgID  int64
}

// userRecord is everything the relay holds for one user: the queue, its
// worker, and the message-tracking maps the worker and interactive path
// maintain.
type userRecord struct {
	id int64

	// mu is the queue lock: it serializes enqueue/drain/refill/dedup
	// against the worker's own dequeue.
	mu    sync.Mutex
	tasks []*Task
	busy  bool // worker is mid-dispatch
	wake  chan struct{}

	// trackMu guards the message-tracking state below.
	trackMu     sync.Mutex
	status      *statusInfo
	toolMsgs    map[string]int64 // tool_use_id -> channel message id
	interactive *interactiveInfo

	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

// Relay owns one record per active user plus the collaborators every
// dispatch path needs. Construct with New, tear down with Shutdown.
type Relay struct {
	ch     channel.Client
	driver tmux.Driver
	store  *state.Store
	opts   Options

	mu    sync.Mutex
	users map[int64]*userRecord

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates the relay. Workers are spun up lazily per user.
func New(ch channel.Client, driver tmux.Driver, store *state.Store, opts Options) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		ch:         ch,
		driver:     driver,
		store:      store,
		opts:       opts.withDefaults(),
		users:      make(map[int64]*userRecord),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// record returns the user's record, creating it and starting its worker
// on first use.
func (r *Relay) record(userID int64) *userRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.users[userID]; ok {
		return rec
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	rec := &userRecord{
		id:       userID,
		wake:     make(chan struct{}, 1),
		toolMsgs: make(map[string]int64),
		limiter:  rate.NewLimiter(rate.Every(r.opts.SendInterval), 1),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	r.users[userID] = rec
	go r.runWorker(ctx, rec)
	relayLog.Info("worker_started", slog.Int64("user", userID))
	return rec
}

// Shutdown cancels every worker and waits for them to finish their
// current task. No task is abandoned mid-dispatch.
func (r *Relay) Shutdown() {
	r.cancelBase()
	r.mu.Lock()
	recs := make([]*userRecord, 0, len(r.users))
	for _, rec := range r.users {
		recs = append(recs, rec)
	}
	r.users = make(map[int64]*userRecord)
	r.mu.Unlock()

	for _, rec := range recs {
		rec.cancel()
		<-rec.done
	}
	relayLog.Info("relay_shutdown", slog.Int("workers", len(recs)))
}

// --- queue operations (all hold rec.mu) ---

func (rec *userRecord) signal() {
	select {
	case rec.wake <- struct{}{}:
	default:
	}
}

func (rec *userRecord) queueLen() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.tasks)
}

// idle reports whether the queue is empty and the worker is not
// mid-dispatch.
func (rec *userRecord) idle() bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.tasks) == 0 && !rec.busy
}

// EnqueueContent queues a content task, compacting first on overflow.
func (r *Relay) EnqueueContent(userID int64, task *Task) {
	rec := r.record(userID)
	rec.mu.Lock()
	r.compactLocked(rec)
	rec.tasks = append(rec.tasks, task)
	rec.mu.Unlock()
	rec.signal()
}

// EnqueueStatus queues a status update for a window, first removing any
// stale queued status for the same window: only the latest matters, and a
// queued-but-undispatched stale status must never reach the user. An
// empty text queues a status clear instead.
func (r *Relay) EnqueueStatus(userID int64, window, text string) {
	rec := r.record(userID)
	rec.mu.Lock()

	filtered := rec.tasks[:0]
	for _, t := range rec.tasks {
		if t.Type == TaskStatusUpdate && t.Window == window {
			continue
		}
		filtered = append(filtered, t)
	}
	rec.tasks = filtered

	r.compactLocked(rec)

	if text == "" {
		rec.tasks = append(rec.tasks, &Task{Type: TaskStatusClear, Window: window})
	} else {
		rec.tasks = append(rec.tasks, &Task{Type: TaskStatusUpdate, Window: window, Status: text})
	}
	rec.mu.Unlock()
	rec.signal()
}

// compactLocked applies overflow compaction when the queue exceeds the
// cap: keep the first content task for context plus the most recent cap
// items, and inject a warning stating what was dropped. Caller holds
// rec.mu.
func (r *Relay) compactLocked(rec *userRecord) {
	if len(rec.tasks) <= r.opts.MaxQueueSize {
		return
	}

	compacted, dropped := compactTasks(rec.tasks, r.opts.MaxQueueSize)
	if dropped == 0 {
		rec.tasks = compacted
		return
	}

	relayLog.Warn("queue_overflow_compacted",
		slog.Int64("user", rec.id),
		slog.Int("dropped", dropped),
		slog.Int("kept", len(compacted)))

	warning := warningTask(dropped, len(compacted))
	rec.tasks = append([]*Task{warning}, compacted...)
}
