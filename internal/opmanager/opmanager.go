// SPDX-License-Identifier: Apache-2.0
// Package opmanager tracks asynchronous install/remove/start/stop runs,
// enforcing per-module serialization and a global concurrency cap, and
// fans out executor events to SSE subscribers.
package opmanager

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samurai-wtf/katana/internal/executor"
	"github.com/samurai-wtf/katana/internal/katanaerr"
)

// Status is an operation's position in its state machine.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EventType names the discriminated SSE event kinds.
type EventType string

const (
	EventProgress EventType = "progress"
	EventTask     EventType = "task"
	EventLog      EventType = "log"
	EventComplete EventType = "complete"
)

// Event is one item in an operation's event stream.
type Event struct {
	Type EventType `json:"event"`

	Percent int    `json:"percent,omitempty"`
	Message string `json:"message,omitempty"`

	TaskName   string `json:"task_name,omitempty"`
	TaskStatus string `json:"task_status,omitempty"`

	Level string `json:"level,omitempty"`
	Line  string `json:"line,omitempty"`

	Success    bool   `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Operation is the in-memory record of one install/remove/start/stop run.
type Operation struct {
	ID        string
	Module    string
	Kind      executor.Kind
	StartedAt time.Time

	mu          sync.Mutex
	status      Status
	completedAt time.Time
	err         error
	backlog     []Event
	subscribers map[int]chan Event
	nextSub     int
}

// Status returns the operation's current state.
func (op *Operation) Status() Status {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

// Err returns the terminal error, if any.
func (op *Operation) Err() error {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.err
}

// CompletedAt returns the terminal timestamp, zero if still in flight.
func (op *Operation) CompletedAt() time.Time {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.completedAt
}

func (op *Operation) setStatus(s Status) {
	op.mu.Lock()
	op.status = s
	op.mu.Unlock()
}

// emit appends e to the backlog and fans it out to every live subscriber.
// Each subscriber owns its own channel; a full channel is dropped from the
// subscriber set rather than blocking the operation.
func (op *Operation) emit(e Event) {
	op.mu.Lock()
	op.backlog = append(op.backlog, e)
	subs := make([]chan Event, 0, len(op.subscribers))
	for id, ch := range op.subscribers {
		select {
		case ch <- e:
		default:
			delete(op.subscribers, id)
			close(ch)
			continue
		}
		subs = append(subs, ch)
	}
	op.mu.Unlock()
}

// Subscribe returns a channel that first replays the backlog, then streams
// live events, plus an unsubscribe func the caller must invoke on
// disconnect so the operation does not retain a dead sink.
func (op *Operation) Subscribe() (<-chan Event, func()) {
	op.mu.Lock()
	defer op.mu.Unlock()

	ch := make(chan Event, 64)
	for _, e := range op.backlog {
		ch <- e
	}
	id := op.nextSub
	op.nextSub++
	op.subscribers[id] = ch

	unsubscribe := func() {
		op.mu.Lock()
		defer op.mu.Unlock()
		if live, ok := op.subscribers[id]; ok {
			delete(op.subscribers, id)
			close(live)
		}
	}
	return ch, unsubscribe
}

func (op *Operation) closeSubscribers() {
	op.mu.Lock()
	defer op.mu.Unlock()
	for id, ch := range op.subscribers {
		close(ch)
		delete(op.subscribers, id)
	}
}

// sinkAdapter implements executor.Sink on top of an Operation's emit.
type sinkAdapter struct{ op *Operation }

func (s sinkAdapter) Progress(percent int, message string) {
	s.op.emit(Event{Type: EventProgress, Percent: percent, Message: message})
}

func (s sinkAdapter) Task(name, status string) {
	s.op.emit(Event{Type: EventTask, TaskName: name, TaskStatus: status})
}

func (s sinkAdapter) Log(level, line string) {
	s.op.emit(Event{Type: EventLog, Level: level, Line: line})
}

// Manager runs operations submitted by the CLI or API, enforcing
// at-most-one in-flight operation per module and a bounded global
// concurrency cap.
type Manager struct {
	exec   *executor.Executor
	logger *slog.Logger

	opTimeout  time.Duration
	reapWindow time.Duration

	sem chan struct{}

	mu             sync.Mutex
	ops            map[string]*Operation
	activeByModule map[string]string

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithConcurrency sets the global concurrency cap (default 3).
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sem = make(chan struct{}, n)
		}
	}
}

// WithOpTimeout sets the hard per-operation timeout (default 5 minutes).
func WithOpTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.opTimeout = d
		}
	}
}

// WithReapWindow sets how long a terminal operation is retained for late
// subscribers before being forgotten (default 1 hour).
func WithReapWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reapWindow = d
		}
	}
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a Manager bound to exec with the given options applied over
// the documented defaults.
func New(exec *executor.Executor, opts ...Option) *Manager {
	m := &Manager{
		exec:           exec,
		logger:         slog.Default(),
		opTimeout:      5 * time.Minute,
		reapWindow:     time.Hour,
		sem:            make(chan struct{}, 3),
		ops:            make(map[string]*Operation),
		activeByModule: make(map[string]string),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.reapLoop()
	return m
}

// Stop ends the background reaper. In-flight operations are not canceled.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Submit admits a new operation for moduleName/kind. It rejects
// synchronously with OPERATION_IN_PROGRESS if another op is active for the
// same module name (case-insensitive), and with the Executor's own typed
// error (SYSTEM_LOCKED, ALREADY_EXISTS, NOT_FOUND, ...) if moduleName/kind
// fails its preconditions, so a caller like the API can map either to the
// right HTTP status before handing back an operation handle. Otherwise the
// op is queued and a worker goroutine runs it, blocking on the concurrency
// semaphore if saturated.
func (m *Manager) Submit(moduleName string, kind executor.Kind) (*Operation, error) {
	key := strings.ToLower(moduleName)

	// Evaluated before taking the admission lock: Precheck only reads state
	// and the catalog, so it must not hold activeByModule's lock for the
	// duration of that read.
	if err := m.exec.Precheck(moduleName, kind); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, busy := m.activeByModule[key]; busy {
		m.mu.Unlock()
		return nil, katanaerr.New(katanaerr.CodeOperationInFlight,
			"an operation is already in progress for module "+moduleName, nil).
			WithContext("module", moduleName)
	}

	op := &Operation{
		ID:          uuid.NewString(),
		Module:      moduleName,
		Kind:        kind,
		StartedAt:   time.Now().UTC(),
		status:      StatusQueued,
		subscribers: make(map[int]chan Event),
	}
	m.ops[op.ID] = op
	m.activeByModule[key] = op.ID
	m.mu.Unlock()

	go m.run(op)
	return op, nil
}

// Get returns the operation with the given id, or nil if unknown or
// already reaped.
func (m *Manager) Get(id string) *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops[id]
}

func (m *Manager) run(op *Operation) {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	op.setStatus(StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), m.opTimeout)
	defer cancel()

	start := time.Now()
	err := m.exec.Run(ctx, op.Module, op.Kind, sinkAdapter{op: op})
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded && err == nil {
		err = katanaerr.New(katanaerr.CodeTimedOut, "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", m.opTimeout.String())
	}

	op.mu.Lock()
	op.completedAt = time.Now().UTC()
	op.err = err
	if err != nil {
		op.status = StatusFailed
	} else {
		op.status = StatusCompleted
	}
	op.mu.Unlock()

	complete := Event{Type: EventComplete, Success: err == nil, DurationMs: duration.Milliseconds()}
	if err != nil {
		complete.Error = err.Error()
	}
	op.emit(complete)

	m.mu.Lock()
	key := strings.ToLower(op.Module)
	if m.activeByModule[key] == op.ID {
		delete(m.activeByModule, key)
	}
	m.mu.Unlock()

	// Give subscribers a short grace period to observe the terminal event
	// before their channels are closed out from under them.
	time.AfterFunc(2*time.Second, op.closeSubscribers)

	m.logger.Info("operation finished", "id", op.ID, "module", op.Module, "kind", op.Kind, "success", err == nil)
}

func (m *Manager) reapLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	cutoff := time.Now().Add(-m.reapWindow)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, op := range m.ops {
		completed := op.CompletedAt()
		if completed.IsZero() || completed.After(cutoff) {
			continue
		}
		delete(m.ops, id)
	}
}
