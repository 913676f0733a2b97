// Package job implements the lifecycle of a single asynchronous job: its
// handler goroutine, its typed event stream and the registry that binds
// job_type names to handlers.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle state of a Job.
type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Pool runs CPU-bound work on a bounded set of slots. Handlers receive the
// runner's pool and decide whether to use it.
type Pool interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Listener receives events synchronously on the emitting goroutine. It must
// not block and must not call Observe on the same Job.
type Listener func(Event)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Subscription is a registered Listener. Unsubscribe detaches it; calling it
// more than once is harmless.
type Subscription struct {
	job  *Job
	id   uint64
	once sync.Once
}

// Unsubscribe stops delivery to the listener. Events already being delivered
// may still reach it.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.job.detach(s.id) })
}

// Snapshot is a consistent view of a Job's observable state.
type Snapshot struct {
	ID         string
	Type       string
	Input      Spec
	State      State
	CreatedAt  time.Time
	FinishedAt *time.Time
	Progress   *Progress
	Result     any
	Err        error
	Warnings   []string
	Errors     []string
}

// Job is one accepted unit of work. The zero value is not usable; jobs are
// created with New and started with Start.
type Job struct {
	id        string
	input     Spec
	def       *Definition
	createdAt time.Time
	log       *zap.Logger
	startOnce sync.Once
	done      chan struct{}

	// emitMu serializes delivery so listeners see events in emission order.
	emitMu sync.Mutex

	mu         sync.Mutex
	state      State
	listeners  []listenerEntry
	nextID     uint64
	finishedAt time.Time
	progress   *Progress
	result     any
	failure    error
	warnings   []string
	errs       []string
}

// New creates a Job bound to def. The handler does not run until Start.
func New(id string, input Spec, def *Definition, log *zap.Logger) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		id:        id,
		input:     input,
		def:       def,
		createdAt: time.Now().UTC(),
		log:       log.With(zap.String("job_id", id), zap.String("job_type", def.Type)),
		done:      make(chan struct{}),
		state:     StateRunning,
	}
}

func (j *Job) ID() string           { return j.id }
func (j *Job) Type() string         { return j.def.Type }
func (j *Job) Input() Spec          { return j.input }
func (j *Job) CreatedAt() time.Time { return j.createdAt }

// Done is closed once the terminal event has been delivered.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current lifecycle state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Snapshot returns the current observable state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:        j.id,
		Type:      j.def.Type,
		Input:     j.input,
		State:     j.state,
		CreatedAt: j.createdAt,
		Progress:  j.progress,
		Result:    j.result,
		Err:       j.failure,
		Warnings:  append([]string(nil), j.warnings...),
		Errors:    append([]string(nil), j.errs...),
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// Subscribe registers l for every event emitted from now on. There is no
// replay: events emitted before the call are never seen by l.
func (j *Job) Subscribe(l Listener) *Subscription {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attachLocked(l)
}

// Observe calls onSnapshot with the current state and subscribes l, with no
// event delivered in between. onSnapshot runs under the Job's delivery lock
// and must not block.
func (j *Job) Observe(onSnapshot func(Snapshot), l Listener) *Subscription {
	j.emitMu.Lock()
	defer j.emitMu.Unlock()

	j.mu.Lock()
	snap := j.snapshotLocked()
	sub := j.attachLocked(l)
	j.mu.Unlock()

	onSnapshot(snap)
	return sub
}

func (j *Job) attachLocked(l Listener) *Subscription {
	j.nextID++
	j.listeners = append(j.listeners, listenerEntry{id: j.nextID, fn: l})
	return &Subscription{job: j, id: j.nextID}
}

func (j *Job) detach(id uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, l := range j.listeners {
		if l.id == id {
			j.listeners = append(j.listeners[:i:i], j.listeners[i+1:]...)
			return
		}
	}
}

// Emit publishes a non-terminal event. Terminal kinds are reserved for the
// job's own completion observer and are refused.
func (j *Job) Emit(kind EventKind, payload any) {
	if kind.Terminal() {
		j.log.Warn("Refusing terminal event emitted by handler", zap.String("kind", string(kind)))
		return
	}
	j.emit(kind, payload)
}

// Progress emits a progress event.
func (j *Job) Progress(pct float64, message string) {
	j.Emit(EventProgress, NewProgress(pct, message))
}

func (j *Job) Info(v any)  { j.Emit(EventInfo, v) }
func (j *Job) Debug(v any) { j.Emit(EventDebug, v) }

// Warning emits a recoverable concern.
func (j *Job) Warning(v any) { j.Emit(EventWarning, v) }

// ReportError emits a serious but non-fatal error.
func (j *Job) ReportError(err error) { j.Emit(EventError, err) }

func (j *Job) emit(kind EventKind, payload any) bool {
	j.emitMu.Lock()
	defer j.emitMu.Unlock()

	j.mu.Lock()
	if j.state != StateRunning {
		state := j.state
		j.mu.Unlock()
		if kind.Terminal() {
			j.log.Error("Job resolved twice: possible zombie goroutine",
				zap.String("kind", string(kind)), zap.String("state", string(state)))
		} else {
			j.log.Debug("Dropping event emitted after terminal event", zap.String("kind", string(kind)))
		}
		return false
	}

	evt := Event{Kind: kind, Payload: payload, Time: time.Now().UTC()}
	j.recordLocked(evt)
	listeners := append([]listenerEntry(nil), j.listeners...)
	j.mu.Unlock()

	for _, l := range listeners {
		j.deliver(l, evt)
	}
	if kind.Terminal() {
		close(j.done)
	}
	return true
}

func (j *Job) recordLocked(evt Event) {
	switch evt.Kind {
	case EventProgress:
		if p, ok := evt.Payload.(*Progress); ok {
			j.progress = p
		}
	case EventWarning:
		j.warnings = append(j.warnings, Describe(evt.Payload))
	case EventError:
		j.errs = append(j.errs, Describe(evt.Payload))
	case EventComplete:
		j.state = StateCompleted
		j.result = evt.Payload
		j.finishedAt = evt.Time
	case EventCritical:
		j.state = StateFailed
		j.failure, _ = evt.Payload.(error)
		j.finishedAt = evt.Time
	}
}

func (j *Job) deliver(l listenerEntry, evt Event) {
	defer func() {
		if v := recover(); v != nil {
			j.log.Error("Job listener panicked",
				zap.Uint64("subscription", l.id),
				zap.String("kind", string(evt.Kind)),
				zap.Any("panic", v))
		}
	}()
	l.fn(evt)
}

// Start runs the handler on its own goroutine. ctx bounds the handler; a
// positive timeout adds a deadline. Calls after the first are ignored.
func (j *Job) Start(ctx context.Context, pool Pool, timeout time.Duration) {
	j.startOnce.Do(func() {
		go j.run(ctx, pool, timeout)
	})
}

func (j *Job) run(parent context.Context, pool Pool, timeout time.Duration) {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}

	result, err := j.invoke(ctx, pool)
	j.resolve(parent, result, err)
}

func (j *Job) invoke(ctx context.Context, pool Pool) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v}
		}
	}()
	return j.def.run(ctx, j.input, j, pool)
}

// resolve is the completion observer: it emits exactly one terminal event.
func (j *Job) resolve(parent context.Context, result any, err error) {
	if parent.Err() != nil && errors.Is(context.Cause(parent), ErrRunnerClosed) {
		j.emit(EventWarning, fmt.Errorf("job resolved after runner shutdown cancelled it: %w", context.Cause(parent)))
	}
	if err != nil {
		j.emit(EventCritical, err)
		return
	}
	j.emit(EventComplete, result)
}

// Describe renders an event payload as a message string.
func Describe(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case error:
		return t.Error()
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
