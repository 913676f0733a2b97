package job

import "time"

// EventKind names one of the typed events a Job emits.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventInfo     EventKind = "info"
	EventDebug    EventKind = "debug"
	EventWarning  EventKind = "warning"
	EventError    EventKind = "error"
	EventCritical EventKind = "critical"
	EventComplete EventKind = "complete"
)

// Kinds lists every event kind in a stable order.
var Kinds = []EventKind{
	EventProgress, EventInfo, EventDebug, EventWarning, EventError, EventCritical, EventComplete,
}

// Terminal reports whether the kind ends a Job's lifecycle.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventCritical
}

// Event is a single entry of a Job's event stream.
//
// Payload depends on Kind: *Progress for progress, error for error and
// critical, the handler result for complete, anything for the rest.
type Event struct {
	Kind    EventKind
	Payload any
	Time    time.Time
}

// Progress is a point-in-time progress update.
type Progress struct {
	Pct           float64   `json:"pct"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	TimeElapsed   *float64  `json:"timeElapsed,omitempty"`
	TimeRemaining *float64  `json:"timeRemaining,omitempty"`
}

// NewProgress builds a progress update with pct clamped to [0, 100].
func NewProgress(pct float64, message string) *Progress {
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	return &Progress{
		Pct:       pct,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithETA attaches elapsed and remaining estimates. Negative durations are
// treated as unknown.
func (p *Progress) WithETA(elapsed, remaining time.Duration) *Progress {
	if elapsed >= 0 {
		s := elapsed.Seconds()
		p.TimeElapsed = &s
	}
	if remaining >= 0 {
		s := remaining.Seconds()
		p.TimeRemaining = &s
	}
	return p
}
