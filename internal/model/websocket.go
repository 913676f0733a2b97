package model

import (
	"time"

	"github.com/makeasinger/jobserver/internal/job"
)

// WebSocket message types besides the job event kinds.
const (
	WSMessageTypeStatus = "status"
	WSMessageTypePing   = "ping"
	WSMessageTypePong   = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSFrame carries one job event, or the status sent on connect.
type WSFrame struct {
	Type      string    `json:"type"`
	JobID     string    `json:"jobId"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// WSError is the payload of error and critical frames.
type WSError struct {
	Message string `json:"message"`
}

// NewEventFrame converts a job event into a frame. Error payloads are
// rendered as messages since error values do not marshal.
func NewEventFrame(jobID string, evt job.Event) WSFrame {
	payload := evt.Payload
	if err, ok := payload.(error); ok {
		payload = WSError{Message: err.Error()}
	}
	return WSFrame{
		Type:      string(evt.Kind),
		JobID:     jobID,
		Payload:   payload,
		Timestamp: evt.Time,
	}
}

// NewStatusFrame wraps a status projection.
func NewStatusFrame(s job.Snapshot) WSFrame {
	return WSFrame{
		Type:      WSMessageTypeStatus,
		JobID:     s.ID,
		Payload:   NewJobStatus(s),
		Timestamp: time.Now().UTC(),
	}
}
