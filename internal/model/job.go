package model

import (
	"time"

	"github.com/makeasinger/jobserver/internal/job"
)

// JobStatus is the status projection returned by GET /:id.
type JobStatus struct {
	OK          bool          `json:"ok"`
	ID          string        `json:"id"`
	JobType     string        `json:"jobType"`
	State       job.State     `json:"state"`
	Spec        job.Spec      `json:"spec"`
	Progress    *job.Progress `json:"progress,omitempty"`
	Result      any           `json:"result,omitempty"`
	Error       *string       `json:"error,omitempty"`
	Warnings    []string      `json:"warnings"`
	Errors      []string      `json:"errors"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// NewJobStatus projects a job snapshot for the API.
func NewJobStatus(s job.Snapshot) JobStatus {
	st := JobStatus{
		OK:          true,
		ID:          s.ID,
		JobType:     s.Type,
		State:       s.State,
		Spec:        s.Input,
		Progress:    s.Progress,
		Result:      s.Result,
		Warnings:    s.Warnings,
		Errors:      s.Errors,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.FinishedAt,
	}
	if st.Warnings == nil {
		st.Warnings = []string{}
	}
	if st.Errors == nil {
		st.Errors = []string{}
	}
	if s.Err != nil {
		msg := s.Err.Error()
		st.Error = &msg
	}
	return st
}

// JobCreatedResponse is returned by POST /.
type JobCreatedResponse struct {
	ID string `json:"id"`
}

// ActiveResponse is returned by GET /.
type ActiveResponse struct {
	JobsActive int `json:"jobsActive"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK bool `json:"ok"`
}
