package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/jobserver/internal/job"
)

func TestNewJobStatus_Failed(t *testing.T) {
	done := time.Now().UTC()
	st := NewJobStatus(job.Snapshot{
		ID:         "abc",
		Type:       "example",
		State:      job.StateFailed,
		Err:        errors.New("boom"),
		FinishedAt: &done,
	})

	require.NotNil(t, st.Error)
	assert.Equal(t, "boom", *st.Error)
	assert.Equal(t, []string{}, st.Warnings)

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"failed"`)
	assert.Contains(t, string(raw), `"completedAt"`)
	assert.NotContains(t, string(raw), `"result"`)
}

func TestNewEventFrame_RendersErrors(t *testing.T) {
	f := NewEventFrame("abc", job.Event{Kind: job.EventCritical, Payload: errors.New("boom"), Time: time.Now()})

	raw, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"type":"critical"`)
	assert.Contains(t, string(raw), `"payload":{"message":"boom"}`)
	assert.Contains(t, string(raw), `"jobId":"abc"`)
}
