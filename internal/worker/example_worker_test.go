package worker

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/jobserver/internal/job"
)

func runExample(t *testing.T, body string) (*job.Job, []job.Event) {
	t.Helper()

	reg := job.NewRegistry(validator.New(), nil)
	require.NoError(t, RegisterExample(reg, time.Millisecond))

	spec, err := reg.Decode([]byte(body))
	require.NoError(t, err)
	def, ok := reg.Lookup(ExampleJobType)
	require.True(t, ok)

	pool := NewPool(1, nil)
	defer pool.Close()

	j := job.New("example-1", spec, def, nil)
	events := make(chan job.Event, 16)
	j.Subscribe(func(evt job.Event) { events <- evt })
	j.Start(context.Background(), pool, 0)

	select {
	case <-j.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("example job did not finish")
	}
	close(events)

	var out []job.Event
	for evt := range events {
		out = append(out, evt)
	}
	return j, out
}

func TestExampleWorker_Succeeds(t *testing.T) {
	j, events := runExample(t, `{"job_type":"example","succeed":true}`)

	require.Len(t, events, 6)
	for i, evt := range events[:5] {
		require.Equal(t, job.EventProgress, evt.Kind)
		p := evt.Payload.(*job.Progress)
		assert.Equal(t, float64((i+1)*20), p.Pct)
	}
	assert.Equal(t, job.EventComplete, events[5].Kind)

	result, ok := events[5].Payload.(*ExampleResult)
	require.True(t, ok)
	assert.Equal(t, j.ID(), result.ID)
	assert.True(t, result.Result)
	assert.Equal(t, job.StateCompleted, j.State())
}

func TestExampleWorker_FailsWhenAsked(t *testing.T) {
	j, events := runExample(t, `{"job_type":"example","succeed":false}`)

	require.Len(t, events, 6)
	last := events[len(events)-1]
	assert.Equal(t, job.EventCritical, last.Kind)
	assert.ErrorIs(t, last.Payload.(error), ErrExampleFailed)
	for _, evt := range events {
		assert.NotEqual(t, job.EventComplete, evt.Kind)
	}
	assert.Equal(t, job.StateFailed, j.State())
}

func TestExampleSpec_RequiresSucceed(t *testing.T) {
	reg := job.NewRegistry(validator.New(), nil)
	require.NoError(t, RegisterExample(reg, time.Millisecond))

	_, err := reg.Decode([]byte(`{"job_type":"example"}`))
	var verr *job.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "required", verr.Fields["succeed"])
}
