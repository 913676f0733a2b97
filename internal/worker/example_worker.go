package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/makeasinger/jobserver/internal/job"
)

// ExampleJobType is the job_type served by ExampleWorker.
const ExampleJobType = "example"

const exampleSteps = 5

// ErrExampleFailed is returned when a spec asks the example job to fail.
var ErrExampleFailed = errors.New("assertion failed: Example job failing as instructed by specification")

// ExampleSpec is the input of the example job.
type ExampleSpec struct {
	job.BaseSpec
	Succeed *bool `json:"succeed" validate:"required"`
}

// ExampleResult is the payload of a successful example job.
type ExampleResult struct {
	ID     string      `json:"id"`
	Spec   ExampleSpec `json:"spec"`
	Result bool        `json:"result"`
}

// ExampleWorker is a dummy job that reports progress in fixed steps.
type ExampleWorker struct {
	step time.Duration
}

// NewExampleWorker creates an example worker that waits step between
// progress updates.
func NewExampleWorker(step time.Duration) *ExampleWorker {
	return &ExampleWorker{step: step}
}

// RegisterExample registers the example job type on reg.
func RegisterExample(reg *job.Registry, step time.Duration) error {
	return job.Register(reg, ExampleJobType, NewExampleWorker(step).Process)
}

// Process runs the example job.
func (w *ExampleWorker) Process(ctx context.Context, in ExampleSpec, j *job.Job, pool job.Pool) (any, error) {
	started := time.Now()

	for i := 0; i < exampleSteps; i++ {
		if err := sleep(ctx, w.step); err != nil {
			return nil, err
		}

		pct := float64(i+1) * 100 / exampleSteps
		remaining := w.step * time.Duration(exampleSteps-i)
		j.Emit(job.EventProgress,
			job.NewProgress(pct, fmt.Sprintf("Step %d of %d", i+1, exampleSteps)).
				WithETA(time.Since(started), remaining))
	}

	if in.Succeed == nil || !*in.Succeed {
		return nil, ErrExampleFailed
	}

	// The last step stands in for CPU-bound work, so it runs on the pool.
	finalize := func(ctx context.Context) error { return sleep(ctx, w.step) }
	var err error
	if pool != nil {
		err = pool.Do(ctx, finalize)
	} else {
		err = finalize(ctx)
	}
	if err != nil {
		return nil, err
	}

	return &ExampleResult{ID: j.ID(), Spec: in, Result: true}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
