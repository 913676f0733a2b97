package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/makeasinger/jobserver/internal/job"
	"github.com/makeasinger/jobserver/internal/worker"
)

// RunnerConfig holds the runner limits.
type RunnerConfig struct {
	JobsMax  int
	CacheMax int
	CacheTTL time.Duration
	Threads  int
	Timeout  time.Duration // zero disables the per-job deadline
}

// JobRunner admits, starts and tracks jobs. Admission counts the active set;
// lookups go through a cache bounded by size and age.
type JobRunner struct {
	cfg      RunnerConfig
	registry *job.Registry
	pool     *worker.Pool
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	closed  bool
	active  map[string]*job.Job
	cache   *expirable.LRU[string, *job.Job]
	running sync.WaitGroup
}

// NewJobRunner creates a runner serving the handlers in registry. The runner
// owns a worker pool of cfg.Threads slots for its whole lifetime.
func NewJobRunner(cfg RunnerConfig, registry *job.Registry, log *zap.Logger) *JobRunner {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("runner")

	ctx, cancel := context.WithCancelCause(context.Background())
	r := &JobRunner{
		cfg:      cfg,
		registry: registry,
		pool:     worker.NewPool(cfg.Threads, log),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*job.Job),
	}
	r.cache = expirable.NewLRU[string, *job.Job](cfg.CacheMax, r.onEvict, cfg.CacheTTL)
	return r
}

// Registry returns the handler registry.
func (r *JobRunner) Registry() *job.Registry { return r.registry }

// AddJob admits spec and starts its handler. It returns as soon as the job
// is running; ctx only bounds admission, never the job itself.
func (r *JobRunner) AddJob(ctx context.Context, spec job.Spec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", job.ErrRunnerClosed
	}
	if len(r.active) >= r.cfg.JobsMax {
		return "", fmt.Errorf("%w: maximum parallel job limit (%d) reached, try again later",
			job.ErrTooManyJobs, r.cfg.JobsMax)
	}

	jobType := spec.JobType()
	def, ok := r.registry.Lookup(jobType)
	if !ok {
		return "", fmt.Errorf("%w '%s'", job.ErrUnknownJobType, jobType)
	}

	id := r.newIDLocked()
	j := job.New(id, spec, def, r.log)
	j.Subscribe(func(evt job.Event) { r.dispatch(j, evt) })

	r.active[id] = j
	r.cache.Add(id, j)
	r.running.Add(1)
	j.Start(r.ctx, r.pool, r.cfg.Timeout)

	r.log.Info("Job accepted",
		zap.String("job_id", id),
		zap.String("job_type", jobType),
		zap.Int("jobs_active", len(r.active)))
	return id, nil
}

func (r *JobRunner) newIDLocked() string {
	for {
		id := uuid.New().String()
		if _, ok := r.active[id]; ok {
			continue
		}
		if r.cache.Contains(id) {
			continue
		}
		return id
	}
}

// Lookup resolves a cached job.
func (r *JobRunner) Lookup(id string) (*job.Job, error) {
	j, ok := r.cache.Peek(id)
	if !ok {
		return nil, fmt.Errorf("%w: No such job ID '%s'", job.ErrJobNotFound, id)
	}
	return j, nil
}

// Status returns a snapshot of a cached job.
func (r *JobRunner) Status(id string) (job.Snapshot, error) {
	j, err := r.Lookup(id)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// ActiveCount returns the number of jobs holding a concurrency slot.
func (r *JobRunner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// CachedCount returns the number of resolvable jobs.
func (r *JobRunner) CachedCount() int {
	return r.cache.Len()
}

// Shutdown refuses new jobs and waits for running ones. When ctx expires
// first, running jobs have their context cancelled and are waited for again;
// handlers are expected to honor ctx.
func (r *JobRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	active := len(r.active)
	r.mu.Unlock()

	r.log.Info("Shutting down job runner", zap.Int("jobs_active", active))

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("Shutdown deadline reached, cancelling running jobs")
		r.cancel(job.ErrRunnerClosed)
		<-done
		err = ctx.Err()
	}

	r.cancel(job.ErrRunnerClosed)
	r.pool.Close()
	r.cache.Purge()
	return err
}

func (r *JobRunner) dispatch(j *job.Job, evt job.Event) {
	switch evt.Kind {
	case job.EventComplete:
		r.onJobComplete(j, evt.Payload)
	case job.EventCritical:
		err, _ := evt.Payload.(error)
		r.onJobCritical(j, err)
	case job.EventDebug:
		r.onJobDebug(j, evt.Payload)
	case job.EventError:
		err, _ := evt.Payload.(error)
		r.onJobError(j, err)
	case job.EventInfo:
		r.onJobInfo(j, evt.Payload)
	case job.EventProgress:
		p, _ := evt.Payload.(*job.Progress)
		r.onJobProgress(j, p)
	case job.EventWarning:
		r.onJobWarning(j, evt.Payload)
	}

	if evt.Kind.Terminal() {
		r.release(j)
	}
}

// release frees the job's concurrency slot. The job stays resolvable until
// its cache entry goes.
func (r *JobRunner) release(j *job.Job) {
	r.mu.Lock()
	delete(r.active, j.ID())
	r.mu.Unlock()
	r.running.Done()
}

func (r *JobRunner) onEvict(id string, j *job.Job) {
	if j.State() == job.StateRunning {
		r.log.Warn("Running job evicted from cache: it keeps running but can no longer be looked up",
			zap.String("job_id", id), zap.String("job_type", j.Type()))
		return
	}
	r.log.Debug("Job evicted from cache", zap.String("job_id", id), zap.String("job_type", j.Type()))
}

func jobFields(j *job.Job) []zap.Field {
	return []zap.Field{zap.String("job_id", j.ID()), zap.String("job_type", j.Type())}
}

func (r *JobRunner) onJobComplete(j *job.Job, _ any) {
	r.log.Info("Job COMPLETE", jobFields(j)...)
}

func (r *JobRunner) onJobCritical(j *job.Job, err error) {
	r.log.Error("Job FAILED", append(jobFields(j), zap.Error(err))...)
}

func (r *JobRunner) onJobDebug(j *job.Job, msg any) {
	r.log.Debug("Job debug", append(jobFields(j), zap.Any("payload", msg))...)
}

func (r *JobRunner) onJobError(j *job.Job, err error) {
	r.log.Warn("Job error", append(jobFields(j), zap.Error(err))...)
}

func (r *JobRunner) onJobInfo(j *job.Job, msg any) {
	r.log.Info("Job info", append(jobFields(j), zap.Any("payload", msg))...)
}

func (r *JobRunner) onJobProgress(j *job.Job, p *job.Progress) {
	if p == nil {
		return
	}
	r.log.Debug("Job progress", append(jobFields(j), zap.Float64("pct", p.Pct), zap.String("message", p.Message))...)
}

func (r *JobRunner) onJobWarning(j *job.Job, msg any) {
	r.log.Warn("Job warning", append(jobFields(j), zap.String("payload", job.Describe(msg)))...)
}
