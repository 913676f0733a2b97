package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Do after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool bounds how many offloaded functions run at once. It is created once
// per runner and shared by every job.
type Pool struct {
	size int64
	sem  *semaphore.Weighted
	log  *zap.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
}

// NewPool creates a pool with size slots. Sizes below one are raised to one.
func NewPool(size int, log *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
		log:  log.Named("pool"),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// Do runs fn on a pool slot and returns its error. It blocks until a slot is
// free or ctx is done.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	p.mu.RUnlock()
	defer p.inflight.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	return fn(ctx)
}

// Close refuses new work and waits for in-flight calls to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.inflight.Wait()
	p.log.Debug("Worker pool closed", zap.Int64("size", p.size))
}
