package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2, nil)
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for iter := 0; iter < 8; iter++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), func(ctx context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 2, p.Size())
}

func TestPool_ReturnsFunctionError(t *testing.T) {
	p := NewPool(1, nil)
	defer p.Close()

	boom := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPool_AcquireHonorsContext(t *testing.T) {
	p := NewPool(1, nil)
	defer p.Close()

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestPool_CloseWaitsAndRejects(t *testing.T) {
	p := NewPool(0, nil)
	require.Equal(t, 1, p.Size())

	started := make(chan struct{})
	var finished atomic.Bool
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		})
	}()
	<-started

	p.Close()
	assert.True(t, finished.Load())
	assert.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return nil }), ErrPoolClosed)
	p.Close()
}
