package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	pool := NewWorkerPool(3, nil)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		key := string(rune('a' + i))
		require.True(t, pool.Go(context.Background(), key, func(ctx context.Context) {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(3))
	assert.Equal(t, int64(10), pool.Metrics().Completed)
}

func TestWorkerPool_OneJobPerKey(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	var runs, concurrent, peak int64
	job := func(ctx context.Context) {
		c := atomic.AddInt64(&concurrent, 1)
		if c > atomic.LoadInt64(&peak) {
			atomic.StoreInt64(&peak, c)
		}
		atomic.AddInt64(&runs, 1)
		<-release
		atomic.AddInt64(&concurrent, -1)
	}

	require.True(t, pool.Go(context.Background(), "exec-1", job))
	require.Eventually(t, func() bool { return atomic.LoadInt64(&runs) == 1 }, time.Second, time.Millisecond)

	// Scheduling the same key while it runs queues exactly one rerun.
	require.True(t, pool.Go(context.Background(), "exec-1", job))
	require.True(t, pool.Go(context.Background(), "exec-1", job))
	assert.True(t, pool.Running("exec-1"))

	close(release)
	pool.Wait()

	assert.Equal(t, int64(2), atomic.LoadInt64(&runs))
	assert.Equal(t, int64(1), atomic.LoadInt64(&peak))
	assert.False(t, pool.Running("exec-1"))
}

func TestWorkerPool_Cancel(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.True(t, pool.Go(context.Background(), "k", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}))
	<-started

	assert.True(t, pool.Cancel("k"))
	pool.Wait()
	assert.True(t, cancelled.Load())
	assert.False(t, pool.Cancel("k"))
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	var gotKey string
	var gotValue any
	pool := NewWorkerPool(1, func(key string, r any) {
		gotKey, gotValue = key, r
	})
	defer pool.Shutdown()

	require.True(t, pool.Go(context.Background(), "boom", func(context.Context) { panic("kaboom") }))
	pool.Wait()

	assert.Equal(t, int64(1), pool.Metrics().Panics)
	assert.Equal(t, "boom", gotKey)
	assert.Equal(t, "kaboom", gotValue)
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(1, nil)

	started := make(chan struct{})
	require.True(t, pool.Go(context.Background(), "long", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started

	// Queued behind the running job; shutdown drops it.
	var queuedRan atomic.Bool
	require.True(t, pool.Go(context.Background(), "queued", func(context.Context) { queuedRan.Store(true) }))

	pool.Shutdown()
	assert.False(t, queuedRan.Load())
	assert.False(t, pool.Go(context.Background(), "late", func(context.Context) {}))
	pool.Shutdown()
}
