package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// PanicHandler is told about a job that panicked.
type PanicHandler func(key string, recovered any)

// slot is the registry entry of one keyed job.
type slot struct {
	cancel context.CancelFunc
	again  bool
}

// WorkerPool is a bounded goroutine pool that runs at most one job per key.
// Go on a key whose job is still running does not start a second goroutine;
// it marks the running job to be run once more after it returns.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	onPanic PanicHandler

	mu      sync.Mutex
	running map[string]*slot
	done    chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, onPanic PanicHandler) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:     make(chan struct{}, size),
		onPanic: onPanic,
		running: make(map[string]*slot),
		done:    make(chan struct{}),
	}
}

// Go schedules fn under key and returns immediately. The job waits for a free
// slot, then runs with a context derived from parent that Cancel(key) and
// Shutdown cancel. It returns false once the pool has been shut down.
func (p *WorkerPool) Go(parent context.Context, key string, fn func(ctx context.Context)) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if s, ok := p.running[key]; ok {
		s.again = true
		p.mu.Unlock()
		return true
	}
	ctx, cancel := context.WithCancel(parent)
	s := &slot{cancel: cancel}
	p.running[key] = s
	// wg.Add stays under the lock so Shutdown's Wait cannot miss it.
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	go p.loop(parent, ctx, key, s, fn)
	return true
}

func (p *WorkerPool) loop(parent, ctx context.Context, key string, s *slot, fn func(ctx context.Context)) {
	defer p.wg.Done()

	acquired := false
	select {
	case p.sem <- struct{}{}:
		acquired = true
	case <-ctx.Done():
	case <-p.done:
	}
	atomic.AddInt64(&p.metrics.Queued, -1)
	if !acquired {
		p.release(key, s)
		return
	}
	defer func() { <-p.sem }()

	for {
		p.run(ctx, key, fn)

		p.mu.Lock()
		if !s.again || p.closed {
			delete(p.running, key)
			p.mu.Unlock()
			s.cancel()
			return
		}
		s.again = false
		s.cancel()
		ctx, s.cancel = context.WithCancel(parent)
		p.mu.Unlock()
	}
}

func (p *WorkerPool) run(ctx context.Context, key string, fn func(ctx context.Context)) {
	atomic.AddInt64(&p.metrics.Active, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			if p.onPanic != nil {
				p.onPanic(key, r)
			}
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		atomic.AddInt64(&p.metrics.Completed, 1)
	}()
	fn(ctx)
}

func (p *WorkerPool) release(key string, s *slot) {
	p.mu.Lock()
	if p.running[key] == s {
		delete(p.running, key)
	}
	p.mu.Unlock()
	s.cancel()
}

// Cancel cancels the context of the job running under key, if any.
func (p *WorkerPool) Cancel(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.running[key]
	if !ok {
		return false
	}
	s.again = false
	s.cancel()
	return true
}

// Running reports whether a job is queued or running under key.
func (p *WorkerPool) Running(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[key]
	return ok
}

// Wait blocks until all scheduled jobs complete.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses new jobs, cancels every running job and waits for them
// to return.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	for _, s := range p.running {
		s.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
