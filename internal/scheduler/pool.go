package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"tickermetrics/internal/model"
)

// Pool runs work on at most size concurrent workers.
type Pool struct {
	sem            *semaphore.Weighted
	size           int
	acquireTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// base is cancelled when Shutdown gives up waiting.
	base   context.Context
	cancel context.CancelFunc

	active atomic.Int64
	onBusy func(int)
}

// NewPool creates a pool of size workers. A zero acquireTimeout waits for a
// free worker as long as the caller's context allows.
func NewPool(size int, acquireTimeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:            semaphore.NewWeighted(int64(size)),
		size:           size,
		acquireTimeout: acquireTimeout,
		base:           base,
		cancel:         cancel,
	}
}

// OnBusy registers a callback receiving the number of busy workers after
// every change. Must be set before the first Go.
func (p *Pool) OnBusy(fn func(int)) { p.onBusy = fn }

// Size returns the maximum number of concurrent workers.
func (p *Pool) Size() int { return p.size }

// Active returns the number of workers currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Go blocks until a worker is free, then runs fn on it. The context passed to
// fn is cancelled when ctx is or when Shutdown forces termination.
//
// Returns ErrPoolExhausted if no worker frees up within the acquire timeout,
// ErrPoolClosed after Shutdown, or ctx's error.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return model.ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.acquire(ctx); err != nil {
		p.wg.Done()
		return err
	}

	p.busy(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.busy(-1)

		workCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(p.base, cancel)
		defer stop()
		defer cancel()

		fn(workCtx)
	}()
	return nil
}

func (p *Pool) acquire(ctx context.Context) error {
	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.acquireTimeout > 0 {
		acqCtx, cancel = context.WithTimeout(acqCtx, p.acquireTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(p.base, cancel)
	defer stop()

	err := p.sem.Acquire(acqCtx, 1)
	if err == nil {
		return nil
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case p.base.Err() != nil:
		return model.ErrPoolClosed
	case errors.Is(err, context.DeadlineExceeded):
		return model.ErrPoolExhausted
	default:
		return err
	}
}

func (p *Pool) busy(delta int64) {
	n := p.active.Add(delta)
	if p.onBusy != nil {
		p.onBusy(int(n))
	}
}

// Shutdown stops accepting work and waits for in-flight work to finish. If ctx
// ends first, in-flight work is cancelled and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
