package queueing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ztaylor54/kopf/internal/primitives"
)

// ErrPoolClosed is returned by Admit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is one unit of work run by the pool. It must return when ctx is done.
type Task func(ctx context.Context) error

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Limit is the maximum number of live tasks. Zero or less means unbounded.
	Limit int

	// CloseTimeout bounds how long Close waits for terminated tasks.
	CloseTimeout time.Duration

	// OnFailure is called once, with the first task error.
	OnFailure func(err error)

	// Changes is notified whenever a task ends. Optional.
	Changes *primitives.Signal
}

// Pool spawns tasks with admission control and captures the first failure.
type Pool struct {
	logger *zap.Logger
	opts   PoolOptions
	sem    *semaphore.Weighted // nil when unbounded

	// Tasks run under ctx, which is detached from the admitting caller so that
	// a cancelled dispatcher does not kill its workers before depletion.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	live   atomic.Int64

	mu      sync.Mutex
	closed  bool
	failure error

	closeOnce sync.Once
}

// NewPool creates a pool. Values carried by parent (but not its
// cancellation) are inherited by the tasks.
func NewPool(parent context.Context, logger *zap.Logger, opts PoolOptions) *Pool {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	p := &Pool{
		logger: logger.Named("pool"),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.Limit > 0 {
		p.sem = semaphore.NewWeighted(int64(opts.Limit))
	}
	return p
}

// Admit starts task, blocking while the pool is full. It returns ctx.Err()
// if ctx is done before a slot frees, and ErrPoolClosed after Close.
func (p *Pool) Admit(ctx context.Context, task Task) error {
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.release()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.live.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.release()
		defer p.notify()
		defer p.live.Add(-1)

		if err := p.run(task); err != nil {
			p.fail(err)
		}
	}()
	return nil
}

// run executes task, turning a panic into an error.
func (p *Pool) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	err = task(p.ctx)
	if err != nil && p.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		// Terminated by Close; not a failure.
		return nil
	}
	return err
}

// fail records the first failure and escalates it. Later failures are only
// logged: each worker already logged its own error with full context.
func (p *Pool) fail(err error) {
	p.mu.Lock()
	first := p.failure == nil
	if first {
		p.failure = err
	}
	p.mu.Unlock()

	if !first {
		p.logger.Debug("Worker failure not escalated, another one already was", zap.Error(err))
		return
	}
	if p.opts.OnFailure != nil {
		p.opts.OnFailure(err)
	}
}

func (p *Pool) release() {
	if p.sem != nil {
		p.sem.Release(1)
	}
}

func (p *Pool) notify() {
	if p.opts.Changes != nil {
		p.opts.Changes.Notify()
	}
}

// Live returns the number of tasks currently running.
func (p *Pool) Live() int {
	return int(p.live.Load())
}

// Failure returns the first task error, if any.
func (p *Pool) Failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

// Close terminates all live tasks and waits for them, at most CloseTimeout.
// It takes no context: once started it always runs to completion. Calling it
// more than once is safe.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(p.opts.CloseTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			p.logger.Warn("Workers did not terminate within the close timeout",
				zap.Int("live", p.Live()),
				zap.Duration("close_timeout", p.opts.CloseTimeout))
		}
	})
}
