package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull      = errors.New("order: execution queue full")
	ErrExecutorClosed = errors.New("order: executor closed")
)

// job is one queued intent. done, when set, receives the result.
type job struct {
	ctx    context.Context
	chatID int64
	intent Intent
	done   func(Result)
}

// AsyncExecutor runs intents on a fixed worker pool. Results are published
// on the bus by the wrapped Executor; callers may also pass a callback.
type AsyncExecutor struct {
	executor *Executor
	jobs     chan job
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	log      *zap.Logger
}

// NewAsyncExecutor starts workers goroutines draining a queue of size depth.
func NewAsyncExecutor(executor *Executor, workers, depth int) *AsyncExecutor {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 100
	}
	a := &AsyncExecutor{
		executor: executor,
		jobs:     make(chan job, depth),
		log:      executor.log.Named("async"),
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}
	return a
}

func (a *AsyncExecutor) worker() {
	defer a.wg.Done()
	for j := range a.jobs {
		start := time.Now()
		res := a.executor.Execute(j.ctx, j.intent, j.chatID)
		a.log.Debug("queued intent done",
			zap.Int64("chat_id", j.chatID),
			zap.String("kind", string(j.intent.Kind)),
			zap.Bool("success", res.Success),
			zap.Duration("latency", time.Since(start)))
		if j.done != nil {
			j.done(res)
		}
	}
}

// Submit queues an intent without blocking. The context is detached from
// the caller's cancellation so an accepted intent runs to completion.
func (a *AsyncExecutor) Submit(ctx context.Context, chatID int64, intent Intent, done func(Result)) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrExecutorClosed
	}
	select {
	case a.jobs <- job{ctx: context.WithoutCancel(ctx), chatID: chatID, intent: intent, done: done}:
		return nil
	default:
		a.log.Warn("execution queue full, intent rejected", zap.Int64("chat_id", chatID), zap.String("kind", string(intent.Kind)))
		return ErrQueueFull
	}
}

// Pending returns the number of queued intents not yet picked up.
func (a *AsyncExecutor) Pending() int {
	return len(a.jobs)
}

// Close stops accepting intents and waits for queued ones to finish.
func (a *AsyncExecutor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.jobs)
	a.mu.Unlock()
	a.wg.Wait()
}
