// Package syncqueue serializes work per key. Triggers for a key that arrive while a
// run is in progress collapse into a single follow-up run.
package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Clark-Hu/crew-ratings/internal/logger"
)

// ErrClosed is returned by Trigger after Close has been called.
var ErrClosed = errors.New("syncqueue: closed")

// RunFunc performs the work for one key.
type RunFunc[T any] func(ctx context.Context, key string) (T, error)

// Options configures optional observers.
type Options struct {
	Logger *zap.Logger
	// OnCoalesce is called when a trigger joins an already pending run.
	OnCoalesce func(key string)
	// OnActiveChange receives the number of keys with a run in progress or pending.
	OnActiveChange func(active int)
}

// Queue runs at most one RunFunc per key at a time.
type Queue[T any] struct {
	run  RunFunc[T]
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	keys   map[string]*keyState[T]
	closed bool
}

type keyState[T any] struct {
	running bool
	pending *batch[T]
}

// batch is one future run shared by every trigger that joined it.
type batch[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// New builds a queue around run.
func New[T any](run RunFunc[T], opts Options) *Queue[T] {
	opts.Logger = logger.OrNop(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[T]{
		run:    run,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		keys:   make(map[string]*keyState[T]),
	}
}

// Trigger schedules a run for key and waits for the result of a run that started
// after this call. Cancelling ctx abandons the wait; the run itself continues.
func (q *Queue[T]) Trigger(ctx context.Context, key string) (T, error) {
	var zero T

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	st, ok := q.keys[key]
	if !ok {
		st = &keyState[T]{}
		q.keys[key] = st
		q.notifyActive()
	}
	if st.pending == nil {
		st.pending = &batch[T]{done: make(chan struct{})}
	} else if q.opts.OnCoalesce != nil {
		q.opts.OnCoalesce(key)
	}
	b := st.pending
	if !st.running {
		st.running = true
		q.wg.Add(1)
		go q.drain(key, st)
	}
	q.mu.Unlock()

	select {
	case <-b.done:
		return b.val, b.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *Queue[T]) drain(key string, st *keyState[T]) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		b := st.pending
		if b == nil {
			st.running = false
			delete(q.keys, key)
			q.notifyActive()
			q.mu.Unlock()
			return
		}
		st.pending = nil
		q.mu.Unlock()

		b.val, b.err = q.safeRun(key)
		close(b.done)
	}
}

func (q *Queue[T]) safeRun(key string) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.opts.Logger.Error("run panicked", zap.String("key", key), zap.Any("panic", r))
			err = fmt.Errorf("syncqueue: run for %q panicked: %v", key, r)
		}
	}()
	return q.run(q.ctx, key)
}

// notifyActive must be called with mu held.
func (q *Queue[T]) notifyActive() {
	if q.opts.OnActiveChange != nil {
		q.opts.OnActiveChange(len(q.keys))
	}
}

// Close rejects new triggers and waits for queued runs to finish. If ctx ends
// first, in-flight runs see their context cancelled.
func (q *Queue[T]) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
