package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// ErrAlreadySettled is returned when an entry is resolved more than once.
var ErrAlreadySettled = errors.New("entry already settled")

// Queue delivers settle notifications in submission order regardless of the order
// in which entries resolve.
type Queue[T any] struct {
	log    *zap.SugaredLogger
	notify func(*Entry[T])
	// Bounds how many work functions started by Go run at once; nil means unbounded.
	sem *semaphore.Weighted

	mu      sync.Mutex
	entries *list.List // *Entry[T] in submission order
	seq     uint64

	// Serializes draining so notifications from concurrent resolutions cannot interleave.
	deliverMu sync.Mutex
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	concurrency int64
}

// WithConcurrency bounds how many work functions admitted with Go run at once.
func WithConcurrency(n int64) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// New creates a Queue that calls notify for every entry, in submission order, once
// it and all entries before it have resolved. notify may be nil. It must not
// resolve entries of the same queue synchronously; admitting new work is allowed.
func New[T any](log *zap.SugaredLogger, notify func(*Entry[T]), opts ...Option) (*Queue[T], error) {
	if log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency < 0 {
		return nil, errors.New("invalid concurrency: must not be negative")
	}

	q := &Queue[T]{
		log:     log,
		notify:  notify,
		entries: list.New(),
	}
	if o.concurrency > 0 {
		q.sem = semaphore.NewWeighted(o.concurrency)
	}
	return q, nil
}

// Add admits an unresolved entry at the tail of the queue.
func (q *Queue[T]) Add() *Entry[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	e := &Entry[T]{
		queue:   q,
		seq:     q.seq,
		settled: make(chan struct{}),
	}
	e.elem = q.entries.PushBack(e)
	return e
}

// Go admits an entry and resolves it with the result of work, run in its own
// goroutine. If the queue is bounded and ctx ends before a slot frees up, the
// entry resolves with ctx's error and work is not called.
func (q *Queue[T]) Go(ctx context.Context, work func(context.Context) (T, error)) *Entry[T] {
	e := q.Add()
	go func() {
		if q.sem != nil {
			if err := q.sem.Acquire(ctx, 1); err != nil {
				var zero T
				_ = e.Resolve(zero, err)
				return
			}
			defer q.sem.Release(1)
		}
		v, err := work(ctx)
		_ = e.Resolve(v, err)
	}()
	return e
}

// Len returns the number of entries not yet notified.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}

// resolve records the result of e. It reports false if e was already resolved.
func (q *Queue[T]) resolve(e *Entry[T], v T, err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e.resolved {
		return false
	}
	e.value = v
	e.err = err
	e.resolved = true
	return true
}

// drain notifies and removes the resolved prefix of the queue.
func (q *Queue[T]) drain() {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()

	var ready []*Entry[T]
	q.mu.Lock()
	for front := q.entries.Front(); front != nil; front = q.entries.Front() {
		e := front.Value.(*Entry[T])
		if !e.resolved {
			break
		}
		q.entries.Remove(front)
		e.elem = nil
		ready = append(ready, e)
	}
	q.mu.Unlock()

	for _, e := range ready {
		if q.notify != nil {
			q.notify(e)
		}
		close(e.settled)
	}
}

// Entry is the completion handle for one unit of work in a Queue.
type Entry[T any] struct {
	queue *Queue[T]
	elem  *list.Element
	seq   uint64

	value    T
	err      error
	resolved bool
	settled  chan struct{} // closed after the notification was delivered
}

// Seq returns the 1-based submission position of the entry.
func (e *Entry[T]) Seq() uint64 {
	return e.seq
}

// Resolve sets the entry's result and delivers every notification it unblocks.
func (e *Entry[T]) Resolve(v T, err error) error {
	if !e.queue.resolve(e, v, err) {
		e.queue.log.Errorw("queue entry settled twice; dropping second result",
			"seq", e.seq,
			"error", err,
		)
		return ErrAlreadySettled
	}
	e.queue.drain()
	return nil
}

// Settled is closed once the entry's notification has been delivered.
func (e *Entry[T]) Settled() <-chan struct{} {
	return e.settled
}

// Result returns the resolved value and error. It is only meaningful after Settled
// is closed or inside the notify callback.
func (e *Entry[T]) Result() (T, error) {
	return e.value, e.err
}

// Wait blocks until the entry is notified or ctx is done.
func (e *Entry[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-e.settled:
		return e.value, e.err
	}
}
