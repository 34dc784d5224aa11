package connector

import (
	"context"
	"errors"
	"sync"
)

// ErrNotReady is returned by Ready.Err while startup is still running.
var ErrNotReady = errors.New("backend starting")

// Ready is a single-fire readiness signal for asynchronous backend startup.
type Ready struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewReady returns an unresolved signal.
func NewReady() *Ready {
	return &Ready{done: make(chan struct{})}
}

// Resolve settles the signal. Only the first call has an effect.
func (r *Ready) Resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done is closed once the signal is resolved.
func (r *Ready) Done() <-chan struct{} {
	return r.done
}

// Err returns ErrNotReady while pending, then the startup result.
func (r *Ready) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return ErrNotReady
	}
}

// Wait blocks until startup finishes or ctx is done.
func (r *Ready) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.err
	}
}
