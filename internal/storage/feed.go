package storage

import (
	"context"
	"sync"
	"sync/atomic"
)

// Feed drives one subscription: every Wake causes a reload and the latest
// snapshot is handed to the callback. Wakes that arrive while a reload is in
// flight are coalesced, so a slow consumer sees fewer but always current snapshots.
// Snapshots are delivered from a single goroutine, in order.
type Feed[T any] struct {
	load   func(ctx context.Context) (T, error)
	fn     func(T, error)
	wake   chan struct{}
	failed chan error
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	done   chan struct{}
}

func NewFeed[T any](load func(ctx context.Context) (T, error), fn func(T, error)) *Feed[T] {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed[T]{
		load:   load,
		fn:     fn,
		wake:   make(chan struct{}, 1),
		failed: make(chan error, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start emits the initial snapshot and begins reacting to Wake.
func (f *Feed[T]) Start() {
	f.Wake()
	f.once.Do(func() { go f.run() })
}

// Fail reports a broken change stream to the callback, on the same goroutine
// that delivers snapshots. A failure still queued is kept and err dropped.
func (f *Feed[T]) Fail(err error) {
	select {
	case f.failed <- err:
	default:
	}
	f.once.Do(func() { go f.run() })
}

func (f *Feed[T]) run() {
	defer close(f.done)
	for {
		select {
		case <-f.ctx.Done():
			return
		case err := <-f.failed:
			var zero T
			f.Deliver(zero, err)
			continue
		case <-f.wake:
		}
		v, err := f.load(f.ctx)
		if f.ctx.Err() != nil {
			return
		}
		f.Deliver(v, err)
	}
}

// Wake schedules a reload. It never blocks.
func (f *Feed[T]) Wake() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Deliver hands a value to the callback unless the feed was cancelled.
func (f *Feed[T]) Deliver(v T, err error) {
	if f.closed.Load() {
		return
	}
	f.fn(v, err)
}

func (f *Feed[T]) Cancel() {
	if f.closed.CompareAndSwap(false, true) {
		f.cancel()
	}
}

// Context is cancelled together with the feed.
func (f *Feed[T]) Context() context.Context { return f.ctx }

// Done is closed once the delivery goroutine has exited.
func (f *Feed[T]) Done() <-chan struct{} { return f.done }
