package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePubSub struct {
	err    error
	ch     chan *redis.Message
	closed atomic.Bool
}

func (p *fakePubSub) Receive(ctx context.Context) (interface{}, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &redis.Subscription{Kind: "subscribe", Channel: "test"}, nil
}

func (p *fakePubSub) Channel(...redis.ChannelOption) <-chan *redis.Message { return p.ch }

func (p *fakePubSub) Close() error {
	p.closed.Store(true)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	values []int64
	errs   []error
}

func (r *recorder) record(v int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.values = append(r.values, v)
}

func (r *recorder) snapshot() ([]int64, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.values...), append([]error(nil), r.errs...)
}

func TestFollow_ResubscribesAfterFailures(t *testing.T) {
	var version atomic.Int64
	rec := &recorder{}
	f := NewFeed(func(ctx context.Context) (int64, error) { return version.Load(), nil }, rec.record)
	defer f.Cancel()

	refused := errors.New("connection refused")
	first := &fakePubSub{ch: make(chan *redis.Message)}
	second := &fakePubSub{ch: make(chan *redis.Message)}
	var calls atomic.Int32
	subscribe := func(ctx context.Context) pubSub {
		switch calls.Add(1) {
		case 1, 2:
			return &fakePubSub{err: refused}
		case 3:
			return first
		default:
			return second
		}
	}
	go follow(f, "doc:profiles:u1", subscribe, &backoff.ZeroBackOff{})

	require.Eventually(t, func() bool {
		values, errs := rec.snapshot()
		return len(values) == 1 && len(errs) == 1
	}, time.Second, 5*time.Millisecond, "one error for the failed attempts, then the initial snapshot")
	_, errs := rec.snapshot()
	assert.ErrorIs(t, errs[0], refused)

	version.Store(5)
	first.ch <- &redis.Message{Channel: "doc:profiles:u1"}
	require.Eventually(t, func() bool {
		values, _ := rec.snapshot()
		return values[len(values)-1] == 5
	}, time.Second, 5*time.Millisecond)

	// a dropped subscription is reported and the reload after resubscribing
	// catches the change published while it was down
	version.Store(7)
	close(first.ch)
	require.Eventually(t, func() bool {
		values, errs := rec.snapshot()
		return len(errs) == 2 && values[len(values)-1] == 7
	}, time.Second, 5*time.Millisecond)
	_, errs = rec.snapshot()
	assert.ErrorIs(t, errs[1], errSubscriptionClosed)
	assert.Equal(t, int32(4), calls.Load())
	assert.True(t, first.closed.Load())

	f.Cancel()
	assert.Eventually(t, second.closed.Load, time.Second, 5*time.Millisecond)
}

func TestFollow_StopsWhenCancelledWhileFailing(t *testing.T) {
	rec := &recorder{}
	f := NewFeed(func(ctx context.Context) (int64, error) { return 1, nil }, rec.record)

	var calls atomic.Int32
	subscribe := func(ctx context.Context) pubSub {
		calls.Add(1)
		return &fakePubSub{err: errors.New("no route to host")}
	}
	done := make(chan struct{})
	go func() {
		follow(f, "presence:d1", subscribe, backoff.NewConstantBackOff(10*time.Millisecond))
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, errs := rec.snapshot()
		return calls.Load() >= 3 && len(errs) == 1
	}, time.Second, 5*time.Millisecond)
	f.Cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop after cancel")
	}
	values, errs := rec.snapshot()
	assert.Empty(t, values)
	assert.Len(t, errs, 1, "a failure streak is reported once")
}
