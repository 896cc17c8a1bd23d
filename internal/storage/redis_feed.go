package storage

import (
	"careline/backend/internal/config"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

var errSubscriptionClosed = errors.New("subscription closed")

// pubSub is the part of *redis.PubSub a watch needs.
type pubSub interface {
	Receive(ctx context.Context) (interface{}, error)
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

// watchRedis runs a Feed whose reloads are triggered by messages on channel.
// The initial snapshot is loaded only after Redis confirmed the subscription,
// so no change committed after that point can be missed.
func watchRedis[T any](rdb *redis.Client, channel string, load func(ctx context.Context) (T, error), fn func(T, error)) Subscription {
	f := NewFeed(load, fn)
	subscribe := func(ctx context.Context) pubSub { return rdb.Subscribe(ctx, channel) }
	go follow(f, channel, subscribe, resubscribeBackOff())
	return f
}

func resubscribeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.RetryInitialInterval
	b.MaxInterval = config.RetryMaxInterval
	b.MaxElapsedTime = 0
	return b
}

// follow keeps f subscribed to channel until the feed is cancelled. A lost
// subscription is reported once and then retried with b; every successful
// resubscribe triggers a reload to pick up changes published in between.
func follow[T any](f *Feed[T], channel string, subscribe func(ctx context.Context) pubSub, b backoff.BackOff) {
	ctx := f.Context()
	b = backoff.WithContext(b, ctx)
	started, failing := false, false
	for {
		err := listen(ctx, subscribe(ctx), func() {
			b.Reset()
			failing = false
			if started {
				f.Wake()
				return
			}
			started = true
			f.Start()
		}, f.Wake)
		if ctx.Err() != nil {
			return
		}
		if !failing {
			failing = true
			f.Fail(fmt.Errorf("subscribe %s: %w", channel, err))
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// listen waits for the subscription confirmation, calls ready, then calls
// notify for each message until ps breaks or ctx ends.
func listen(ctx context.Context, ps pubSub, ready, notify func()) error {
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ready()

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			notify()
		}
	}
}
