package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_DeliversLatestSnapshot(t *testing.T) {
	var version atomic.Int64
	got := make(chan int64, 16)
	f := NewFeed(func(ctx context.Context) (int64, error) {
		return version.Load(), nil
	}, func(v int64, err error) {
		require.NoError(t, err)
		got <- v
	})
	f.Start()
	defer f.Cancel()

	assert.Equal(t, int64(0), <-got)

	version.Store(3)
	f.Wake()
	f.Wake()

	select {
	case v := <-got:
		assert.Equal(t, int64(3), v)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after wake")
	}
}

func TestFeed_CancelStopsDelivery(t *testing.T) {
	got := make(chan error, 4)
	f := NewFeed(func(ctx context.Context) (struct{}, error) {
		return struct{}{}, errors.New("boom")
	}, func(_ struct{}, err error) {
		got <- err
	})
	f.Start()
	assert.EqualError(t, <-got, "boom")

	f.Cancel()
	f.Cancel()
	f.Wake()

	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("feed goroutine did not exit")
	}
	assert.Empty(t, got)
}

func TestOrNil(t *testing.T) {
	v, err := OrNil[int](nil, ErrNotFound)
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, err = OrNil[int](nil, errors.New("db down"))
	assert.Error(t, err)
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "doc:profiles:u1", ProfileChannel("u1"))
	assert.Equal(t, "doc:chats:c1", ChatChannel("c1"))
	assert.Equal(t, "query:chats:c1:messages", MessagesChannel("c1"))
	assert.Equal(t, "doc:requests:u1", RequestChannel("u1"))
	assert.Equal(t, "presence:d1", PresenceChannel("d1"))
	assert.Equal(t, "status:d1", presenceKey("d1"))
}
