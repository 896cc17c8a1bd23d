package chathub_test

import (
	"careline/backend/internal/chathub"
	"careline/backend/internal/models"
	"careline/backend/internal/storage/memstore"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T) (*chathub.Hub, *memstore.Store, context.CancelFunc) {
	t.Helper()
	st := memstore.New()
	hub := chathub.NewHub(st, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, st, cancel
}

// flush returns once the hub has finished handling everything sent before it.
func flush(t *testing.T, hub *chathub.Hub) {
	t.Helper()
	require.True(t, hub.Register(newMockClient("flush")))
}

func presenceOf(t *testing.T, st *memstore.Store, id string) models.PresenceState {
	t.Helper()
	status, err := st.GetStatus(context.Background(), id)
	require.NoError(t, err)
	if status == nil {
		return ""
	}
	return status.State
}

func TestHub_PresenceFollowsConnections(t *testing.T) {
	hub, st, _ := startHub(t)
	tab1 := newMockClient("d1")
	tab2 := newMockClient("d1")

	require.True(t, hub.Register(tab1))
	flush(t, hub)
	assert.Equal(t, models.PresenceOnline, presenceOf(t, st, "d1"))
	assert.Equal(t, int32(1), tab1.runs.Load())

	require.True(t, hub.Register(tab2))
	hub.Unregister(tab1)
	flush(t, hub)
	assert.Equal(t, models.PresenceOnline, presenceOf(t, st, "d1"), "one tab is still open")
	assert.Equal(t, int32(1), tab1.closes.Load())

	hub.Unregister(tab2)
	flush(t, hub)
	assert.Equal(t, models.PresenceOffline, presenceOf(t, st, "d1"))
}

func TestHub_UnknownClientIgnored(t *testing.T) {
	hub, st, _ := startHub(t)
	stranger := newMockClient("u9")

	hub.Unregister(stranger)
	flush(t, hub)

	assert.Equal(t, int32(0), stranger.closes.Load())
	assert.Equal(t, models.PresenceState(""), presenceOf(t, st, "u9"))
}

func TestHub_ShutdownMarksEveryoneOffline(t *testing.T) {
	hub, st, cancel := startHub(t)
	a := newMockClient("u1")
	b := newMockClient("d1")
	require.True(t, hub.Register(a))
	require.True(t, hub.Register(b))
	flush(t, hub)

	cancel()
	<-hub.Done()

	assert.Equal(t, models.PresenceOffline, presenceOf(t, st, "u1"))
	assert.Equal(t, models.PresenceOffline, presenceOf(t, st, "d1"))
	assert.Equal(t, int32(1), a.closes.Load())
	assert.Equal(t, int32(1), b.closes.Load())

	late := newMockClient("u2")
	assert.False(t, hub.Register(late))
	assert.Equal(t, int32(1), late.closes.Load())
}

func TestHub_PresenceSpansProcesses(t *testing.T) {
	st := memstore.New()
	hubs := make([]*chathub.Hub, 2)
	for i := range hubs {
		hubs[i] = chathub.NewHub(st, zap.NewNop())
		ctx, cancel := context.WithCancel(context.Background())
		go hubs[i].Run(ctx)
		t.Cleanup(cancel)
	}
	onA := newMockClient("d1")
	onB := newMockClient("d1")

	require.True(t, hubs[0].Register(onA))
	require.True(t, hubs[1].Register(onB))
	flush(t, hubs[0])
	flush(t, hubs[1])
	assert.Equal(t, 2, st.Connections("d1"))

	hubs[0].Unregister(onA)
	flush(t, hubs[0])
	assert.Equal(t, models.PresenceOnline, presenceOf(t, st, "d1"), "still connected through the other process")

	hubs[1].Unregister(onB)
	flush(t, hubs[1])
	assert.Equal(t, models.PresenceOffline, presenceOf(t, st, "d1"))
	assert.Zero(t, st.Connections("d1"))
}
