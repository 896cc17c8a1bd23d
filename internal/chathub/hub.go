package chathub

import (
	"careline/backend/internal/config"
	"careline/backend/internal/models"
	"careline/backend/internal/storage"
	"context"

	"go.uber.org/zap"
)

// Hub tracks the live connections of this process. Every connect and
// disconnect is counted in the shared presence store, which marks an account
// online on its first connection and offline on its last one across all
// processes.
type Hub struct {
	Clients map[string]map[Client]struct{}

	RegisterCh   chan Client
	UnregisterCh chan Client

	Presence storage.Presence
	log      *zap.Logger
	done     chan struct{}
}

// NewHub Constructor
func NewHub(p storage.Presence, log *zap.Logger) *Hub {
	return &Hub{
		Clients:      make(map[string]map[Client]struct{}),
		RegisterCh:   make(chan Client),
		UnregisterCh: make(chan Client),
		Presence:     p,
		log:          log.Named("hub"),
		done:         make(chan struct{}),
	}
}

// Run serves register/unregister until ctx is cancelled, then closes every
// client and marks its account offline.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.log.Info("hub started")
	for {
		select {
		case client := <-h.RegisterCh:
			h.register(client)
		case client := <-h.UnregisterCh:
			h.unregister(client)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// Done is closed after Run returns.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Register hands client to the hub, or closes it when the hub already stopped.
func (h *Hub) Register(client Client) bool {
	select {
	case h.RegisterCh <- client:
		return true
	case <-h.done:
		client.Close()
		return false
	}
}

// Unregister is called by a client when its connection drops.
func (h *Hub) Unregister(client Client) {
	select {
	case h.UnregisterCh <- client:
	case <-h.done:
	}
}

func (h *Hub) register(client Client) {
	id := client.GetUserID()
	conns, ok := h.Clients[id]
	if !ok {
		conns = make(map[Client]struct{})
		h.Clients[id] = conns
	}
	conns[client] = struct{}{}
	h.log.Debug("client registered", zap.String("account_id", id), zap.Int("connections", len(conns)))
	h.track(id, models.PresenceOnline)
	client.Run()
}

func (h *Hub) unregister(client Client) {
	id := client.GetUserID()
	conns, ok := h.Clients[id]
	if !ok {
		return
	}
	if _, ok := conns[client]; !ok {
		return
	}
	delete(conns, client)
	client.Close()
	h.log.Debug("client unregistered", zap.String("account_id", id), zap.Int("connections", len(conns)))
	if len(conns) == 0 {
		delete(h.Clients, id)
	}
	h.track(id, models.PresenceOffline)
}

func (h *Hub) shutdown() {
	for id, conns := range h.Clients {
		for client := range conns {
			client.Close()
			h.track(id, models.PresenceOffline)
		}
	}
	h.Clients = make(map[string]map[Client]struct{})
	h.log.Info("hub stopped")
}

// track counts one connection in or out of the presence store.
func (h *Hub) track(accountID string, state models.PresenceState) {
	ctx, cancel := context.WithTimeout(context.Background(), config.PresenceWriteTimeout)
	defer cancel()
	var err error
	if state == models.PresenceOnline {
		err = h.Presence.Connect(ctx, accountID)
	} else {
		err = h.Presence.Disconnect(ctx, accountID)
	}
	if err != nil {
		h.log.Error("presence update failed",
			zap.String("account_id", accountID),
			zap.String("state", string(state)),
			zap.Error(err))
	}
}
