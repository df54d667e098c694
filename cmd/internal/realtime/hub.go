package realtime

import (
	"log/slog"
	"sync"

	"harbor/cmd/internal/metrics"
	"harbor/cmd/internal/presence"
	v1 "harbor/shared/contracts/realtime/v1"
)

// Hub owns the per-user channels and keeps the presence registry in sync
// with channel membership. Persistence lives elsewhere; everything here is
// ephemeral by design.
type Hub struct {
	log      *slog.Logger
	presence *presence.Registry
	metrics  *metrics.Set

	mu       sync.RWMutex
	channels map[string]*UserChannel
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, reg *presence.Registry, m *metrics.Set) *Hub {
	if reg == nil {
		reg = presence.NewRegistry()
	}
	return &Hub{
		log:      log,
		presence: reg,
		metrics:  m,
		channels: make(map[string]*UserChannel),
	}
}

// Presence exposes the registry for status queries.
func (h *Hub) Presence() *presence.Registry { return h.presence }

// Attach joins an authenticated client to its user channel and registers
// the connection with presence.
func (h *Hub) Attach(client *Client) {
	if client == nil || client.UserID == "" {
		return
	}

	h.mu.Lock()
	ch, ok := h.channels[client.UserID]
	if !ok {
		ch = NewUserChannel(h.log, client.UserID)
		h.channels[client.UserID] = ch
	}
	h.mu.Unlock()

	ch.Join(client)
	h.presence.AddConnection(client.UserID, client.SessionID)
	h.metrics.SetOnlineUsers(len(h.presence.OnlineUsers()))
}

// Detach removes the client from its channel and presence. It runs
// synchronously on disconnect so presence never lags a closed connection.
func (h *Hub) Detach(client *Client) {
	if client == nil || client.UserID == "" {
		return
	}

	h.mu.Lock()
	ch := h.channels[client.UserID]
	h.mu.Unlock()

	if ch != nil && ch.Leave(client.SessionID) == 0 {
		// Drop the empty channel; it will be recreated on the next attach.
		h.mu.Lock()
		if cur := h.channels[client.UserID]; cur == ch && ch.Len() == 0 {
			delete(h.channels, client.UserID)
		}
		h.mu.Unlock()
	}

	h.presence.RemoveConnection(client.UserID, client.SessionID)
	h.metrics.SetOnlineUsers(len(h.presence.OnlineUsers()))
}

// Push delivers an envelope to every live session of userID. Best-effort:
// an offline user or a saturated queue only shows up in the drop counter.
func (h *Hub) Push(userID string, env v1.Envelope) {
	if userID == "" {
		return
	}

	h.mu.RLock()
	ch := h.channels[userID]
	h.mu.RUnlock()

	if ch == nil {
		h.metrics.PushDropped()
		return
	}

	delivered, dropped := ch.Push(env)
	for i := 0; i < delivered; i++ {
		h.metrics.PushDelivered()
	}
	for i := 0; i < dropped; i++ {
		h.metrics.PushDropped()
	}
	if dropped > 0 {
		h.log.Info("channel.push.dropped", "user_id", userID, "type", env.Type, "dropped", dropped)
	}
}
