package realtime

import (
	"log/slog"
	"sync"

	v1 "harbor/shared/contracts/realtime/v1"
)

// UserChannel is the private fanout primitive for one user: every live
// session of that user is a member, and a push reaches all of them.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Push.
// - Push never blocks (drops under backpressure).
// - Push is panic-safe because Client.Send is never closed by the server.
type UserChannel struct {
	log    *slog.Logger
	UserID string

	mu       sync.RWMutex
	sessions map[string]*Client
}

// NewUserChannel constructs a channel for one user.
func NewUserChannel(log *slog.Logger, userID string) *UserChannel {
	return &UserChannel{
		log:      log,
		UserID:   userID,
		sessions: make(map[string]*Client),
	}
}

// Join adds a session to the channel.
func (c *UserChannel) Join(client *Client) {
	if c == nil || client == nil || client.SessionID == "" {
		return
	}

	c.mu.Lock()
	c.sessions[client.SessionID] = client
	c.mu.Unlock()

	c.log.Info("channel.session.join", "user_id", c.UserID, "session_id", client.SessionID)
}

// Leave removes a session from the channel and reports how many remain.
func (c *UserChannel) Leave(sessionID string) int {
	if c == nil || sessionID == "" {
		return 0
	}

	c.mu.Lock()
	delete(c.sessions, sessionID)
	remaining := len(c.sessions)
	c.mu.Unlock()

	c.log.Info("channel.session.leave", "user_id", c.UserID, "session_id", sessionID, "remaining", remaining)
	return remaining
}

// Len returns the number of live sessions on the channel.
func (c *UserChannel) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// Push fans an envelope out to every session of the user. Non-blocking: a
// session whose queue is full, or that is shutting down, is skipped.
// Returns (delivered, dropped) counts.
func (c *UserChannel) Push(env v1.Envelope) (delivered, dropped int) {
	if c == nil {
		return 0, 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.sessions {
		if s == nil {
			continue
		}

		select {
		case <-s.Done():
			// Skip sessions that are shutting down.
			dropped++
			continue
		default:
		}

		select {
		case s.Send <- env:
			delivered++
		default:
			// Drop rather than block the whole channel.
			dropped++
		}
	}
	return delivered, dropped
}
