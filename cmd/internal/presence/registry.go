// Package presence tracks which users currently hold live realtime
// connections. State is in-memory only: it is rebuilt from zero on restart
// and carries no durability requirement.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
)

// shardCount spreads user buckets over independent locks so joins/leaves
// for different users never contend.
const shardCount = 16

// Registry maps userID -> set of connection handles. A user is online iff
// their set is non-empty. Buckets are created on first connection and
// removed when the last connection for the user closes.
type Registry struct {
	shards [shardCount]shard
}

type shard struct {
	mu    sync.RWMutex
	conns map[string]map[string]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]map[string]struct{})
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// AddConnection registers a connection handle for a user. Adding the same
// handle twice is idempotent: it is counted once.
func (r *Registry) AddConnection(userID, connID string) {
	if userID == "" || connID == "" {
		return
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	set, ok := s.conns[userID]
	if !ok {
		set = make(map[string]struct{}, 2)
		s.conns[userID] = set
	}
	set[connID] = struct{}{}
	s.mu.Unlock()
}

// RemoveConnection deregisters a connection handle. Removing a handle that
// was never added is a no-op. The user bucket disappears with its last
// connection.
func (r *Registry) RemoveConnection(userID, connID string) {
	if userID == "" || connID == "" {
		return
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	if set, ok := s.conns[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.conns, userID)
		}
	}
	s.mu.Unlock()
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	_, ok := s.conns[userID]
	s.mu.RUnlock()
	return ok
}

// ConnectionCount returns the number of live connections for a user.
func (r *Registry) ConnectionCount(userID string) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	n := len(s.conns[userID])
	s.mu.RUnlock()
	return n
}

// OnlineUsers returns a sorted snapshot of user ids with live connections.
func (r *Registry) OnlineUsers() []string {
	out := make([]string, 0, 64)
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for userID := range s.conns {
			out = append(out, userID)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}
