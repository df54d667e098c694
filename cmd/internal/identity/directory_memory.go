package identity

import (
	"context"
	"sort"
	"sync"
)

// MemoryDirectory is a Directory backed by an in-process map. It serves unit
// tests and the no-database dev mode, seeded from configuration.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory constructs a directory pre-populated with users.
func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		if u.ID == "" {
			continue
		}
		d.users[u.ID] = u
	}
	return d
}

// Add inserts or replaces a user.
func (d *MemoryDirectory) Add(u User) {
	if u.ID == "" {
		return
	}
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// Lookup returns the user for id, or ErrUnknownUser.
func (d *MemoryDirectory) Lookup(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	d.mu.RLock()
	u, ok := d.users[id]
	d.mu.RUnlock()

	if !ok {
		return User{}, ErrUnknownUser
	}
	return u, nil
}

// ListAdmins returns admin-capable users ordered by id.
func (d *MemoryDirectory) ListAdmins(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	out := make([]User, 0, 4)
	for _, u := range d.users {
		if CanModerate(u) {
			out = append(out, u)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
