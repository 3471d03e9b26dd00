package presence

import (
	"sort"
	"sync"
)

// Registry is the authoritative connection id → Connection map. Every method
// is a single atomic step; callers never hold the lock across two calls.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]Connection
	byUser map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]Connection),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Add inserts conn if its id is not registered yet.
func (r *Registry) Add(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[conn.ID]; exists {
		return false
	}
	r.conns[conn.ID] = conn
	key := userKey(conn.Username)
	ids := r.byUser[key]
	if ids == nil {
		ids = make(map[string]struct{})
		r.byUser[key] = ids
	}
	ids[conn.ID] = struct{}{}
	return true
}

// Remove deletes and returns the connection. A second call for the same id
// reports false.
func (r *Registry) Remove(connectionID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return Connection{}, false
	}
	r.removeLocked(conn)
	return conn, true
}

// RemoveUser deletes every connection held by username.
func (r *Registry) RemoveUser(username string) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byUser[userKey(username)]
	removed := make([]Connection, 0, len(ids))
	for id := range ids {
		conn := r.conns[id]
		removed = append(removed, conn)
	}
	for _, conn := range removed {
		r.removeLocked(conn)
	}
	return removed
}

func (r *Registry) removeLocked(conn Connection) {
	delete(r.conns, conn.ID)
	key := userKey(conn.Username)
	if ids, ok := r.byUser[key]; ok {
		delete(ids, conn.ID)
		if len(ids) == 0 {
			delete(r.byUser, key)
		}
	}
}

func (r *Registry) Get(connectionID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connectionID]
	return conn, ok
}

// ConnectionsOf returns the connections currently held by username.
func (r *Registry) ConnectionsOf(username string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[userKey(username)]
	out := make([]Connection, 0, len(ids))
	for id := range ids {
		out = append(out, r.conns[id])
	}
	return out
}

func (r *Registry) IsOnline(username string) bool {
	return r.Count(username) > 0
}

// Count returns how many connections username holds.
func (r *Registry) Count(username string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userKey(username)])
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// DistinctUsernames lists online users alphabetically, one entry per user.
// When a user is connected under several casings the lexically smallest
// spelling is shown, so the result only depends on the set of connections.
func (r *Registry) DistinctUsernames() []string {
	r.mu.RLock()
	display := make(map[string]string, len(r.byUser))
	for key, ids := range r.byUser {
		for id := range ids {
			name := r.conns[id].Username
			if current, ok := display[key]; !ok || name < current {
				display[key] = name
			}
		}
	}
	r.mu.RUnlock()

	keys := make([]string, 0, len(display))
	for key := range display {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, display[key])
	}
	return names
}
