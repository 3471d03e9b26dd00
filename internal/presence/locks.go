package presence

import (
	"sort"
	"sync"
)

// userLocks serializes transitions for a single username. Entries are
// reference counted and dropped once nobody waits on them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock acquires the locks for the given usernames in a stable order and
// returns the matching unlock. Empty names are skipped.
func (l *userLocks) lock(usernames ...string) func() {
	keys := make([]string, 0, len(usernames))
	seen := make(map[string]struct{}, len(usernames))
	for _, name := range usernames {
		key := userKey(name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	held := make([]*userLock, 0, len(keys))
	for _, key := range keys {
		l.mu.Lock()
		entry, ok := l.locks[key]
		if !ok {
			entry = &userLock{}
			l.locks[key] = entry
		}
		entry.refs++
		l.mu.Unlock()
		entry.Lock()
		held = append(held, entry)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			entry := held[i]
			entry.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, keys[i])
			}
			l.mu.Unlock()
		}
	}
}
