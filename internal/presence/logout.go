package presence

import "sync"

// LogoutTracker holds one-shot explicit logout markers.
type LogoutTracker struct {
	mu     sync.Mutex
	marked map[string]struct{}
}

func NewLogoutTracker() *LogoutTracker {
	return &LogoutTracker{marked: make(map[string]struct{})}
}

func (l *LogoutTracker) Mark(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marked[userKey(username)] = struct{}{}
}

// ConsumeIfMarked clears the marker and reports whether it was set.
func (l *LogoutTracker) ConsumeIfMarked(username string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := userKey(username)
	if _, ok := l.marked[key]; !ok {
		return false
	}
	delete(l.marked, key)
	return true
}

func (l *LogoutTracker) Clear(username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.marked, userKey(username))
}
