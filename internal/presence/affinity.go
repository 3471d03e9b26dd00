package presence

import "sync"

// AffinityTable binds a durable client session id to the username using it.
type AffinityTable struct {
	mu       sync.Mutex
	bindings map[string]string
}

func NewAffinityTable() *AffinityTable {
	return &AffinityTable{bindings: make(map[string]string)}
}

// Bind points sessionID at username. When the session was bound to a
// different user, that user is returned with switched set.
func (t *AffinityTable) Bind(sessionID, username string) (previous string, switched bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bindLocked(sessionID, username)
}

// Claim binds like Bind, but only while the session is still owned by
// expected ("" for an unbound session). ok is false when the owner changed
// since the caller looked it up; nothing is modified in that case.
func (t *AffinityTable) Claim(sessionID, username, expected string) (previous string, switched, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if userKey(t.bindings[sessionID]) != userKey(expected) {
		return "", false, false
	}
	previous, switched = t.bindLocked(sessionID, username)
	return previous, switched, true
}

func (t *AffinityTable) bindLocked(sessionID, username string) (string, bool) {
	current, ok := t.bindings[sessionID]
	if ok && userKey(current) == userKey(username) {
		return "", false
	}
	t.bindings[sessionID] = username
	if !ok {
		return "", false
	}
	return current, true
}

// UnbindIfMatches drops the binding only while it still belongs to username.
func (t *AffinityTable) UnbindIfMatches(sessionID, username string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.bindings[sessionID]
	if !ok || userKey(current) != userKey(username) {
		return false
	}
	delete(t.bindings, sessionID)
	return true
}

func (t *AffinityTable) Lookup(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	username, ok := t.bindings[sessionID]
	return username, ok
}
