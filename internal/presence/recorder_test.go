package presence

import (
	"sync"
	"time"
)

// testDelays keeps the device ordering of DefaultDelays at a tenth of the length.
var testDelays = DelayPolicy{
	Mobile:  300 * time.Millisecond,
	Web:     150 * time.Millisecond,
	Desktop: 100 * time.Millisecond,
	Default: 200 * time.Millisecond,
}

type sentEvent struct {
	scope   string // all, others, group
	target  string
	event   string
	payload any
	at      time.Time
}

// recorder is a Broadcaster that remembers everything it was asked to send.
type recorder struct {
	mu           sync.Mutex
	events       []sentEvent
	groups       map[string]map[string]struct{}
	disconnected []string
	failWith     error
	panicOn      string

	// beforeRemove, when set, runs at the start of RemoveFromGroup without
	// the recorder lock held, letting a test pause a handler mid-flight.
	beforeRemove func(connectionID string)
}

func newRecorder() *recorder {
	return &recorder{groups: make(map[string]map[string]struct{})}
}

func (r *recorder) push(scope, target, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicOn == event {
		panic("boom: " + event)
	}
	r.events = append(r.events, sentEvent{scope: scope, target: target, event: event, payload: payload, at: time.Now()})
	return r.failWith
}

func (r *recorder) BroadcastToAll(event string, payload any) error {
	return r.push("all", "", event, payload)
}

func (r *recorder) BroadcastToOthers(exclude, event string, payload any) error {
	return r.push("others", exclude, event, payload)
}

func (r *recorder) SendToGroup(group, event string, payload any) error {
	return r.push("group", group, event, payload)
}

func (r *recorder) AddToGroup(connectionID, group string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[connectionID] = struct{}{}
}

func (r *recorder) RemoveFromGroup(connectionID, group string) {
	r.mu.Lock()
	hook := r.beforeRemove
	r.mu.Unlock()
	if hook != nil {
		hook(connectionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups[group], connectionID)
}

func (r *recorder) Disconnect(connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, connectionID)
	return nil
}

func (r *recorder) closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.disconnected...)
}

func (r *recorder) snapshot() []sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) groupSize(group string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups[group])
}

// named returns the events of the given kind that concern username.
func (r *recorder) named(event, username string) []sentEvent {
	var out []sentEvent
	for _, e := range r.snapshot() {
		if e.event != event {
			continue
		}
		if eventUser(e) != "" && userKey(eventUser(e)) == userKey(username) {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) lists() [][]string {
	var out [][]string
	for _, e := range r.snapshot() {
		if list, ok := e.payload.(UserList); ok {
			out = append(out, list.Users)
		}
	}
	return out
}

func (r *recorder) indexOf(event, username string) int {
	for i, e := range r.snapshot() {
		if e.event == event && eventUser(e) != "" && userKey(eventUser(e)) == userKey(username) {
			return i
		}
	}
	return -1
}

func eventUser(e sentEvent) string {
	switch p := e.payload.(type) {
	case UserJoined:
		return p.Username
	case UserLeft:
		return p.Username
	}
	return ""
}
