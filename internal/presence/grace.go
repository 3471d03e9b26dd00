package presence

import (
	"sync"
	"time"
)

// DelayPolicy is the grace window length per device class.
type DelayPolicy struct {
	Mobile  time.Duration
	Web     time.Duration
	Desktop time.Duration
	Default time.Duration
}

// DefaultDelays: phones get the longest window because backgrounded apps
// drop sockets routinely.
var DefaultDelays = DelayPolicy{
	Mobile:  3000 * time.Millisecond,
	Web:     1500 * time.Millisecond,
	Desktop: 1000 * time.Millisecond,
	Default: 2000 * time.Millisecond,
}

func (p DelayPolicy) For(device DeviceType) time.Duration {
	switch device {
	case DeviceMobile:
		return p.Mobile
	case DeviceWeb:
		return p.Web
	case DeviceDesktop:
		return p.Desktop
	default:
		return p.Default
	}
}

// GraceWindow is one pending offline check for a user whose last connection
// dropped.
type GraceWindow struct {
	Username   string
	SessionID  string
	DeviceType DeviceType
	StartedAt  time.Time
	Delay      time.Duration

	timer *time.Timer
}

// GraceScheduler runs one timer per draining user. A window is never stopped
// by a reconnect; it wakes, re-validates, and does nothing if it has been
// superseded.
type GraceScheduler struct {
	delays   DelayPolicy
	onExpire func(*GraceWindow)

	mu      sync.Mutex
	entries map[string]*GraceWindow
	live    map[*GraceWindow]struct{}
	closed  bool
}

func NewGraceScheduler(delays DelayPolicy, onExpire func(*GraceWindow)) *GraceScheduler {
	return &GraceScheduler{
		delays:   delays,
		onExpire: onExpire,
		entries:  make(map[string]*GraceWindow),
		live:     make(map[*GraceWindow]struct{}),
	}
}

// Schedule records a grace entry for username and arms its timer. A newer
// window replaces any entry still present for the same user.
func (s *GraceScheduler) Schedule(username, sessionID string, device DeviceType) *GraceWindow {
	window := &GraceWindow{
		Username:   username,
		SessionID:  sessionID,
		DeviceType: device,
		StartedAt:  time.Now(),
		Delay:      s.delays.For(device),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return window
	}
	s.entries[userKey(username)] = window
	s.live[window] = struct{}{}
	window.timer = time.AfterFunc(window.Delay, func() {
		s.mu.Lock()
		delete(s.live, window)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.onExpire(window)
		}
	})
	return window
}

// Cancel removes the user's grace entry and reports whether one existed.
func (s *GraceScheduler) Cancel(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userKey(username)
	if _, ok := s.entries[key]; !ok {
		return false
	}
	delete(s.entries, key)
	return true
}

// Finish removes the entry only if it is still window. False means a reconnect
// or a newer window got there first.
func (s *GraceScheduler) Finish(window *GraceWindow) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userKey(window.Username)
	if s.entries[key] != window {
		return false
	}
	delete(s.entries, key)
	return true
}

// Pending returns the active window for username, if any.
func (s *GraceScheduler) Pending(username string) (*GraceWindow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	window, ok := s.entries[userKey(username)]
	return window, ok
}

// Close stops every armed timer. Windows scheduled afterwards never fire.
func (s *GraceScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for window := range s.live {
		window.timer.Stop()
	}
	s.live = make(map[*GraceWindow]struct{})
	s.entries = make(map[string]*GraceWindow)
}
