package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"presencehub/internal/metrics"
	"presencehub/internal/storage"
)

var (
	ErrInvalidConnect      = errors.New("invalid connect")
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrIdentityMismatch    = errors.New("identity mismatch")
	ErrUnknownConnection   = errors.New("unknown connection")
)

const (
	historyTimeout = 2 * time.Second
	historyQueue   = 1024
)

// History persists confirmed presence transitions. *storage.Store satisfies it.
type History interface {
	RecordTransition(ctx context.Context, t storage.Transition) error
}

// Options configures a Coordinator. Zero values fall back to defaults.
type Options struct {
	Delays  DelayPolicy
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	History History
}

// Coordinator owns all presence state for the process and turns raw
// connect/disconnect events into debounced joined/left notifications.
type Coordinator struct {
	registry *Registry
	sessions *AffinityTable
	logouts  *LogoutTracker
	grace    *GraceScheduler
	locks    *userLocks

	out     Broadcaster
	logger  *zap.Logger
	metrics *metrics.Metrics

	history     History
	records     chan storage.Transition
	historyDone chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

func NewCoordinator(out Broadcaster, opts Options) *Coordinator {
	if opts.Delays == (DelayPolicy{}) {
		opts.Delays = DefaultDelays
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	c := &Coordinator{
		registry: NewRegistry(),
		sessions: NewAffinityTable(),
		logouts:  NewLogoutTracker(),
		locks:    newUserLocks(),
		out:      out,
		logger:   opts.Logger.Named("presence"),
		metrics:  opts.Metrics,
		history:  opts.History,
		done:     make(chan struct{}),
	}
	c.grace = NewGraceScheduler(opts.Delays, c.expire)
	if c.history != nil {
		c.records = make(chan storage.Transition, historyQueue)
		c.historyDone = make(chan struct{})
		go c.writeHistory()
	}
	return c
}

// Registry exposes the connection registry for read-only queries.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Draining reports whether username is inside a grace window.
func (c *Coordinator) Draining(username string) bool {
	_, ok := c.grace.Pending(username)
	return ok
}

// Close stops pending grace timers and flushes queued history. Users still
// draining are not announced.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.grace.Close()
		close(c.done)
		if c.historyDone != nil {
			<-c.historyDone
		}
	})
}

// OnConnect registers a new connection. A non-nil error means the transport
// must abort the connection. Rejected connects leave presence untouched; only
// a handler panic can leave partial state behind.
func (c *Coordinator) OnConnect(connectionID, username, sessionID, deviceType string) (err error) {
	defer c.recoverEvent("connect", connectionID, &err)

	username = strings.TrimSpace(username)
	sessionID = strings.TrimSpace(sessionID)
	if connectionID == "" || username == "" || sessionID == "" {
		c.metrics.IncRejectedConnect()
		c.logger.Warn("rejecting connect",
			zap.String("connection_id", connectionID),
			zap.Bool("has_username", username != ""),
			zap.Bool("has_session", sessionID != ""))
		return fmt.Errorf("%w: username and sessionId are required", ErrInvalidConnect)
	}

	previous, switched, unlock, err := c.claimSession(connectionID, sessionID, username)
	if err != nil {
		return err
	}
	defer unlock()

	if switched {
		c.reconcileSessionSwitch(sessionID, previous, username)
	}

	wasReconnecting := c.grace.Cancel(username)
	c.logouts.Clear(username)

	conn := Connection{
		ID:          connectionID,
		Username:    username,
		SessionID:   sessionID,
		DeviceType:  ParseDeviceType(deviceType),
		ConnectedAt: time.Now(),
	}
	if !c.registry.Add(conn) {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
	}
	c.out.AddToGroup(connectionID, GroupKey(username))
	c.metrics.IncConn()

	isFirst := c.registry.Count(username) == 1
	switch {
	case isFirst && !wasReconnecting:
		c.metrics.IncJoin()
		c.record(conn, storage.KindJoined)
		c.send(c.out.BroadcastToOthers(connectionID, EventUserJoined, UserJoined{
			Username:    username,
			DeviceType:  conn.DeviceType,
			ConnectedAt: conn.ConnectedAt,
		}), EventUserJoined, username)
	case wasReconnecting:
		c.metrics.IncGraceReconnect()
		c.record(conn, storage.KindReconnected)
	}
	c.logger.Debug("connected",
		zap.String("connection_id", connectionID),
		zap.String("username", username),
		zap.String("session_id", sessionID),
		zap.String("device_type", string(conn.DeviceType)),
		zap.Bool("first", isFirst),
		zap.Bool("reconnect", wasReconnecting))

	c.broadcastUserList()
	return nil
}

// claimSession binds sessionID to username while holding the locks of both
// username and the session's current owner, so no offline path of either user
// can change the binding underneath. It retries when the owner changes
// between the lookup and the lock.
func (c *Coordinator) claimSession(connectionID, sessionID, username string) (string, bool, func(), error) {
	for {
		owner, _ := c.sessions.Lookup(sessionID)
		unlock := c.locks.lock(username, owner)
		if _, exists := c.registry.Get(connectionID); exists {
			unlock()
			return "", false, nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, connectionID)
		}
		previous, switched, ok := c.sessions.Claim(sessionID, username, owner)
		if ok {
			return previous, switched, unlock, nil
		}
		unlock()
	}
}

// reconcileSessionSwitch evicts previous from the registry after its session
// id was claimed by next. Callers hold both users' locks.
func (c *Coordinator) reconcileSessionSwitch(sessionID, previous, next string) {
	c.metrics.IncSessionSwitch()
	c.logger.Info("session switched user",
		zap.String("session_id", sessionID),
		zap.String("previous", previous),
		zap.String("next", next))

	group := GroupKey(previous)
	c.send(c.out.SendToGroup(group, EventSessionReplaced, SessionReplaced{
		SessionID: sessionID,
		Username:  next,
	}), EventSessionReplaced, previous)

	removed := c.registry.RemoveUser(previous)
	for _, conn := range removed {
		c.out.RemoveFromGroup(conn.ID, group)
		c.metrics.DecConn()
		if conn.SessionID != sessionID {
			c.sessions.UnbindIfMatches(conn.SessionID, previous)
		}
		if err := c.out.Disconnect(conn.ID); err != nil {
			c.logger.Warn("close evicted connection",
				zap.String("connection_id", conn.ID),
				zap.String("username", previous),
				zap.Error(err))
		}
	}
	wasDraining := c.grace.Cancel(previous)
	c.logouts.Clear(previous)
	if len(removed) == 0 && !wasDraining {
		return
	}

	c.metrics.IncLeave()
	c.record(Connection{Username: previous, SessionID: sessionID}, storage.KindReplaced)
	c.send(c.out.BroadcastToAll(EventUserLeft, UserLeft{
		Username: previous,
		LeftAt:   time.Now(),
	}), EventUserLeft, previous)
	c.broadcastUserList()
}

// OnDisconnect handles a closed transport connection. Unknown or already
// removed ids are ignored.
func (c *Coordinator) OnDisconnect(connectionID string) {
	var err error
	defer c.recoverEvent("disconnect", connectionID, &err)

	known, ok := c.registry.Get(connectionID)
	if !ok {
		return
	}
	unlock := c.locks.lock(known.Username)
	defer unlock()

	conn, ok := c.registry.Remove(connectionID)
	if !ok {
		return
	}
	c.out.RemoveFromGroup(connectionID, GroupKey(conn.Username))
	c.metrics.DecConn()

	if remaining := c.registry.ConnectionsOf(conn.Username); len(remaining) > 0 {
		if !usesSession(remaining, conn.SessionID) {
			c.sessions.UnbindIfMatches(conn.SessionID, conn.Username)
		}
		c.broadcastUserList()
		return
	}

	if c.logouts.ConsumeIfMarked(conn.Username) {
		c.logger.Debug("explicit logout, skipping grace",
			zap.String("username", conn.Username))
		c.goOffline(conn)
		return
	}

	window := c.grace.Schedule(conn.Username, conn.SessionID, conn.DeviceType)
	c.logger.Debug("grace window started",
		zap.String("username", conn.Username),
		zap.String("device_type", string(conn.DeviceType)),
		zap.Duration("delay", window.Delay))
}

// ExplicitLogout marks username for an immediate offline on its next final
// disconnect. The caller may only log out the user it is connected as.
func (c *Coordinator) ExplicitLogout(callerConnectionID, username string) error {
	caller, ok := c.registry.Get(callerConnectionID)
	if !ok {
		c.logger.Warn("logout from unregistered connection",
			zap.String("connection_id", callerConnectionID),
			zap.String("username", username))
		return fmt.Errorf("%w: %s", ErrUnknownConnection, callerConnectionID)
	}
	if userKey(caller.Username) != userKey(strings.TrimSpace(username)) {
		c.logger.Warn("logout for another user ignored",
			zap.String("connection_id", callerConnectionID),
			zap.String("caller", caller.Username),
			zap.String("username", username))
		return fmt.Errorf("%w: %s cannot log out %s", ErrIdentityMismatch, caller.Username, username)
	}
	c.logouts.Mark(caller.Username)
	c.metrics.IncExplicitLogout()
	return nil
}

// expire runs when a grace window's timer fires.
func (c *Coordinator) expire(window *GraceWindow) {
	var err error
	defer c.recoverEvent("grace", window.Username, &err)

	unlock := c.locks.lock(window.Username)
	defer unlock()

	if c.registry.IsOnline(window.Username) {
		// a reconnect normally cancels the entry and announces the list itself
		if c.grace.Finish(window) {
			c.broadcastUserList()
		}
		return
	}
	if !c.grace.Finish(window) {
		return
	}
	c.goOffline(Connection{
		Username:   window.Username,
		SessionID:  window.SessionID,
		DeviceType: window.DeviceType,
	})
}

// goOffline announces that conn's user has no connections left. Callers hold
// the user's lock.
func (c *Coordinator) goOffline(conn Connection) {
	c.sessions.UnbindIfMatches(conn.SessionID, conn.Username)
	c.metrics.IncLeave()
	c.record(conn, storage.KindLeft)
	c.send(c.out.BroadcastToAll(EventUserLeft, UserLeft{
		Username: conn.Username,
		LeftAt:   time.Now(),
	}), EventUserLeft, conn.Username)
	c.broadcastUserList()
}

func (c *Coordinator) broadcastUserList() {
	c.send(c.out.BroadcastToAll(EventUserList, UserList{
		Users: c.registry.DistinctUsernames(),
	}), EventUserList, "")
}

func usesSession(conns []Connection, sessionID string) bool {
	for _, conn := range conns {
		if conn.SessionID == sessionID {
			return true
		}
	}
	return false
}

// send logs a failed broadcast. Presence state is already committed and is
// not rolled back.
func (c *Coordinator) send(err error, event, username string) {
	if err == nil {
		return
	}
	c.metrics.IncBroadcastFailure()
	c.logger.Warn("broadcast failed",
		zap.String("event", event),
		zap.String("username", username),
		zap.Error(err))
}

// record queues a transition for the history writer. It never blocks the
// presence path; a full queue drops the row.
func (c *Coordinator) record(conn Connection, kind string) {
	if c.records == nil {
		return
	}
	t := storage.Transition{
		Username:   conn.Username,
		Kind:       kind,
		SessionID:  conn.SessionID,
		DeviceType: string(conn.DeviceType),
		OccurredAt: time.Now(),
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.records <- t:
	default:
		c.logger.Warn("presence history queue full, dropping transition",
			zap.String("username", t.Username),
			zap.String("kind", kind))
	}
}

// writeHistory persists queued transitions in order until Close, then drains
// what is left.
func (c *Coordinator) writeHistory() {
	defer close(c.historyDone)
	for {
		select {
		case t := <-c.records:
			c.persist(t)
		case <-c.done:
			for {
				select {
				case t := <-c.records:
					c.persist(t)
				default:
					return
				}
			}
		}
	}
}

func (c *Coordinator) persist(t storage.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := c.history.RecordTransition(ctx, t); err != nil {
		c.logger.Warn("record presence transition",
			zap.String("username", t.Username),
			zap.String("kind", t.Kind),
			zap.Error(err))
	}
}

// recoverEvent keeps a panicking handler from taking down the process.
func (c *Coordinator) recoverEvent(event, subject string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	c.logger.Error("presence handler panicked",
		zap.String("event", event),
		zap.String("subject", subject),
		zap.Any("panic", r),
		zap.Stack("stack"))
	if err != nil && *err == nil {
		*err = fmt.Errorf("%s %s: internal error: %v", event, subject, r)
	}
}
