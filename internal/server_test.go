package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"presencehub/internal/presence"
	"presencehub/internal/storage"
)

var fastDelays = presence.DelayPolicy{
	Mobile:  150 * time.Millisecond,
	Web:     100 * time.Millisecond,
	Desktop: 50 * time.Millisecond,
	Default: 100 * time.Millisecond,
}

var slowDelays = presence.DelayPolicy{Mobile: time.Hour, Web: time.Hour, Desktop: time.Hour, Default: time.Hour}

func newTestServer(t *testing.T, store *storage.Store, opts ServerOptions) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(store, zap.NewNop(), opts)
	mux := http.NewServeMux()
	mux.HandleFunc("/presence", s.ServeWS)
	mux.HandleFunc("/users", s.HandleUsers)
	mux.HandleFunc("/users/", s.HandleUser)
	mux.HandleFunc("/healthz", s.HandleHealth)
	mux.Handle("/metrics", s.MetricsHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, username, sessionID, device string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, username, sessionID, device), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func wsURL(ts *httptest.Server, username, sessionID, device string) string {
	q := url.Values{}
	q.Set("username", username)
	q.Set("sessionId", sessionID)
	q.Set("deviceType", device)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/presence?" + q.Encode()
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(payload, &env))
	return env
}

// readUntil skips frames until one named event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) Envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Event == event {
			return env
		}
	}
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame ClientFrame) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

func closeNormally(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	_ = conn.Close()
}

func TestServeWS_ConnectAnnouncesPresence(t *testing.T) {
	_, ts := newTestServer(t, nil, ServerOptions{Delays: fastDelays})

	alice := dial(t, ts, "alice", "S1", "web")
	env := readEnvelope(t, alice)
	require.Equal(t, presence.EventUserList, env.Event, "the joining connection is not told about itself")
	assert.Equal(t, []string{"alice"}, decode[presence.UserList](t, env).Users)

	bob := dial(t, ts, "bob", "S2", "mobile")
	joined := readEnvelope(t, alice)
	require.Equal(t, presence.EventUserJoined, joined.Event)
	evt := decode[presence.UserJoined](t, joined)
	assert.Equal(t, "bob", evt.Username)
	assert.Equal(t, presence.DeviceMobile, evt.DeviceType)

	list := readEnvelope(t, alice)
	require.Equal(t, presence.EventUserList, list.Event)
	assert.Equal(t, []string{"alice", "bob"}, decode[presence.UserList](t, list).Users)
	assert.Equal(t, []string{"alice", "bob"}, decode[presence.UserList](t, readEnvelope(t, bob)).Users)
}

func TestServeWS_RejectsMissingSession(t *testing.T) {
	s, ts := newTestServer(t, nil, ServerOptions{Delays: fastDelays})

	conn := dial(t, ts, "alice", "", "web")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Zero(t, s.Presence().Registry().Len())
	assert.False(t, s.Presence().Draining("alice"))
}

func TestServeWS_GraceThenLeft(t *testing.T) {
	_, ts := newTestServer(t, nil, ServerOptions{Delays: fastDelays})

	watcher := dial(t, ts, "watcher", "W", "desktop")
	readUntil(t, watcher, presence.EventUserList)

	bob := dial(t, ts, "bob", "S1", "mobile")
	readUntil(t, watcher, presence.EventUserJoined)
	readUntil(t, watcher, presence.EventUserList)

	dropped := time.Now()
	closeNormally(t, bob)

	left := readUntil(t, watcher, presence.EventUserLeft)
	assert.Equal(t, "bob", decode[presence.UserLeft](t, left).Username)
	assert.GreaterOrEqual(t, time.Since(dropped), fastDelays.Mobile)
	list := readUntil(t, watcher, presence.EventUserList)
	assert.Equal(t, []string{"watcher"}, decode[presence.UserList](t, list).Users)
}

func TestServeWS_LogoutFrameSkipsGrace(t *testing.T) {
	s, ts := newTestServer(t, nil, ServerOptions{Delays: slowDelays})

	watcher := dial(t, ts, "watcher", "W", "desktop")
	readUntil(t, watcher, presence.EventUserList)
	erin := dial(t, ts, "erin", "S1", "mobile")
	readUntil(t, watcher, presence.EventUserJoined)

	sendFrame(t, erin, ClientFrame{Type: "logout", Username: "erin"})
	closeNormally(t, erin)

	left := readUntil(t, watcher, presence.EventUserLeft)
	assert.Equal(t, "erin", decode[presence.UserLeft](t, left).Username)
	assert.False(t, s.Presence().Draining("erin"))
}

func TestServeWS_LogoutForAnotherUserIgnored(t *testing.T) {
	s, ts := newTestServer(t, nil, ServerOptions{Delays: slowDelays})

	erin := dial(t, ts, "erin", "S1", "web")
	readUntil(t, erin, presence.EventUserList)
	frank := dial(t, ts, "frank", "S2", "web")
	readUntil(t, frank, presence.EventUserList)

	sendFrame(t, erin, ClientFrame{Type: "logout", Username: "frank"})
	closeNormally(t, frank)

	require.Eventually(t, func() bool { return s.Presence().Draining("frank") }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWS_SessionSwitchNotifiesPreviousUser(t *testing.T) {
	s, ts := newTestServer(t, nil, ServerOptions{Delays: slowDelays})

	carol := dial(t, ts, "carol", "S1", "web")
	readUntil(t, carol, presence.EventUserList)

	dave := dial(t, ts, "dave", "S1", "web")
	replaced := readUntil(t, carol, presence.EventSessionReplaced)
	assert.Equal(t, presence.SessionReplaced{SessionID: "S1", Username: "dave"}, decode[presence.SessionReplaced](t, replaced))
	assert.False(t, s.Presence().Registry().IsOnline("carol"))
	assert.True(t, s.Presence().Registry().IsOnline("dave"))

	require.NoError(t, carol.SetReadDeadline(time.Now().Add(2*time.Second)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := carol.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, closeSessionReplaced, closeErr.Code)
	assert.Equal(t, "session replaced", closeErr.Text)

	// only dave is left attached, and his socket keeps working
	require.Eventually(t, func() bool { return s.hub.Size() == 1 }, 2*time.Second, 10*time.Millisecond)
	readUntil(t, dave, presence.EventUserList)
	sendFrame(t, dave, ClientFrame{Type: "chat", Body: "mine now"})
	msg := decode[ChatMessage](t, readUntil(t, dave, EventChatMessage))
	assert.Equal(t, "dave", msg.User)
}

func TestServeWS_ChatRelay(t *testing.T) {
	_, ts := newTestServer(t, nil, ServerOptions{Delays: fastDelays})

	alice := dial(t, ts, "alice", "S1", "web")
	readUntil(t, alice, presence.EventUserList)
	bob := dial(t, ts, "bob", "S2", "web")
	readUntil(t, bob, presence.EventUserList)

	sendFrame(t, alice, ClientFrame{Type: "chat", Body: "hi bob"})
	msg := decode[ChatMessage](t, readUntil(t, bob, EventChatMessage))
	assert.Equal(t, "alice", msg.User)
	assert.Equal(t, "hi bob", msg.Body)
}

func TestServeWS_ConnectRateLimit(t *testing.T) {
	_, ts := newTestServer(t, nil, ServerOptions{Delays: fastDelays, ConnectLimit: 1, ConnectWindow: time.Minute})

	dial(t, ts, "alice", "S1", "web")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "alice", "S2", "web"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHandleFrame_ChatRateLimited(t *testing.T) {
	s := NewServer(nil, zap.NewNop(), ServerOptions{Delays: slowDelays})
	defer s.Close()

	client := newClient("c1", "alice", nil)
	require.NoError(t, s.hub.registerClient(client))

	now := time.Now()
	for i := 0; i <= rateLimitBurst; i++ {
		s.handleFrame(client, ClientFrame{Type: "chat", Body: "spam"}, now)
	}
	for i := 0; i < rateLimitBurst; i++ {
		assert.Equal(t, EventChatMessage, recv(t, client).Event)
	}
	assert.Equal(t, EventRateLimited, recv(t, client).Event)

	s.handleFrame(client, ClientFrame{Type: "chat", Body: "later"}, now.Add(rateLimitWindow+time.Second))
	assert.Equal(t, EventChatMessage, recv(t, client).Event)
}

func TestHandleUsers(t *testing.T) {
	store, err := storage.NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, store.Migrate(ctx))

	s, ts := newTestServer(t, store, ServerOptions{Delays: fastDelays})
	require.NoError(t, s.Presence().OnConnect("c1", "Alice", "S1", "desktop"))
	require.NoError(t, s.Presence().OnConnect("c2", "bob", "S2", "web"))
	// history is written in the background
	require.Eventually(t, func() bool {
		user, err := store.GetUser(ctx, "alice")
		return err == nil && user != nil
	}, 2*time.Second, 10*time.Millisecond)

	var users usersResponse
	getJSON(t, ts.URL+"/users", http.StatusOK, &users)
	assert.Equal(t, usersResponse{Count: 2, Users: []string{"Alice", "bob"}}, users)

	var alice userResponse
	getJSON(t, ts.URL+"/users/alice", http.StatusOK, &alice)
	assert.True(t, alice.Online)
	assert.Equal(t, 1, alice.Connections)
	assert.Equal(t, "Alice", alice.Username)

	resp, err := http.Get(ts.URL + "/users/ghost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/users", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	s.Presence().OnDisconnect("c1")
	require.Eventually(t, func() bool {
		return s.metrics.Snapshot()["leaves_total"] == uint64(1)
	}, 2*time.Second, 10*time.Millisecond)

	var gone userResponse
	getJSON(t, ts.URL+"/users/ALICE", http.StatusOK, &gone)
	assert.False(t, gone.Online)
	assert.False(t, gone.Draining)
	require.NotNil(t, gone.LastSeen)

	var history historyResponse
	require.Eventually(t, func() bool {
		getJSON(t, ts.URL+"/users/alice/history", http.StatusOK, &history)
		return len(history.Transitions) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Alice", history.Username)
	assert.Equal(t, storage.KindLeft, history.Transitions[0].Kind)
	assert.Equal(t, storage.KindJoined, history.Transitions[1].Kind)
	assert.Equal(t, "desktop", history.Transitions[1].DeviceType)

	getJSON(t, ts.URL+"/users/alice/history?limit=1", http.StatusOK, &history)
	assert.Len(t, history.Transitions, 1)

	resp, err = http.Get(ts.URL + "/users/alice/history?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/users/alice/friends")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var metrics map[string]any
	getJSON(t, ts.URL+"/metrics", http.StatusOK, &metrics)
	assert.EqualValues(t, 2, metrics["joins_total"])
	assert.EqualValues(t, 1, metrics["leaves_total"])
	assert.EqualValues(t, 1, metrics["active_connections"])
}

func getJSON(t *testing.T, target string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
