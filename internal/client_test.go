package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencehub/internal/presence"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchURL(t *testing.T) {
	got, err := watchURL(WatchOptions{
		ServerURL:  "ws://localhost:8080/presence",
		Username:   "alice smith",
		SessionID:  "S1",
		DeviceType: "mobile",
	})
	require.NoError(t, err)
	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "/presence", u.Path)
	assert.Equal(t, "alice smith", u.Query().Get("username"))
	assert.Equal(t, "S1", u.Query().Get("sessionId"))
	assert.Equal(t, "mobile", u.Query().Get("deviceType"))

	_, err = watchURL(WatchOptions{})
	assert.Error(t, err)
}

func TestRenderEvent(t *testing.T) {
	now := time.Date(2025, 1, 1, 9, 30, 0, 0, time.UTC)
	envelope := func(event string, payload any) Envelope {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		return Envelope{Event: event, Data: data}
	}

	tests := []struct {
		name string
		env  Envelope
		want []string
	}{
		{"joined", envelope(presence.EventUserJoined, presence.UserJoined{Username: "bob", DeviceType: presence.DeviceMobile}), []string{"bob", "joined (mobile)"}},
		{"left", envelope(presence.EventUserLeft, presence.UserLeft{Username: "bob"}), []string{"bob", "left"}},
		{"list", envelope(presence.EventUserList, presence.UserList{Users: []string{"alice", "bob"}}), []string{"online (2): alice, bob"}},
		{"empty list", envelope(presence.EventUserList, presence.UserList{}), []string{"online (0): nobody"}},
		{"replaced", envelope(presence.EventSessionReplaced, presence.SessionReplaced{SessionID: "S1", Username: "dave"}), []string{"session S1 taken over by dave"}},
		{"chat", envelope(EventChatMessage, ChatMessage{User: "alice", Body: "hello"}), []string{"alice", "hello"}},
		{"unknown", Envelope{Event: "Custom", Data: json.RawMessage(`{"x":1}`)}, []string{"Custom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := renderEvent(tt.env, now)
			require.NoError(t, err)
			assert.Contains(t, line, "09:30:00")
			for _, want := range tt.want {
				assert.Contains(t, line, want)
			}
		})
	}

	_, err := renderEvent(Envelope{Event: presence.EventUserList, Data: json.RawMessage(`"nope"`)}, now)
	assert.Error(t, err)
}

func TestRunWatchLogsOutOnExit(t *testing.T) {
	s, ts := newTestServer(t, nil, ServerOptions{Delays: slowDelays})

	out := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunWatch(ctx, WatchOptions{
			ServerURL:    "ws" + strings.TrimPrefix(ts.URL, "http") + "/presence",
			Username:     "alice",
			SessionID:    "S1",
			DeviceType:   "desktop",
			LogoutOnExit: true,
			Out:          out,
		})
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "online (1): alice")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("RunWatch did not return after cancel")
	}

	require.Eventually(t, func() bool {
		return !s.Presence().Registry().IsOnline("alice")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.Presence().Draining("alice"), "logout on exit skips the grace window")
}

func TestRunWatchReportsRejection(t *testing.T) {
	_, ts := newTestServer(t, nil, ServerOptions{Delays: slowDelays})

	err := RunWatch(context.Background(), WatchOptions{
		ServerURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/presence",
		Username:  "alice",
		Out:       &syncBuffer{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server closed connection")
}
