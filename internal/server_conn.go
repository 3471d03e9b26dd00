package internal

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is a single websocket connection and its buffered send queue.
type Client struct {
	id           string
	username     string
	conn         *websocket.Conn
	send         chan []byte
	messageTimes []time.Time
	// closeFrame is set by the hub before it closes send.
	closeFrame []byte
}

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 8192
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

func newClient(id, username string, conn *websocket.Conn) *Client {
	return &Client{
		id:           id,
		username:     username,
		conn:         conn,
		send:         make(chan []byte, 256),
		messageTimes: make([]time.Time, 0, rateLimitBurst),
	}
}

func (client *Client) readPump(s *Server) {
	defer func() {
		s.hub.unregisterClient(client)
		client.conn.Close()
		s.presence.OnDisconnect(client.id)
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("read error", zap.String("connection_id", client.id), zap.Error(err))
			}
			break
		}
		var frame ClientFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.logger.Debug("dropping malformed frame", zap.String("connection_id", client.id))
			continue
		}
		s.handleFrame(client, frame, time.Now())
	}
}

func (s *Server) handleFrame(client *Client, frame ClientFrame, now time.Time) {
	switch strings.ToLower(frame.Type) {
	case frameLogout:
		// mismatches are logged by the coordinator and otherwise ignored
		_ = s.presence.ExplicitLogout(client.id, frame.Username)
	case frameChat:
		if !client.allowMessage(now) {
			_ = s.hub.SendTo(client.id, EventRateLimited, ChatMessage{
				User: "system",
				Body: "You're sending messages too quickly. Please wait a moment and try again.",
				Ts:   now.Unix(),
			})
			return
		}
		if err := s.hub.BroadcastToAll(EventChatMessage, ChatMessage{
			User: client.username,
			Body: frame.Body,
			Ts:   now.Unix(),
		}); err != nil {
			s.logger.Warn("chat relay failed", zap.String("connection_id", client.id), zap.Error(err))
		}
	default:
		s.logger.Debug("unknown frame type",
			zap.String("connection_id", client.id),
			zap.String("type", frame.Type))
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				frame := client.closeFrame
				if frame == nil {
					frame = []byte{}
				}
				_ = client.conn.WriteMessage(websocket.CloseMessage, frame)
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// rate limits

func (client *Client) allowMessage(now time.Time) bool {
	cutoff := now.Add(-rateLimitWindow)
	idx := 0
	for _, ts := range client.messageTimes {
		if ts.After(cutoff) {
			client.messageTimes[idx] = ts
			idx++
		}
	}
	client.messageTimes = client.messageTimes[:idx]
	if len(client.messageTimes) >= rateLimitBurst {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}
