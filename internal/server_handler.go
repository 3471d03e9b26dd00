package internal

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presencehub/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and hands the new connection to the presence
// coordinator. Identity comes from the username, sessionId and deviceType
// query parameters; a connect the coordinator rejects is closed with a
// policy violation frame.
func (s *Server) ServeWS(writer http.ResponseWriter, request *http.Request) {
	if !s.connectLimiter.Allow(s.clientIP(request)) {
		http.Error(writer, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	query := request.URL.Query()
	username := strings.TrimSpace(query.Get("username"))
	sessionID := query.Get("sessionId")
	deviceType := query.Get("deviceType")

	websocketConn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), username, websocketConn)
	if err := s.hub.registerClient(client); err != nil {
		abort(websocketConn, websocket.CloseTryAgainLater, "server shutting down")
		return
	}
	if err := s.presence.OnConnect(client.id, username, sessionID, deviceType); err != nil {
		s.hub.unregisterClient(client)
		code := websocket.CloseInternalServerErr
		if errors.Is(err, presence.ErrInvalidConnect) {
			code = websocket.ClosePolicyViolation
		}
		abort(websocketConn, code, err.Error())
		return
	}

	go client.writePump()
	go client.readPump(s)
}

// abort closes a connection that was never handed to the pumps.
func abort(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	_ = conn.Close()
}
