package internal

import "encoding/json"

// Envelope is every frame the server writes to a websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ClientFrame is every frame a client may send.
type ClientFrame struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
	Body     string `json:"body,omitempty"`
}

const (
	frameLogout = "logout"
	frameChat   = "chat"

	EventChatMessage = "ChatMessage"
	EventRateLimited = "RateLimited"
)

// ChatMessage is relayed as-is to every connection.
type ChatMessage struct {
	User string `json:"user"`
	Body string `json:"body"`
	Ts   int64  `json:"ts"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
