package presence

import "time"

// Event names sent to observers.
const (
	EventUserJoined      = "UserJoined"
	EventUserLeft        = "UserLeft"
	EventUserList        = "UpdateUserList"
	EventSessionReplaced = "SessionReplaced"
)

type UserJoined struct {
	Username    string     `json:"username"`
	DeviceType  DeviceType `json:"deviceType"`
	ConnectedAt time.Time  `json:"connectedAt"`
}

type UserLeft struct {
	Username string    `json:"username"`
	LeftAt   time.Time `json:"leftAt"`
}

type UserList struct {
	Users []string `json:"users"`
}

type SessionReplaced struct {
	SessionID string `json:"sessionId"`
	Username  string `json:"username"`
}

// Broadcaster is the transport side of presence: fan-out plus the per-user
// groups used for targeted delivery.
type Broadcaster interface {
	BroadcastToAll(event string, payload any) error
	BroadcastToOthers(excludeConnectionID, event string, payload any) error
	SendToGroup(group, event string, payload any) error
	AddToGroup(connectionID, group string)
	RemoveFromGroup(connectionID, group string)
	// Disconnect closes a connection presence has already evicted, after
	// anything sent to it earlier has been delivered.
	Disconnect(connectionID string) error
}
