package presence

import (
	"strings"
	"time"
)

// DeviceType is the client-reported device class of a connection.
type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceWeb     DeviceType = "web"
	DeviceDesktop DeviceType = "desktop"
	DeviceUnknown DeviceType = "unknown"
)

// ParseDeviceType folds the raw query value into one of the known device
// classes. ios and android are reported as mobile.
func ParseDeviceType(raw string) DeviceType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mobile", "ios", "android":
		return DeviceMobile
	case "web":
		return DeviceWeb
	case "desktop":
		return DeviceDesktop
	default:
		return DeviceUnknown
	}
}

// Connection is one live transport session.
type Connection struct {
	ID          string
	Username    string
	SessionID   string
	DeviceType  DeviceType
	ConnectedAt time.Time
}

// userKey is the identity used for every username comparison.
func userKey(username string) string {
	return strings.ToLower(username)
}

// GroupKey names the per-user broadcast group a connection belongs to.
func GroupKey(username string) string {
	return "user:" + userKey(username)
}
