package internal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"presencehub/internal/presence"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	joinedStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	leftStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	listStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	usernameStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
)

func renderBanner(username, server string) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		appTitleStyle.Render("presencehub"),
		subtitleStyle.Render(fmt.Sprintf("watching as %s on %s", username, server)),
	)
}

// renderEvent formats one server frame as a single terminal line.
func renderEvent(env Envelope, now time.Time) (string, error) {
	stamp := timestampStyle.Render(now.Format("15:04:05"))
	var body string
	switch env.Event {
	case presence.EventUserJoined:
		var evt presence.UserJoined
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return "", err
		}
		body = joinedStyle.Render("+ ") + usernameStyle.Render(evt.Username) +
			joinedStyle.Render(fmt.Sprintf(" joined (%s)", evt.DeviceType))
	case presence.EventUserLeft:
		var evt presence.UserLeft
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return "", err
		}
		body = leftStyle.Render("- ") + usernameStyle.Render(evt.Username) + leftStyle.Render(" left")
	case presence.EventUserList:
		var evt presence.UserList
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return "", err
		}
		names := "nobody"
		if len(evt.Users) > 0 {
			names = strings.Join(evt.Users, ", ")
		}
		body = listStyle.Render(fmt.Sprintf("online (%d): %s", len(evt.Users), names))
	case presence.EventSessionReplaced:
		var evt presence.SessionReplaced
		if err := json.Unmarshal(env.Data, &evt); err != nil {
			return "", err
		}
		body = systemMessageStyle.Render(fmt.Sprintf("session %s taken over by %s", evt.SessionID, evt.Username))
	case EventChatMessage, EventRateLimited:
		var msg ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return "", err
		}
		if env.Event == EventRateLimited {
			body = systemMessageStyle.Render(msg.Body)
		} else {
			body = usernameStyle.Render(msg.User) + ": " + messageBodyStyle.Render(msg.Body)
		}
	default:
		body = systemMessageStyle.Render(env.Event + " " + string(env.Data))
	}
	return stamp + " " + body, nil
}
