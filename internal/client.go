package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WatchOptions configures RunWatch.
type WatchOptions struct {
	ServerURL    string
	Username     string
	SessionID    string
	DeviceType   string
	LogoutOnExit bool
	Out          io.Writer
}

// RunWatch connects as a presence participant and prints every event it
// receives until ctx is cancelled or the server closes the connection.
func RunWatch(ctx context.Context, opts WatchOptions) error {
	target, err := watchURL(opts)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.ServerURL, err)
	}
	defer conn.Close()

	fmt.Fprintln(opts.Out, renderBanner(opts.Username, opts.ServerURL))

	readErr := make(chan error, 1)
	go func() {
		readErr <- watchLoop(conn, opts.Out)
	}()

	select {
	case err := <-readErr:
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseNormalClosure {
			return fmt.Errorf("server closed connection: %s", closeErr.Text)
		}
		return nil
	case <-ctx.Done():
	}

	deadline := time.Now().Add(writeWait)
	if opts.LogoutOnExit {
		frame, _ := json.Marshal(ClientFrame{Type: frameLogout, Username: opts.Username})
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	select {
	case <-readErr:
	case <-time.After(time.Second):
	}
	return ctx.Err()
}

func watchURL(opts WatchOptions) (string, error) {
	if opts.ServerURL == "" {
		return "", errors.New("server URL is required")
	}
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	q := u.Query()
	q.Set("username", opts.Username)
	q.Set("sessionId", opts.SessionID)
	if opts.DeviceType != "" {
		q.Set("deviceType", opts.DeviceType)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func watchLoop(conn *websocket.Conn, out io.Writer) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		line, err := renderEvent(env, time.Now())
		if err != nil {
			continue
		}
		fmt.Fprintln(out, line)
	}
}
