package app

import (
	"context"
	"errors"
	"io"
	"os"

	intrnl "presencehub/internal"
)

// RunWatch connects to the server and streams presence events to out
// (stdout when nil) until ctx is cancelled.
func RunWatch(ctx context.Context, cfg WatchConfig, out io.Writer) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.Username == "" || cfg.SessionID == "" {
		return errors.New("username and session id are required")
	}
	if out == nil {
		out = os.Stdout
	}
	return intrnl.RunWatch(ctx, intrnl.WatchOptions{
		ServerURL:    cfg.ServerURL,
		Username:     cfg.Username,
		SessionID:    cfg.SessionID,
		DeviceType:   cfg.DeviceType,
		LogoutOnExit: cfg.LogoutOnExit,
		Out:          out,
	})
}
