package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"presencehub/internal/app"
)

func main() {
	_ = godotenv.Load()

	defaultServer := envOrDefault("PRESENCEHUB_SERVER", "ws://localhost:8080/presence")
	defaultUser := envOrDefault("PRESENCEHUB_USER", os.Getenv("USER"))

	serverURL := flag.String("server", defaultServer, "WebSocket presence URL (e.g., ws://localhost:8080/presence)")
	username := flag.String("user", defaultUser, "username to connect as")
	sessionID := flag.String("session", envOrDefault("PRESENCEHUB_SESSION", ""), "session id to reuse (random when empty)")
	device := flag.String("device", "desktop", "device type reported to the server")
	logout := flag.Bool("logout", true, "send an explicit logout before exiting")
	flag.Parse()

	if *sessionID == "" {
		*sessionID = uuid.NewString()
	}

	cfg := app.WatchConfig{
		ServerURL:    *serverURL,
		Username:     *username,
		SessionID:    *sessionID,
		DeviceType:   *device,
		LogoutOnExit: *logout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunWatch(ctx, cfg, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
