package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"presencehub/internal/app"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	addr := flag.String("addr", envOrDefault("PRESENCEHUB_ADDR", ":8080"), "server listen address")
	path := flag.String("path", envOrDefault("PRESENCEHUB_PATH", "/presence"), "websocket path")
	db := flag.String("db", envOrDefault("PRESENCEHUB_DB_PATH", ""), "sqlite database path (defaults to a per-user path)")
	logLevel := flag.String("log-level", envOrDefault("PRESENCEHUB_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("PRESENCEHUB_LOG_FORMAT", "json"), "log format (json, console)")
	connectLimit := flag.Int("connect-limit", envIntOrDefault("PRESENCEHUB_CONNECT_LIMIT", 30), "websocket connects allowed per client IP per window")
	connectWindow := flag.Duration("connect-window", envDurationOrDefault("PRESENCEHUB_CONNECT_WINDOW", time.Minute), "connect rate limit window")
	retention := flag.Duration("history-retention", envDurationOrDefault("PRESENCEHUB_HISTORY_RETENTION", 30*24*time.Hour), "how long presence transitions are kept (0 keeps forever)")
	trustProxy := flag.Bool("trust-proxy", os.Getenv("PRESENCEHUB_TRUST_PROXY") == "true", "use X-Forwarded-For for client addresses")
	flag.Parse()

	logger, err := app.NewLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "presencehub: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := app.ServerConfig{
		Addr:             *addr,
		Path:             app.NormalizeJoinPath(*path),
		DBPath:           *db,
		LogLevel:         *logLevel,
		LogFormat:        *logFormat,
		ConnectLimit:     *connectLimit,
		ConnectWindow:    *connectWindow,
		HistoryRetention: *retention,
		TrustProxy:       *trustProxy,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = app.DefaultDBPath()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("start server", zap.Error(err))
	}
	if err := handle.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
