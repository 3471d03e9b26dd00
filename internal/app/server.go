package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	intrnl "presencehub/internal"
	"presencehub/internal/storage"
)

const maintenanceInterval = 10 * time.Minute

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	app    *intrnl.Server
	store  *storage.Store
	logger *zap.Logger
	stop   context.CancelFunc
	done   chan struct{}
	err    error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the presence history store, wires the websocket and HTTP
// handlers, and starts serving in the background. Call Stop/Wait to manage
// its lifecycle; cancelling ctx also shuts it down.
func RunServer(ctx context.Context, cfg ServerConfig, logger *zap.Logger) (*ServerHandle, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Path = NormalizeJoinPath(cfg.Path)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	server := intrnl.NewServer(store, logger, intrnl.ServerOptions{
		ConnectLimit:  cfg.ConnectLimit,
		ConnectWindow: cfg.ConnectWindow,
		TrustProxy:    cfg.TrustProxy,
	})
	mux := http.NewServeMux()
	registerHandlers(mux, cfg.Path, server)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		server.Close()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, stop := context.WithCancel(ctx)
	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		app:    server,
		store:  store,
		logger: logger,
		stop:   stop,
		done:   make(chan struct{}),
	}

	go func() {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()
	go maintain(runCtx, server, cfg.HistoryRetention)
	go handle.serve(listener)

	logger.Info("presencehub listening",
		zap.String("addr", handle.addr),
		zap.String("path", cfg.Path),
		zap.String("db", cfg.DBPath))
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.stop()
	h.app.Close()
	if err := h.store.Close(); err != nil {
		h.logger.Warn("store close", zap.Error(err))
	}
	h.err = err
}

func maintain(ctx context.Context, server *intrnl.Server, retention time.Duration) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Maintain(ctx, retention)
		}
	}
}

func registerHandlers(mux *http.ServeMux, wsPath string, server *intrnl.Server) {
	mux.HandleFunc(wsPath, server.ServeWS)
	mux.HandleFunc("/users", server.HandleUsers)
	mux.HandleFunc("/users/", server.HandleUser)
	mux.HandleFunc("/healthz", server.HandleHealth)
	mux.Handle("/metrics", server.MetricsHandler())
}
