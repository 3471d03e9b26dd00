package internal

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"presencehub/internal/metrics"
	"presencehub/internal/presence"
	"presencehub/internal/storage"
)

// ServerOptions tunes a Server. Zero values pick defaults.
type ServerOptions struct {
	Delays        presence.DelayPolicy
	ConnectLimit  int
	ConnectWindow time.Duration
	TrustProxy    bool
}

// Server wires the websocket hub to the presence coordinator and serves the
// HTTP read API.
type Server struct {
	hub            *Hub
	presence       *presence.Coordinator
	store          *storage.Store
	metrics        *metrics.Metrics
	logger         *zap.Logger
	connectLimiter *RateLimiter
	trustProxy     bool
}

// NewServer builds a Server. store may be nil, in which case presence
// history is not recorded and last-seen lookups return nothing.
func NewServer(store *storage.Store, logger *zap.Logger, opts ServerOptions) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConnectLimit <= 0 {
		opts.ConnectLimit = 30
	}
	if opts.ConnectWindow <= 0 {
		opts.ConnectWindow = time.Minute
	}
	m := metrics.New()
	hub := NewHub()
	coordOpts := presence.Options{
		Delays:  opts.Delays,
		Logger:  logger,
		Metrics: m,
	}
	if store != nil {
		coordOpts.History = store
	}
	return &Server{
		hub:            hub,
		presence:       presence.NewCoordinator(hub, coordOpts),
		store:          store,
		metrics:        m,
		logger:         logger.Named("server"),
		connectLimiter: NewRateLimiter(opts.ConnectLimit, opts.ConnectWindow),
		trustProxy:     opts.TrustProxy,
	}
}

// Presence returns the coordinator owning all presence state.
func (s *Server) Presence() *presence.Coordinator {
	return s.presence
}

// Close stops grace timers and then the hub.
func (s *Server) Close() {
	s.presence.Close()
	s.hub.Close()
}

// Maintain forgets idle rate limiter keys and prunes presence history older
// than retention. A zero retention keeps history forever.
func (s *Server) Maintain(ctx context.Context, retention time.Duration) {
	s.connectLimiter.Sweep()
	if s.store == nil || retention <= 0 {
		return
	}
	pruned, err := s.store.PruneTransitions(ctx, time.Now().Add(-retention))
	if err != nil {
		s.logger.Warn("prune presence history", zap.Error(err))
		return
	}
	if pruned > 0 {
		s.logger.Info("pruned presence history", zap.Int64("rows", pruned))
	}
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
