// Package server assembles the relay process: the HTTP surface carrying the
// websocket endpoint, uploads, media, metrics and health, plus the optional
// raw TCP listener. Both transports feed one Acceptor and one Directory.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/omochice/ironwire/internal/blob"
	"github.com/omochice/ironwire/internal/chat"
	"github.com/omochice/ironwire/internal/config"
	"github.com/omochice/ironwire/internal/telemetry/metric"
	"github.com/omochice/ironwire/internal/transport/tcp"
	"github.com/omochice/ironwire/internal/transport/ws"
)

var _ chat.Metrics = (*metric.Registry)(nil)

// Deps are the collaborators owned by the caller.
type Deps struct {
	Logger *slog.Logger
	// Store backs /upload and /media. Nil disables both routes.
	Store blob.Store
	// Metrics is created when nil.
	Metrics *metric.Registry
}

// Server is the relay process.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metric.Registry
	dir      *chat.MemoryDirectory
	acceptor *chat.Acceptor
	http     *http.Server
	tcp      *tcp.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
}

// New wires a server from cfg. The configuration is expected to be validated.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metric.NewRegistry()
	}

	s := &Server{
		cfg:     cfg,
		logger:  deps.Logger.With(slog.String("component", "server")),
		metrics: deps.Metrics,
		dir:     chat.NewDirectory(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.acceptor = chat.NewAcceptor(s.dir,
		chat.WithLogger(deps.Logger),
		chat.WithMetrics(deps.Metrics),
		chat.WithDuplicatePolicy(chat.DuplicatePolicy(cfg.Relay.DuplicateIdentity)),
	)
	s.metrics.TrackOnline(s.dir.Count)

	if rm, ok := deps.Store.(interface {
		RegisterMetrics(prometheus.Registerer) error
	}); ok {
		if err := rm.RegisterMetrics(s.metrics.Registerer()); err != nil {
			s.logger.Warn("failed to register blob store metrics", slog.Any("error", err))
		}
	}

	s.http = &http.Server{
		Handler:           s.routes(deps.Logger, deps.Store),
		ReadHeaderTimeout: cfg.Server.HTTP.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	if cfg.Server.TCP.Addr != "" {
		s.tcp = tcp.New(cfg.Server.TCP.Addr, s.acceptor,
			tcp.WithIdleTimeout(cfg.Relay.IdleTimeout),
			tcp.WithLogger(deps.Logger),
		)
	}
	return s
}

func (s *Server) routes(l *slog.Logger, store blob.Store) http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.Handler, mw ...Middleware) {
		mw = append([]Middleware{Instrument(route, s.metrics, l)}, mw...)
		mux.Handle(pattern, Chain(h, mw...))
	}

	handle("GET /ws", "ws", ws.NewHandler(s.acceptor,
		ws.WithConnIdleTimeout(s.cfg.Relay.IdleTimeout),
		ws.WithLogger(l),
	))

	if store != nil {
		api := blob.NewAPI(store, s.cfg.Blob.MaxUploadBytes,
			blob.WithRecorder(s.metrics),
			blob.WithLogger(l),
		)
		handle("POST /upload", "upload", http.HandlerFunc(api.Upload),
			RateLimit(s.cfg.Blob.UploadRate, s.cfg.Blob.UploadBurst))
		handle("GET "+blob.MediaPrefix+"{id}", "media", http.HandlerFunc(api.Media))
	}

	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.metrics.Handler())
	}

	handle("GET /healthz", "healthz", http.HandlerFunc(s.health))
	handle("/", "fallback", http.HandlerFunc(fallback))

	return Chain(mux, RequestID(), Recover(l))
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Acceptor returns the acceptor shared by all transports.
func (s *Server) Acceptor() *chat.Acceptor {
	return s.acceptor
}

// Listen binds the HTTP listener and, when configured, the TCP listener.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Server.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if s.tcp != nil {
		if err := s.tcp.Listen(); err != nil {
			listener.Close()
			return err
		}
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Serve serves on the listeners bound by Listen until Stop is called.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	errCh := make(chan error, 1)
	if s.tcp != nil {
		go func() { errCh <- s.tcp.Serve() }()
	}

	s.logger.Info("HTTP server started", slog.String("addr", listener.Addr().String()))
	if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	if s.tcp != nil {
		if err := <-errCh; err != nil {
			return fmt.Errorf("TCP server error: %w", err)
		}
	}
	return nil
}

// Start listens and serves. It blocks until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop closes every session with 1001, authenticated or not, and waits for
// them up to the configured shutdown timeout. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.HTTP.ShutdownTimeout)
		defer cancel()

		if err := s.http.Shutdown(ctx); err != nil {
			s.logger.Warn("HTTP shutdown incomplete", slog.Any("error", err))
		}
		if err := s.acceptor.Shutdown(ctx); err != nil {
			s.logger.Warn("sessions still running after shutdown timeout",
				slog.Int("active", s.acceptor.Active()),
				slog.Any("error", err))
		}
		s.cancel()
		if s.tcp != nil {
			s.tcp.Stop()
		}
		s.logger.Info("server stopped")
	})
}

// Addr returns the HTTP listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// TCPAddr returns the TCP listening address, or "" when TCP is disabled.
func (s *Server) TCPAddr() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.Addr()
}
