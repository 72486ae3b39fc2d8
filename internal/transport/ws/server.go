package ws

import (
	"log/slog"
	"net/http"
	"time"

	gobwas "github.com/gobwas/ws"

	"github.com/omochice/ironwire/internal/chat"
)

// Handler upgrades HTTP requests to WebSocket and hands each connection to an Acceptor.
type Handler struct {
	acceptor *chat.Acceptor
	idle     time.Duration
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithConnIdleTimeout applies WithIdleTimeout to every upgraded connection.
func WithConnIdleTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.idle = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler creates an upgrade endpoint feeding acceptor.
func NewHandler(acceptor *chat.Acceptor, opts ...HandlerOption) *Handler {
	h := &Handler{
		acceptor: acceptor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "ws"))
	return h
}

// ServeHTTP performs the upgrade and blocks for the lifetime of the session.
// The session context is the request context, so cancelling the server's
// base context ends every session.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := gobwas.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn("failed to upgrade connection",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err))
		return
	}
	h.logger.Debug("connection upgraded", slog.String("remote_addr", r.RemoteAddr))

	c := NewConn(conn, rw,
		WithIdleTimeout(h.idle),
		WithRemoteAddr(r.RemoteAddr),
	)
	h.acceptor.Serve(r.Context(), c)
}
