package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/omochice/ironwire/pkg/protocol"
)

// State is the lifecycle stage of a session. Transitions only move forward.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DuplicatePolicy decides what happens to a session whose identity is claimed again.
type DuplicatePolicy string

const (
	// DuplicateShadow keeps the older session running but unreachable (last write wins).
	DuplicateShadow DuplicatePolicy = "shadow"
	// DuplicateEvict asks the older session to close.
	DuplicateEvict DuplicatePolicy = "evict"
)

// Metrics receives session lifecycle and routing events.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	Authenticated()
	MessageRouted()
	MessageDropped()
	ProtocolError(reason string)
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened()       {}
func (nopMetrics) SessionClosed()       {}
func (nopMetrics) Authenticated()       {}
func (nopMetrics) MessageRouted()       {}
func (nopMetrics) MessageDropped()      {}
func (nopMetrics) ProtocolError(string) {}

type settings struct {
	logger     *slog.Logger
	metrics    Metrics
	duplicates DuplicatePolicy
}

func newSettings(opts []Option) settings {
	s := settings{
		logger:     slog.Default(),
		metrics:    nopMetrics{},
		duplicates: DuplicateShadow,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Option configures sessions and the acceptor that creates them.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *settings) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithDuplicatePolicy sets how a repeated identity is handled.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return func(s *settings) {
		if p != "" {
			s.duplicates = p
		}
	}
}

// Session is the state machine of one connection.
type Session struct {
	id      string
	conn    Conn
	dir     Directory
	handle  *Handle
	cfg     settings
	logger  *slog.Logger
	metrics Metrics

	mu       sync.RWMutex
	state    State
	identity string
}

// NewSession creates an unauthenticated session with a fresh, unpublished handle.
func NewSession(conn Conn, dir Directory, opts ...Option) *Session {
	cfg := newSettings(opts)
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		dir:     dir,
		handle:  NewHandle(),
		cfg:     cfg,
		metrics: cfg.metrics,
		logger: cfg.logger.With(
			slog.String("session_id", id),
			slog.String("remote_addr", conn.RemoteAddr()),
		),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the authenticated identity, or "" before auth.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Handle returns the delivery handle owned by the session.
func (s *Session) Handle() *Handle {
	return s.handle
}

type readResult struct {
	frame Frame
	err   error
}

// Run services the connection until it terminates. Directory cleanup runs
// on every exit path before Run returns.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	frames := make(chan readResult)
	readDone := make(chan struct{})

	s.metrics.SessionOpened()
	s.logger.Info("session started")

	go s.readLoop(ctx, frames, readDone)

	defer func() {
		cancel()
		s.terminate()
		<-readDone
	}()

	for {
		select {
		case r := <-frames:
			if !s.handleRead(r) {
				return
			}
		case <-s.handle.Ready():
			env, ok := s.handle.Pop()
			if !ok {
				continue
			}
			if !s.deliver(env) {
				return
			}
		case <-ctx.Done():
			s.writeClose(CloseGoingAway, "server shutting down")
			return
		}
	}
}

// readLoop forwards frames from the transport until it fails or closes.
func (s *Session) readLoop(ctx context.Context, out chan<- readResult, done chan<- struct{}) {
	defer close(done)
	for {
		f, err := s.conn.Read(ctx)
		select {
		case out <- readResult{frame: f, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil || f.Kind == FrameClose {
			return
		}
	}
}

func (s *Session) handleRead(r readResult) bool {
	if r.err != nil {
		if errors.Is(r.err, io.EOF) || errors.Is(r.err, net.ErrClosed) {
			s.logger.Info("connection closed by peer")
		} else {
			s.logger.Warn("receive error", slog.Any("error", r.err))
		}
		return false
	}

	switch r.frame.Kind {
	case FrameText:
		return s.handleText(r.frame.Data)
	case FrameClose:
		s.logger.Info("close frame received", slog.Int("code", r.frame.Code), slog.String("reason", r.frame.Reason))
		return false
	default:
		s.logger.Debug("ignoring frame", slog.String("kind", r.frame.Kind.String()))
		return true
	}
}

func (s *Session) handleText(data []byte) bool {
	var msg protocol.ClientMessage
	err := msg.Decode(data)

	if s.State() == StateUnauthenticated {
		if err != nil || msg.Type != protocol.MessageTypeAuth {
			s.logger.Debug("rejecting frame before auth", slog.Any("error", err))
			s.metrics.ProtocolError(protocol.ErrCodeAuthRequired)
			return s.reply(protocol.ErrorMessage(protocol.ErrCodeAuthRequired))
		}
		return s.authenticate(msg.Token)
	}

	if err != nil {
		s.logger.Warn("failed to parse message", slog.Any("error", err))
		s.metrics.ProtocolError(protocol.ErrCodeInvalidMessage)
		return s.reply(protocol.ErrorMessage(protocol.ErrCodeInvalidMessage))
	}

	switch msg.Type {
	case protocol.MessageTypeAuth:
		s.logger.Warn("user already authenticated")
		s.metrics.ProtocolError(protocol.ErrCodeAlreadyAuthenticated)
		return s.reply(protocol.ErrorMessage(protocol.ErrCodeAlreadyAuthenticated))
	case protocol.MessageTypeText:
		return s.route(msg.To, msg.Text)
	default:
		return true
	}
}

func (s *Session) authenticate(token string) bool {
	if token == "" {
		s.logger.Warn("received empty auth token")
		s.metrics.ProtocolError("empty_token")
		s.writeClose(CloseInvalid, "Empty token")
		return false
	}

	s.mu.Lock()
	s.identity = token
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.logger = s.logger.With(slog.String("user", token))
	if previous := s.dir.Insert(token, s.handle); previous != nil {
		s.logger.Warn("identity already registered, replacing entry",
			slog.String("policy", string(s.cfg.duplicates)))
		if s.cfg.duplicates == DuplicateEvict {
			previous.Send(CloseEnvelope(ClosePolicy, "identity claimed by another session"))
		}
	}
	s.metrics.Authenticated()
	s.logger.Info("user authenticated")

	return s.reply(protocol.AuthOK())
}

// route pushes a text message into the recipient's handle. Delivery is fire-and-forget.
func (s *Session) route(to, text string) bool {
	recipient, ok := s.dir.Lookup(to)
	if !ok {
		s.metrics.ProtocolError(protocol.ErrCodeUserOffline)
		return s.reply(protocol.UserOffline(to))
	}

	data, err := protocol.TextFrom(s.Identity(), text).Encode()
	if err != nil {
		s.logger.Error("failed to encode routed message", slog.Any("error", err))
		return true
	}
	if !recipient.Send(TextEnvelope(data)) {
		s.logger.Warn("failed to send message to user", slog.String("to", to))
		s.metrics.MessageDropped()
		return true
	}
	s.metrics.MessageRouted()
	return true
}

// deliver forwards an envelope from the handle to the transport.
func (s *Session) deliver(env Envelope) bool {
	if env.Kind == EnvelopeClose {
		s.logger.Info("close requested", slog.Int("code", env.Code), slog.String("reason", env.Reason))
		s.writeClose(env.Code, env.Reason)
		return false
	}
	if err := s.conn.Write(context.Background(), env.frame()); err != nil {
		s.logger.Warn("failed to forward message", slog.Any("error", err))
		return false
	}
	return true
}

func (s *Session) reply(msg protocol.ServerMessage) bool {
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error("failed to encode reply", slog.Any("error", err))
		return true
	}
	if err := s.conn.Write(context.Background(), Frame{Kind: FrameText, Data: data}); err != nil {
		s.logger.Warn("failed to send reply", slog.Any("error", err))
		return false
	}
	return true
}

func (s *Session) writeClose(code int, reason string) {
	if err := s.conn.Write(context.Background(), Frame{Kind: FrameClose, Code: code, Reason: reason}); err != nil {
		s.logger.Debug("failed to send close frame", slog.Any("error", err))
	}
}

// terminate runs exactly once, from Run.
func (s *Session) terminate() {
	s.mu.Lock()
	id := s.identity
	s.state = StateTerminated
	s.mu.Unlock()

	if id != "" {
		if s.dir.RemoveIf(id, s.handle) {
			s.logger.Info("user disconnected")
		} else {
			s.logger.Debug("directory entry already replaced")
		}
	}
	s.handle.Close()
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("failed to close connection", slog.Any("error", err))
	}
	s.metrics.SessionClosed()
	s.logger.Info("connection closed")
}
