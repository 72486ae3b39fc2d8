package chat

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Acceptor turns upgraded connections into sessions bound to one directory.
type Acceptor struct {
	dir    Directory
	opts   []Option
	logger *slog.Logger

	active atomic.Int64
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextID  uint64
	cancels map[uint64]context.CancelFunc
	closing bool
}

// NewAcceptor creates an acceptor whose sessions share dir.
func NewAcceptor(dir Directory, opts ...Option) *Acceptor {
	cfg := newSettings(opts)
	return &Acceptor{
		dir:     dir,
		opts:    opts,
		logger:  cfg.logger.With(slog.String("component", "acceptor")),
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// Serve runs a session on conn and returns once it has terminated and cleaned up.
// After Shutdown has started the session is cancelled immediately, which
// sends a going-away close and drops the connection.
func (a *Acceptor) Serve(ctx context.Context, conn Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		cancel()
		NewSession(conn, a.dir, a.opts...).Run(ctx)
		return
	}
	id := a.nextID
	a.nextID++
	a.cancels[id] = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.cancels, id)
		a.mu.Unlock()
		a.wg.Done()
	}()
	a.active.Add(1)
	defer a.active.Add(-1)

	NewSession(conn, a.dir, a.opts...).Run(ctx)
}

// Active returns the number of sessions currently running.
func (a *Acceptor) Active() int {
	return int(a.active.Load())
}

// Directory returns the shared directory.
func (a *Acceptor) Directory() Directory {
	return a.dir
}

// Shutdown pushes a going-away Close to every registered handle, cancels
// every running session including unauthenticated ones, and waits for all
// of them to finish or ctx to expire. Sessions served afterwards are closed
// on arrival.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	cancels := make([]context.CancelFunc, 0, len(a.cancels))
	for _, cancel := range a.cancels {
		cancels = append(cancels, cancel)
	}
	a.mu.Unlock()

	notified := 0
	a.dir.Range(func(_ string, h *Handle) {
		if h.Send(CloseEnvelope(CloseGoingAway, "server shutting down")) {
			notified++
		}
	})
	for _, cancel := range cancels {
		cancel()
	}
	a.logger.Info("shutdown requested",
		slog.Int("notified", notified),
		slog.Int("cancelled", len(cancels)),
		slog.Int("active", a.Active()))

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
