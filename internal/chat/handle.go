package chat

import "sync"

// Handle is the delivery queue of one session.
//
// Any number of goroutines may Send; only the owning session consumes.
// The queue is unbounded and FIFO. After Close, Send reports false and
// queued envelopes are discarded.
type Handle struct {
	mu     sync.Mutex
	queue  []Envelope
	closed bool
	ready  chan struct{}
}

// NewHandle creates an empty, open handle.
func NewHandle() *Handle {
	return &Handle{ready: make(chan struct{}, 1)}
}

// Send enqueues env. It never blocks and returns false if the owning session is gone.
func (h *Handle) Send(env Envelope) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.queue = append(h.queue, env)
	h.signal()
	return true
}

// Ready returns a channel that receives a value while envelopes are waiting.
func (h *Handle) Ready() <-chan struct{} {
	return h.ready
}

// Pop removes the oldest envelope. If more remain, Ready fires again.
func (h *Handle) Pop() (Envelope, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queue) == 0 {
		return Envelope{}, false
	}
	env := h.queue[0]
	h.queue[0] = Envelope{}
	h.queue = h.queue[1:]
	if len(h.queue) > 0 {
		h.signal()
	} else {
		h.queue = nil
	}
	return env, true
}

// Len returns the number of queued envelopes.
func (h *Handle) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Close makes the handle inert. Safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.queue = nil
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// signal must be called with mu held.
func (h *Handle) signal() {
	select {
	case h.ready <- struct{}{}:
	default:
	}
}
