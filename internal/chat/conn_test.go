package chat_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/omochice/ironwire/internal/chat"
	"github.com/omochice/ironwire/pkg/protocol"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	readCh     chan chat.Frame
	readErr    error
	writtenMu  sync.Mutex
	written    []chat.Frame
	writtenCh  chan chat.Frame
	writeErr   error
	closeOnce  sync.Once
	closed     chan struct{}
	remoteAddr string
}

func newMockConn(addr string) *mockConn {
	return &mockConn{
		readCh:     make(chan chat.Frame, 10),
		writtenCh:  make(chan chat.Frame, 64),
		closed:     make(chan struct{}),
		remoteAddr: addr,
	}
}

func (m *mockConn) Read(ctx context.Context) (chat.Frame, error) {
	if m.readErr != nil {
		return chat.Frame{}, m.readErr
	}
	select {
	case <-ctx.Done():
		return chat.Frame{}, ctx.Err()
	case <-m.closed:
		return chat.Frame{}, net.ErrClosed
	case f, ok := <-m.readCh:
		if !ok {
			return chat.Frame{}, io.EOF
		}
		return f, nil
	}
}

func (m *mockConn) Write(ctx context.Context, f chat.Frame) error {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	copied := f
	copied.Data = append([]byte(nil), f.Data...)
	m.written = append(m.written, copied)
	select {
	case m.writtenCh <- copied:
	default:
	}
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) GetWritten() []chat.Frame {
	m.writtenMu.Lock()
	defer m.writtenMu.Unlock()
	return append([]chat.Frame(nil), m.written...)
}

func (m *mockConn) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// sendText queues a client text frame.
func (m *mockConn) sendText(s string) {
	m.readCh <- chat.Frame{Kind: chat.FrameText, Data: []byte(s)}
}

// expectFrame waits for the next written frame.
func (m *mockConn) expectFrame(t *testing.T) chat.Frame {
	t.Helper()
	select {
	case f := <-m.writtenCh:
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for written frame")
		return chat.Frame{}
	}
}

// expectServerMessage waits for the next text frame and decodes it.
func (m *mockConn) expectServerMessage(t *testing.T) protocol.ServerMessage {
	t.Helper()
	f := m.expectFrame(t)
	if f.Kind != chat.FrameText {
		t.Fatalf("expected text frame, got %v", f.Kind)
	}
	var msg protocol.ServerMessage
	if err := msg.Decode(f.Data); err != nil {
		t.Fatalf("failed to decode server frame %q: %v", f.Data, err)
	}
	return msg
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)

func TestFrameKind_String(t *testing.T) {
	tests := []struct {
		kind chat.FrameKind
		want string
	}{
		{chat.FrameText, "text"},
		{chat.FrameBinary, "binary"},
		{chat.FrameClose, "close"},
		{chat.FrameKind(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("FrameKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
