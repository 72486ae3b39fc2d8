// Package chat provides the relay core shared by all transports: the session state machine,
// the identity directory and the delivery handles that connect them.
package chat

import "context"

// FrameKind identifies the kind of a transport frame.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FrameClose
)

// String returns a short name for the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Close status codes carried by close frames.
const (
	CloseNormal       = 1000
	CloseGoingAway    = 1001
	CloseInvalid      = 1007
	ClosePolicy       = 1008
	CloseTooBig       = 1009
	CloseInternalFail = 1011
)

// Frame is a single message unit of a duplex channel.
// Code and Reason are only meaningful for FrameClose.
type Frame struct {
	Kind   FrameKind
	Data   []byte
	Code   int
	Reason string
}

// Conn abstracts an upgraded duplex channel for both TCP and WebSocket.
// This interface isolates transport details from chat logic.
// Ping and pong frames are answered by the transport and never surface here.
type Conn interface {
	// Read reads the next data or close frame.
	// Returns io.EOF when connection is closed without a close frame.
	Read(ctx context.Context) (Frame, error)

	// Write sends a single frame. Writing a FrameClose sends the close frame
	// but does not release the connection; call Close for that.
	Write(ctx context.Context, f Frame) error

	// Close closes the connection. Safe to call more than once.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
