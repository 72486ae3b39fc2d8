// Package ws provides the WebSocket transport for the relay, built on gobwas/ws.
package ws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	gobwas "github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/omochice/ironwire/internal/chat"
)

// MaxMessageBytes bounds a single inbound message, fragments included.
const MaxMessageBytes = 1 << 20

// ErrMessageTooLarge is returned by Read after a message over MaxMessageBytes
// has been refused with a 1009 close.
var ErrMessageTooLarge = errors.New("ws: message too large")

// Conn adapts an upgraded server-side WebSocket connection to chat.Conn.
type Conn struct {
	conn       net.Conn
	reader     *wsutil.Reader
	control    bytes.Buffer
	onControl  wsutil.FrameHandlerFunc
	idle       time.Duration
	remoteAddr string

	wmu sync.Mutex
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithIdleTimeout sets a read deadline that is refreshed before every frame.
// Zero disables it.
func WithIdleTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.idle = d
	}
}

// WithRemoteAddr overrides the peer address reported by RemoteAddr.
func WithRemoteAddr(addr string) ConnOption {
	return func(c *Conn) {
		c.remoteAddr = addr
	}
}

// NewConn wraps a connection returned by gobwas.UpgradeHTTP. rw may be nil.
func NewConn(conn net.Conn, rw *bufio.ReadWriter, opts ...ConnOption) *Conn {
	c := &Conn{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
	}
	var src io.Reader = conn
	if rw != nil {
		src = rw.Reader
	}
	c.onControl = wsutil.ControlFrameHandler(&c.control, gobwas.StateServerSide)
	c.reader = &wsutil.Reader{
		Source:         src,
		State:          gobwas.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.onControl,
		MaxFrameSize:   MaxMessageBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Read implements chat.Conn. Pings are answered in place; a close frame
// from the peer is returned as a FrameClose with its status and reason.
func (c *Conn) Read(ctx context.Context) (chat.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return chat.Frame{}, err
		}
		if c.idle > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
				return chat.Frame{}, err
			}
		}

		hdr, err := c.reader.NextFrame()
		if errors.Is(err, wsutil.ErrFrameTooLarge) {
			return chat.Frame{}, c.refuseTooLarge(ctx)
		}
		if err != nil {
			return chat.Frame{}, c.readErr(ctx, err)
		}

		if hdr.OpCode.IsControl() {
			err := c.onControl(hdr, c.reader)
			if ferr := c.flushControl(); ferr != nil && err == nil {
				err = ferr
			}
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return chat.Frame{Kind: chat.FrameClose, Code: int(closed.Code), Reason: closed.Reason}, nil
			}
			if err != nil {
				return chat.Frame{}, c.readErr(ctx, err)
			}
			continue
		}

		var kind chat.FrameKind
		switch hdr.OpCode {
		case gobwas.OpText:
			kind = chat.FrameText
		case gobwas.OpBinary:
			kind = chat.FrameBinary
		default:
			if err := c.reader.Discard(); err != nil {
				return chat.Frame{}, c.readErr(ctx, err)
			}
			continue
		}

		data, err := io.ReadAll(io.LimitReader(c.reader, MaxMessageBytes+1))
		if ferr := c.flushControl(); ferr != nil && err == nil {
			err = ferr
		}
		if errors.Is(err, wsutil.ErrFrameTooLarge) || (err == nil && len(data) > MaxMessageBytes) {
			return chat.Frame{}, c.refuseTooLarge(ctx)
		}
		if err != nil {
			return chat.Frame{}, c.readErr(ctx, err)
		}
		return chat.Frame{Kind: kind, Data: data}, nil
	}
}

// refuseTooLarge closes the connection with 1009. The rest of the message is
// never read.
func (c *Conn) refuseTooLarge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.Write(ctx, chat.Frame{Kind: chat.FrameClose, Code: chat.CloseTooBig, Reason: "message too large"})
	return ErrMessageTooLarge
}

func (c *Conn) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// flushControl writes replies queued by the control frame handler.
func (c *Conn) flushControl() error {
	if c.control.Len() == 0 {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(c.control.Bytes())
	c.control.Reset()
	return err
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, f chat.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	switch f.Kind {
	case chat.FrameText:
		return wsutil.WriteServerMessage(c.conn, gobwas.OpText, f.Data)
	case chat.FrameBinary:
		return wsutil.WriteServerMessage(c.conn, gobwas.OpBinary, f.Data)
	case chat.FrameClose:
		body := gobwas.NewCloseFrameBody(gobwas.StatusCode(f.Code), f.Reason)
		return wsutil.WriteServerMessage(c.conn, gobwas.OpClose, body)
	default:
		return errors.New("ws: unsupported frame kind " + f.Kind.String())
	}
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

var _ chat.Conn = (*Conn)(nil)
