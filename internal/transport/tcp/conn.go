// Package tcp provides a raw TCP transport for the relay. Each
// newline-terminated line is one text frame.
package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/ironwire/internal/chat"
)

// MaxLineBytes bounds a single inbound line.
const MaxLineBytes = 1 << 20

// ErrUnsupportedFrame is returned when writing a frame that has no line form.
var ErrUnsupportedFrame = errors.New("tcp: unsupported frame kind")

// Conn adapts net.Conn to chat.Conn.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner
	idle    time.Duration

	wmu sync.Mutex
}

// NewConn wraps a net.Conn. idle is refreshed as a read deadline before every
// line; zero disables it.
func NewConn(conn net.Conn, idle time.Duration) *Conn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineBytes)
	return &Conn{
		conn:    conn,
		scanner: scanner,
		idle:    idle,
	}
}

// Read implements chat.Conn. Blank lines are skipped and EOF is reported as io.EOF.
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

		if !c.scanner.Scan() {
			err := c.scanner.Err()
			if ctx.Err() != nil {
				return chat.Frame{}, ctx.Err()
			}
			if err == nil {
				return chat.Frame{}, io.EOF
			}
			return chat.Frame{}, err
		}

		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return chat.Frame{Kind: chat.FrameText, Data: append([]byte(nil), line...)}, nil
	}
}

// Write implements chat.Conn. Close frames are dropped; the caller closes
// the connection right after sending one.
func (c *Conn) Write(ctx context.Context, f chat.Frame) error {
	switch f.Kind {
	case chat.FrameClose:
		return nil
	case chat.FrameText:
	default:
		return ErrUnsupportedFrame
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer c.conn.SetWriteDeadline(time.Time{})
	}

	buf := make([]byte, 0, len(f.Data)+1)
	buf = append(buf, f.Data...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

var _ chat.Conn = (*Conn)(nil)
