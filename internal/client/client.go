// Package client provides a WebSocket client for the relay.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/omochice/ironwire/pkg/protocol"
)

// ErrNotConnected is returned by operations that need an open connection.
var ErrNotConnected = errors.New("client: not connected to server")

// AuthError is returned by Authenticate when the server refuses the token.
type AuthError struct {
	// Msg is the error code of an Error frame, or empty when the server closed instead.
	Msg string
	// Status is the close status when the server closed the connection.
	Status websocket.StatusCode
	Reason string
}

func (e *AuthError) Error() string {
	if e.Msg != "" {
		return "client: authentication rejected: " + e.Msg
	}
	return fmt.Sprintf("client: authentication rejected: connection closed with %d %q", e.Status, e.Reason)
}

// Client is a relay client over a single WebSocket connection.
type Client struct {
	address  string
	token    string
	logger   *slog.Logger
	conn     *websocket.Conn
	messages chan protocol.ServerMessage
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	readErr  error
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client for address (e.g. ws://localhost:8080/ws) that
// authenticates as token. A Client connects once; create a new one to reconnect.
func New(address, token string, opts ...Option) *Client {
	c := &Client{
		address:  address,
		token:    token,
		logger:   slog.Default(),
		messages: make(chan protocol.ServerMessage, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the WebSocket connection and starts receiving.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.address, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveMessages(conn)

	return nil
}

// Authenticate sends the auth frame and waits for the server's answer.
// It must be called before reading Messages.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.send(ctx, protocol.ClientMessage{Type: protocol.MessageTypeAuth, Token: c.token}); err != nil {
		return err
	}

	select {
	case msg, ok := <-c.messages:
		if !ok {
			authErr := &AuthError{Status: websocket.CloseStatus(c.Err())}
			var ce websocket.CloseError
			if errors.As(c.Err(), &ce) {
				authErr.Reason = ce.Reason
			}
			return authErr
		}
		switch msg.Type {
		case protocol.MessageTypeAuthOK:
			return nil
		case protocol.MessageTypeError:
			return &AuthError{Msg: msg.Msg}
		default:
			return fmt.Errorf("client: unexpected %s frame during auth", msg.Type)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText sends a directed text message.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	return c.send(ctx, protocol.ClientMessage{Type: protocol.MessageTypeText, To: to, Text: text})
}

// Messages returns the channel of server frames. It is closed when the
// connection ends; Err then reports why.
func (c *Client) Messages() <-chan protocol.ServerMessage {
	return c.messages
}

// Err returns the error that ended the receive loop, if any.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readErr
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Disconnect closes the connection with a normal closure and waits for the
// receive loop to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		c.logger.Debug("close handshake failed", slog.Any("error", err))
	}
	cancel()
	c.wg.Wait()
}

func (c *Client) send(ctx context.Context, msg protocol.ClientMessage) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

func (c *Client) receiveMessages(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.messages)

	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.logger.Warn("error reading from server", slog.Any("error", err))
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var msg protocol.ServerMessage
		if err := msg.Decode(data); err != nil {
			c.logger.Warn("failed to decode message", slog.Any("error", err))
			continue
		}

		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}
