// Package protocol defines the JSON frames exchanged between relay clients and the server.
//
// Every frame is an object of the form {"type": <string>, "payload": <object>}.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownType is returned when a frame carries a type outside the protocol.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMissingPayload is returned when the payload is absent or not an object.
	ErrMissingPayload = errors.New("missing payload")
	// ErrMissingField is returned when a required payload field is absent.
	ErrMissingField = errors.New("missing field")
)

// MessageType is the discriminator carried in the "type" field.
type MessageType string

const (
	MessageTypeAuth   MessageType = "auth"
	MessageTypeText   MessageType = "text"
	MessageTypeAuthOK MessageType = "auth_ok"
	MessageTypeError  MessageType = "error"
)

// String returns the wire name of the type.
func (mt MessageType) String() string {
	return string(mt)
}

// Error codes sent in the "msg" field of error frames.
const (
	ErrCodeAuthRequired         = "auth_required"
	ErrCodeUserOffline          = "user_offline"
	ErrCodeInvalidMessage       = "invalid_message"
	ErrCodeAlreadyAuthenticated = "already_authenticated"
)

type frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ClientMessage is a frame sent by a client.
// Token is set for MessageTypeAuth, To and Text for MessageTypeText.
type ClientMessage struct {
	Type  MessageType
	Token string
	To    string
	Text  string
}

type authPayload struct {
	Token *string `json:"token"`
}

type clientTextPayload struct {
	To   *string `json:"to"`
	Text *string `json:"text"`
}

// Encode encodes the message into a JSON frame.
func (m ClientMessage) Encode() ([]byte, error) {
	var payload any
	switch m.Type {
	case MessageTypeAuth:
		payload = authPayload{Token: &m.Token}
	case MessageTypeText:
		payload = clientTextPayload{To: &m.To, Text: &m.Text}
	default:
		return nil, fmt.Errorf("failed to encode message: %w: %q", ErrUnknownType, m.Type)
	}
	return encodeFrame(m.Type, payload)
}

// Decode decodes a JSON frame into the message.
// Anything that is not exactly one of the client frame shapes is an error.
func (m *ClientMessage) Decode(data []byte) error {
	f, err := decodeFrame(data)
	if err != nil {
		return err
	}

	switch f.Type {
	case MessageTypeAuth:
		var p authPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		if p.Token == nil {
			return fmt.Errorf("failed to decode message: %w: token", ErrMissingField)
		}
		*m = ClientMessage{Type: f.Type, Token: *p.Token}
	case MessageTypeText:
		var p clientTextPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		if p.To == nil {
			return fmt.Errorf("failed to decode message: %w: to", ErrMissingField)
		}
		if p.Text == nil {
			return fmt.Errorf("failed to decode message: %w: text", ErrMissingField)
		}
		*m = ClientMessage{Type: f.Type, To: *p.To, Text: *p.Text}
	default:
		return fmt.Errorf("failed to decode message: %w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

// ServerMessage is a frame sent by the server.
type ServerMessage struct {
	Type MessageType
	// Msg and User are set on error frames. User names the peer the error is about.
	Msg  string
	User string
	// From and Text are set on text frames.
	From string
	Text string
}

// AuthOK acknowledges a successful authentication.
func AuthOK() ServerMessage {
	return ServerMessage{Type: MessageTypeAuthOK}
}

// ErrorMessage builds an error frame with the given code.
func ErrorMessage(msg string) ServerMessage {
	return ServerMessage{Type: MessageTypeError, Msg: msg}
}

// UserOffline reports that user has no live session.
func UserOffline(user string) ServerMessage {
	return ServerMessage{Type: MessageTypeError, Msg: ErrCodeUserOffline, User: user}
}

// TextFrom builds a routed text frame.
func TextFrom(from, text string) ServerMessage {
	return ServerMessage{Type: MessageTypeText, From: from, Text: text}
}

type errorPayload struct {
	Msg  string `json:"msg"`
	User string `json:"user,omitempty"`
}

// offlinePayload always carries user, even when it is empty.
type offlinePayload struct {
	Msg  string `json:"msg"`
	User string `json:"user"`
}

type serverTextPayload struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// Encode encodes the message into a JSON frame.
func (m ServerMessage) Encode() ([]byte, error) {
	var payload any
	switch m.Type {
	case MessageTypeAuthOK:
		payload = struct{}{}
	case MessageTypeError:
		if m.Msg == ErrCodeUserOffline {
			payload = offlinePayload{Msg: m.Msg, User: m.User}
		} else {
			payload = errorPayload{Msg: m.Msg, User: m.User}
		}
	case MessageTypeText:
		payload = serverTextPayload{From: m.From, Text: m.Text}
	default:
		return nil, fmt.Errorf("failed to encode message: %w: %q", ErrUnknownType, m.Type)
	}
	return encodeFrame(m.Type, payload)
}

// Decode decodes a JSON frame into the message.
func (m *ServerMessage) Decode(data []byte) error {
	f, err := decodeFrame(data)
	if err != nil {
		return err
	}

	switch f.Type {
	case MessageTypeAuthOK:
		*m = ServerMessage{Type: f.Type}
	case MessageTypeError:
		var p errorPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		*m = ServerMessage{Type: f.Type, Msg: p.Msg, User: p.User}
	case MessageTypeText:
		var p serverTextPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		*m = ServerMessage{Type: f.Type, From: p.From, Text: p.Text}
	default:
		return fmt.Errorf("failed to decode message: %w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

func encodeFrame(t MessageType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	data, err := json.Marshal(frame{Type: t, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("failed to decode message: %w", err)
	}
	payload := bytes.TrimSpace(f.Payload)
	if len(payload) == 0 || payload[0] != '{' {
		return frame{}, fmt.Errorf("failed to decode message: %w", ErrMissingPayload)
	}
	return f, nil
}
