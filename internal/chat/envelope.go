package chat

// EnvelopeKind identifies what a routed envelope asks the receiving session to do.
type EnvelopeKind int

const (
	// EnvelopeText forwards Data as a text frame.
	EnvelopeText EnvelopeKind = iota
	// EnvelopeBinary forwards Data as a binary frame.
	EnvelopeBinary
	// EnvelopeClose asks the session to send a close frame and terminate.
	EnvelopeClose
)

// Envelope is the unit exchanged between sessions through delivery handles.
// It is never produced by decoding client input.
type Envelope struct {
	Kind   EnvelopeKind
	Data   []byte
	Code   int
	Reason string
}

// TextEnvelope wraps an already encoded server frame.
func TextEnvelope(data []byte) Envelope {
	return Envelope{Kind: EnvelopeText, Data: data}
}

// CloseEnvelope asks a session to close with the given status.
func CloseEnvelope(code int, reason string) Envelope {
	return Envelope{Kind: EnvelopeClose, Code: code, Reason: reason}
}

// frame converts the envelope into the transport frame it produces.
func (e Envelope) frame() Frame {
	switch e.Kind {
	case EnvelopeBinary:
		return Frame{Kind: FrameBinary, Data: e.Data}
	case EnvelopeClose:
		return Frame{Kind: FrameClose, Code: e.Code, Reason: e.Reason}
	default:
		return Frame{Kind: FrameText, Data: e.Data}
	}
}
