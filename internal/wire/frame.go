// Package wire defines the message envelope and payload types carried
// over the multiplexed transport connection and the notification stream.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies the purpose of a transport frame.
type FrameType string

const (
	// FrameSubscribe registers interest in a destination.
	FrameSubscribe FrameType = "subscribe"

	// FrameUnsubscribe withdraws interest in a destination.
	FrameUnsubscribe FrameType = "unsubscribe"

	// FrameSend publishes a payload to a destination.
	FrameSend FrameType = "send"

	// FrameMessage carries a server-pushed payload for a subscribed
	// destination.
	FrameMessage FrameType = "message"

	// FrameConnected is the server's acknowledgement after a
	// successful connect handshake.
	FrameConnected FrameType = "connected"

	// FrameError carries a server-side error. An auth_expired error
	// code terminates the session.
	FrameError FrameType = "error"
)

// Frame is the JSON envelope exchanged on the transport connection. All
// logical topics share one connection and are demultiplexed by
// Destination.
type Frame struct {
	Type        FrameType       `json:"type"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of a FrameError frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ErrAuthExpiredCode is the server error code signalling that the
// session credential is no longer valid.
const ErrAuthExpiredCode = "auth_expired"

// ErrMalformedFrame is returned when an inbound frame cannot be
// decoded. Malformed frames are logged and skipped, never fatal.
var ErrMalformedFrame = errors.New("malformed frame")

// ParseErrorPayload decodes the payload of a FrameError frame.
func ParseErrorPayload(data []byte, p *ErrorPayload) error {
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	return nil
}

// ParseFrame decodes a raw transport frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	return f, nil
}

// Encode serializes the frame for the wire.
func (f Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	return data, nil
}

// NewSubscribeFrame builds a subscribe frame for the destination.
func NewSubscribeFrame(destination string) Frame {
	return Frame{Type: FrameSubscribe, Destination: destination}
}

// NewUnsubscribeFrame builds an unsubscribe frame for the destination.
func NewUnsubscribeFrame(destination string) Frame {
	return Frame{Type: FrameUnsubscribe, Destination: destination}
}

// NewSendFrame builds a publish frame carrying the payload.
func NewSendFrame(destination string, payload []byte) Frame {
	return Frame{
		Type:        FrameSend,
		Destination: destination,
		Payload:     json.RawMessage(payload),
	}
}
