package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventSource tags which channel delivered a RawEvent.
type EventSource string

const (
	// SourceTransport marks events received on the multiplexed
	// transport connection.
	SourceTransport EventSource = "transport"

	// SourceStream marks events received on the server-push
	// notification stream.
	SourceStream EventSource = "stream"
)

// RawEvent is a message as received from either channel. Seq is a
// monotonic arrival number assigned per source and is only meaningful
// for tie-breaking within that source, never across sources.
type RawEvent struct {
	Source  EventSource
	Seq     uint64
	Topic   string
	Payload []byte
}

// ChatMessage is the payload published to and received from chat and
// DM room destinations.
type ChatMessage struct {
	RoomID     int64     `json:"roomId"`
	SenderID   int64     `json:"senderId"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DecodeChatMessage decodes a chat message payload.
func DecodeChatMessage(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	return m, nil
}

// PresenceCount is the payload broadcast on presence topics. The server
// is the sole authority for Count.
type PresenceCount struct {
	Channel string `json:"channel"`
	Count   int    `json:"count"`
}

// DecodePresenceCount decodes a presence count payload.
func DecodePresenceCount(data []byte) (PresenceCount, error) {
	var p PresenceCount
	if err := json.Unmarshal(data, &p); err != nil {
		return PresenceCount{}, fmt.Errorf(
			"%w: %v", ErrMalformedEvent, err,
		)
	}
	if p.Count < 0 {
		return PresenceCount{}, fmt.Errorf(
			"%w: negative count %d", ErrMalformedEvent, p.Count,
		)
	}

	return p, nil
}

// ErrMalformedEvent is returned when an event payload cannot be
// decoded. Such events are logged and skipped by consumers.
var ErrMalformedEvent = errors.New("malformed event")
