// Package pubqueue buffers outbound publishes while the transport
// connection is down and flushes them in enqueue order on reconnect.
package pubqueue

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is a queued outbound publish awaiting delivery.
type Message struct {
	// ID is a unique idempotency key assigned at enqueue time.
	ID string

	// Destination is the publish destination path.
	Destination string

	// Payload is the encoded message body.
	Payload []byte

	// EnqueuedAt records when the message entered the queue.
	EnqueuedAt time.Time
}

// DropFn is invoked whenever a message is discarded without delivery,
// either by overflow or by Clear. Dropped messages never fail silently.
type DropFn func(Message)

// Config holds configuration for the outbound queue.
type Config struct {
	// Capacity is the maximum number of buffered messages. When full,
	// the oldest entry is dropped to make room.
	Capacity int

	// OnDrop is called for every discarded message. May be nil.
	OnDrop DropFn
}

// DefaultConfig returns sensible defaults for the outbound queue.
func DefaultConfig() Config {
	return Config{Capacity: 100}
}

// ErrCancelled is returned by Cancel when the message is no longer
// queued.
var ErrCancelled = errors.New("message not in queue")

// Queue is a bounded FIFO of outbound publishes. All methods are safe
// for concurrent use.
type Queue struct {
	mu  sync.Mutex
	cfg Config
	buf []Message
}

// New creates an outbound queue. A zero or negative capacity falls
// back to the default.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}

	return &Queue{cfg: cfg}
}

// Enqueue buffers a publish for later delivery and returns its
// idempotency key. If the queue is full the oldest entry is dropped
// and reported through OnDrop.
func (q *Queue) Enqueue(destination string, payload []byte) Message {
	msg := Message{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Destination: destination,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
	}

	var dropped *Message

	q.mu.Lock()
	if len(q.buf) >= q.cfg.Capacity {
		d := q.buf[0]
		dropped = &d
		q.buf = append(q.buf[:0], q.buf[1:]...)
	}
	q.buf = append(q.buf, msg)
	onDrop := q.cfg.OnDrop
	q.mu.Unlock()

	if dropped != nil {
		log.Warnf("Outbound queue full, dropping oldest message "+
			"(dest=%s, id=%s)", dropped.Destination, dropped.ID)
		if onDrop != nil {
			onDrop(*dropped)
		}
	}

	return msg
}

// Cancel removes a queued message by its idempotency key.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.buf {
		if m.ID == id {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			return nil
		}
	}

	return ErrCancelled
}

// Len returns the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.buf)
}

// Flush delivers buffered messages in enqueue order through send. A
// delivery failure halts the flush so ordering is preserved; the
// failed entry stays at the head and is retried on the next flush.
func (q *Queue) Flush(send func(Message) error) error {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.buf[0]
		q.mu.Unlock()

		if err := send(head); err != nil {
			return err
		}

		// Only remove after a confirmed send. The entry may have
		// been cancelled mid-flight, so match by ID.
		q.mu.Lock()
		if len(q.buf) > 0 && q.buf[0].ID == head.ID {
			q.buf = append(q.buf[:0], q.buf[1:]...)
		}
		q.mu.Unlock()
	}
}

// Clear discards every buffered message, reporting each through
// OnDrop. Used on logout teardown.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := q.buf
	q.buf = nil
	onDrop := q.cfg.OnDrop
	q.mu.Unlock()

	for _, m := range dropped {
		if onDrop != nil {
			onDrop(m)
		}
	}
}
