// Package notify receives server-push notifications on a dedicated
// stream, merges them with transport-delivered events and periodic
// REST snapshots, and maintains the grouped, deduplicated notification
// model with its unread counts.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	backoffv1 "gopkg.in/cenkalti/backoff.v1"

	"github.com/studyhive/realtime/internal/auth"
	"github.com/studyhive/realtime/internal/wire"
)

const (
	// defaultStreamReconnectDelay is the fixed delay between stream
	// reconnect attempts.
	defaultStreamReconnectDelay = 5 * time.Second

	// defaultStreamBuffer is the capacity of the outbound event
	// channel.
	defaultStreamBuffer = 64
)

// StreamConfig holds notification stream configuration.
type StreamConfig struct {
	// URL is the server-push endpoint.
	URL string

	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration

	// BufferSize is the capacity of the notification channel handed to
	// the aggregator.
	BufferSize int
}

// Stream is the server-push notification adapter. It is independent of
// the transport session: it authenticates with the same token but
// reconnects on its own schedule.
type Stream struct {
	cfg    StreamConfig
	client *sse.Client
	out    chan wire.Notification

	// seq tags events with a per-adapter arrival number. Only the
	// stream goroutine touches it.
	seq uint64

	ctx    context.Context
	cancel context.CancelFunc

	openOnce sync.Once
	done     chan struct{}
}

// NewStream creates a notification stream adapter authenticated by
// cred. Call Open to start receiving.
func NewStream(cfg StreamConfig, cred auth.Credential) *Stream {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultStreamReconnectDelay
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultStreamBuffer
	}

	client := sse.NewClient(cfg.URL)
	client.Headers["Authorization"] = "Bearer " + cred.Token()

	// Fixed-delay reconnect; abandoned as soon as the stream context
	// is cancelled on logout.
	client.ReconnectStrategy = backoffv1.NewConstantBackOff(
		cfg.ReconnectDelay,
	)

	return &Stream{
		cfg:    cfg,
		client: client,
		out:    make(chan wire.Notification, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// Open starts the stream and returns the decoded notification channel.
// The channel is closed when the stream shuts down.
func (s *Stream) Open(ctx context.Context) <-chan wire.Notification {
	s.openOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		go s.run()
	})

	return s.out
}

// run drives the SSE subscription until cancellation. Reconnects are
// handled inside the client per the fixed-delay strategy.
func (s *Stream) run() {
	defer close(s.done)
	defer close(s.out)

	err := s.client.SubscribeRawWithContext(s.ctx, s.handleEvent)
	if err != nil && s.ctx.Err() == nil {
		log.Errorf("Notification stream terminated: %v", err)
		return
	}

	log.Debugf("Notification stream closed")
}

// handleEvent decodes one stream event and forwards it. Parse errors
// are logged and the event skipped; they never break the stream.
func (s *Stream) handleEvent(msg *sse.Event) {
	// Keepalive comments and empty events carry no data.
	if len(msg.Data) == 0 {
		return
	}

	n, err := wire.DecodeNotification(msg.Data)
	if err != nil {
		log.Warnf("Skipping malformed stream event: %v", err)
		return
	}

	s.seq++
	log.Tracef("%s event %d: notification %d", wire.SourceStream,
		s.seq, n.ID)

	select {
	case s.out <- n:
	case <-s.ctx.Done():
	}
}

// Close stops the stream and any in-flight reconnect attempt.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}
