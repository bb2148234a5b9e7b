// Package subs multiplexes logical topic subscriptions onto the single
// transport session. Subscriptions are reference counted and replayed
// in original subscribe order after every reconnect, so no topic is
// silently lost to a drop.
package subs

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/studyhive/realtime/internal/transport"
	"github.com/studyhive/realtime/internal/wire"
)

// defaultBufferSize is the per-handle delivery channel capacity.
const defaultBufferSize = 64

// ErrRegistryClosed is returned by Subscribe after Close.
var ErrRegistryClosed = errors.New("subscription registry closed")

// Sender issues wire-level subscribe and unsubscribe frames. Satisfied
// by *transport.Session.
type Sender interface {
	WriteFrame(wire.Frame) error
}

// Config holds registry configuration.
type Config struct {
	// BufferSize is the capacity of each handle's delivery channel.
	// Events are dropped (with a log) for a handle whose channel is
	// full, so one slow consumer cannot stall the session.
	BufferSize int
}

// Registry maps topics to their shared subscriptions. A single mutex
// is the only mutation point, which keeps refcounts consistent across
// the reconnect window.
type Registry struct {
	mu     sync.Mutex
	sender Sender
	buf    int
	closed bool

	// connected mirrors the transport state as seen through
	// HandleConnState.
	connected bool

	subs map[string]*subscription

	// orderCtr assigns subscribe order, preserved across reconnect
	// replay.
	orderCtr uint64

	// seqCtr tags dispatched events with a monotonic arrival number.
	seqCtr atomic.Uint64
}

// subscription is one wire-level registration shared by every local
// consumer of the topic.
type subscription struct {
	topic    string
	order    uint64
	refCount int

	// tearingDown is set while the last unsubscribe is completing.
	// A subscribe arriving in that window clears it and reuses the
	// existing wire registration instead of issuing a duplicate.
	tearingDown bool

	handles []*Handle
}

// Handle is one local consumer's view of a subscription.
type Handle struct {
	id     string
	topic  string
	events chan wire.RawEvent

	reg       *Registry
	cancelled bool
}

// Events returns the handle's delivery channel. It is closed when the
// handle is cancelled or the registry shuts down.
func (h *Handle) Events() <-chan wire.RawEvent {
	return h.events
}

// Topic returns the subscribed topic.
func (h *Handle) Topic() string {
	return h.topic
}

// Cancel releases this handle's reference. The wire-level unsubscribe
// is only issued when the last local consumer is gone.
func (h *Handle) Cancel() {
	h.reg.unsubscribe(h)
}

// NewRegistry creates a registry issuing wire frames through sender.
func NewRegistry(sender Sender, cfg Config) *Registry {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	return &Registry{
		sender: sender,
		buf:    cfg.BufferSize,
		subs:   make(map[string]*subscription),
	}
}

// Subscribe registers interest in a topic. The first subscriber of a
// topic triggers the wire-level subscribe; if the session is not yet
// connected the intent is recorded and flushed on the next Connected
// transition.
func (r *Registry) Subscribe(topic string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	sub, ok := r.subs[topic]
	switch {
	case ok && sub.tearingDown:
		// Reuse the registration that was about to be torn down;
		// no duplicate wire subscribe.
		sub.tearingDown = false
		sub.refCount++

	case ok:
		sub.refCount++

	default:
		sub = &subscription{
			topic: topic,
			order: r.orderCtr,
		}
		r.orderCtr++
		sub.refCount = 1
		r.subs[topic] = sub

		if r.connected {
			r.wireSubscribe(sub)
		}
	}

	h := &Handle{
		id:     uuid.NewString(),
		topic:  topic,
		events: make(chan wire.RawEvent, r.buf),
		reg:    r,
	}
	sub.handles = append(sub.handles, h)

	return h, nil
}

// wireSubscribe issues the wire-level subscribe. Failures are logged
// only: a write failure means the connection is dying, and the next
// Connected transition replays every live topic anyway.
func (r *Registry) wireSubscribe(sub *subscription) {
	err := r.sender.WriteFrame(wire.NewSubscribeFrame(sub.topic))
	if err != nil {
		log.Debugf("Wire subscribe %s deferred: %v", sub.topic, err)
		return
	}

	log.Tracef("Subscribed on wire: %s", sub.topic)
}

// unsubscribe drops a handle's reference. At refcount zero the
// subscription enters teardown, completed asynchronously so that an
// immediate re-subscribe can cancel it.
func (r *Registry) unsubscribe(h *Handle) {
	r.mu.Lock()

	if h.cancelled {
		r.mu.Unlock()
		return
	}
	h.cancelled = true
	close(h.events)

	sub, ok := r.subs[h.topic]
	if !ok {
		r.mu.Unlock()
		return
	}

	for i, other := range sub.handles {
		if other.id == h.id {
			sub.handles = append(
				sub.handles[:i], sub.handles[i+1:]...,
			)
			break
		}
	}

	sub.refCount--
	if sub.refCount > 0 {
		r.mu.Unlock()
		return
	}

	sub.tearingDown = true
	r.mu.Unlock()

	go r.finishTeardown(sub)
}

// finishTeardown completes a pending teardown unless a re-subscribe
// cancelled it in the meantime. The lock is held across the map delete
// and the wire unsubscribe: a concurrent subscribe for the same topic
// must not slip its fresh wire subscribe ahead of the pending
// unsubscribe, which would leave the server unsubscribed while the
// registry holds a live reference.
func (r *Registry) finishTeardown(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !sub.tearingDown {
		// Teardown cancelled; registration stays live.
		return
	}

	delete(r.subs, sub.topic)

	if r.connected {
		err := r.sender.WriteFrame(
			wire.NewUnsubscribeFrame(sub.topic),
		)
		if err != nil {
			log.Debugf("Wire unsubscribe %s skipped: %v",
				sub.topic, err)
		}
	}
}

// HandleConnState tracks transport transitions. On every entry into
// Connected the registry re-issues wire subscribes for all live topics
// in original subscribe order before returning, so dependents notified
// after the registry observe a fully resubscribed session.
func (r *Registry) HandleConnState(_, to transport.ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if to != transport.StateConnected {
		r.connected = false
		return
	}

	r.connected = true

	live := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.refCount > 0 {
			live = append(live, sub)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].order < live[j].order
	})

	for _, sub := range live {
		r.wireSubscribe(sub)
	}

	if len(live) > 0 {
		log.Debugf("Replayed %d subscriptions", len(live))
	}
}

// Dispatch routes an inbound message frame to every handle subscribed
// to its destination. Delivery is non-blocking per handle: a full
// channel drops the event for that handle only.
func (r *Registry) Dispatch(frame wire.Frame) {
	ev := wire.RawEvent{
		Source:  wire.SourceTransport,
		Seq:     r.seqCtr.Add(1),
		Topic:   frame.Destination,
		Payload: frame.Payload,
	}

	r.mu.Lock()
	sub, ok := r.subs[frame.Destination]
	if !ok || sub.refCount == 0 {
		r.mu.Unlock()
		log.Tracef("No subscribers for %s, dropping event",
			frame.Destination)
		return
	}
	handles := make([]*Handle, len(sub.handles))
	copy(handles, sub.handles)
	r.mu.Unlock()

	for _, h := range handles {
		select {
		case h.events <- ev:
		default:
			log.Warnf("Subscriber buffer full for %s, "+
				"dropping event", frame.Destination)
		}
	}
}

// ActiveTopics returns the topics with at least one live reference, in
// subscribe order.
func (r *Registry) ActiveTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.refCount > 0 {
			live = append(live, sub)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].order < live[j].order
	})

	topics := make([]string, len(live))
	for i, sub := range live {
		topics[i] = sub.topic
	}

	return topics
}

// Close cancels every subscription without issuing wire unsubscribes;
// the session teardown closes the connection wholesale.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for _, sub := range r.subs {
		for _, h := range sub.handles {
			if !h.cancelled {
				h.cancelled = true
				close(h.events)
			}
		}
	}
	r.subs = make(map[string]*subscription)
}
