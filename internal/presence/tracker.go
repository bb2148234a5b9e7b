// Package presence tracks live participant counts per channel. The
// server is the single source of truth for counts; this package only
// announces joins and leaves and relays the broadcast counts to local
// observers.
package presence

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/studyhive/realtime/internal/subs"
	"github.com/studyhive/realtime/internal/transport"
	"github.com/studyhive/realtime/internal/wire"
)

// defaultObserverBuffer is the per-observer count channel capacity.
// Counts are coalescable, so a small buffer is enough.
const defaultObserverBuffer = 8

// ErrTrackerClosed is returned after Close.
var ErrTrackerClosed = errors.New("presence tracker closed")

// emptyBody is the payload for enter and exit announcements; the
// channel is carried in the destination path.
var emptyBody = []byte("{}")

// Publisher sends presence announcements. Satisfied by
// *transport.Session.
type Publisher interface {
	Publish(destination string,
		payload []byte) (transport.PublishResult, error)
}

// Subscriber provides topic subscriptions. Satisfied by
// *subs.Registry.
type Subscriber interface {
	Subscribe(topic string) (*subs.Handle, error)
}

// Observation is one observer's view of a channel's live count.
type Observation struct {
	// C delivers count updates. The most recent known count is
	// delivered immediately on observe, so late observers do not
	// wait for the next broadcast.
	C <-chan int

	cancel func()
}

// Cancel stops the observation. The shared wire subscription is
// released when the last observer of the channel cancels.
func (o *Observation) Cancel() {
	o.cancel()
}

// channelState is the tracker's per-channel bookkeeping.
type channelState struct {
	// joinCount is the number of local joins. The enter announcement
	// is published on the 0 to 1 edge only, exit on 1 to 0, so the
	// server sees each client at most once per channel.
	joinCount int

	// last caches the most recent broadcast count for replay to
	// late observers.
	last fn.Option[int]

	handle    *subs.Handle
	observers map[string]chan int
}

// Tracker manages presence for all channels the client touches.
type Tracker struct {
	mu     sync.Mutex
	pub    Publisher
	subscr Subscriber
	closed bool

	channels map[string]*channelState
}

// NewTracker creates a tracker announcing through pub and observing
// through subscr.
func NewTracker(pub Publisher, subscr Subscriber) *Tracker {
	return &Tracker{
		pub:      pub,
		subscr:   subscr,
		channels: make(map[string]*channelState),
	}
}

// Join records a local join for a channel. Only the first join
// publishes the enter announcement; further joins just bump the count.
func (t *Tracker) Join(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTrackerClosed
	}

	cs := t.channelLocked(channel)
	cs.joinCount++
	if cs.joinCount > 1 {
		return nil
	}

	_, err := t.pub.Publish(wire.PresenceEnterDest(channel), emptyBody)
	if err != nil {
		cs.joinCount--
		return err
	}

	log.Debugf("Entered presence channel %s", channel)

	return nil
}

// Leave records a local leave. Only the last leave publishes the exit
// announcement; leaving a channel never joined is a no-op.
func (t *Tracker) Leave(channel string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTrackerClosed
	}

	cs, ok := t.channels[channel]
	if !ok || cs.joinCount == 0 {
		return nil
	}

	cs.joinCount--
	if cs.joinCount > 0 {
		return nil
	}

	_, err := t.pub.Publish(wire.PresenceExitDest(channel), emptyBody)
	if err != nil {
		cs.joinCount++
		return err
	}

	log.Debugf("Exited presence channel %s", channel)

	return nil
}

// Observe starts watching a channel's live count. All observers of a
// channel share one wire subscription; the most recent known count is
// delivered to the new observer immediately.
func (t *Tracker) Observe(channel string) (*Observation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackerClosed
	}

	cs := t.channelLocked(channel)
	if cs.handle == nil {
		handle, err := t.subscr.Subscribe(
			wire.PresenceTopic(channel),
		)
		if err != nil {
			return nil, err
		}
		cs.handle = handle

		go t.pump(channel, handle)
	}

	id := uuid.NewString()
	ch := make(chan int, defaultObserverBuffer)
	cs.observers[id] = ch

	// Replay the cached count so the observer has a value before
	// the next broadcast.
	cs.last.WhenSome(func(count int) {
		ch <- count
	})

	return &Observation{
		C:      ch,
		cancel: func() { t.dropObserver(channel, id) },
	}, nil
}

// pump decodes presence broadcasts for one channel and fans them out
// to its observers. Runs until the handle's channel closes.
func (t *Tracker) pump(channel string, handle *subs.Handle) {
	for ev := range handle.Events() {
		pc, err := wire.DecodePresenceCount(ev.Payload)
		if err != nil {
			log.Warnf("Skipping malformed presence event on "+
				"%s: %v", channel, err)
			continue
		}

		t.mu.Lock()
		cs, ok := t.channels[channel]
		if !ok {
			t.mu.Unlock()
			return
		}
		cs.last = fn.Some(pc.Count)
		for _, ch := range cs.observers {
			select {
			case ch <- pc.Count:
			default:
				// Stale counts are worthless; drop for
				// the slow observer only.
			}
		}
		t.mu.Unlock()
	}
}

// dropObserver removes one observer and releases the shared
// subscription when it was the last.
func (t *Tracker) dropObserver(channel, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, ok := t.channels[channel]
	if !ok {
		return
	}

	ch, ok := cs.observers[id]
	if !ok {
		return
	}
	delete(cs.observers, id)
	close(ch)

	if len(cs.observers) == 0 && cs.handle != nil {
		cs.handle.Cancel()
		cs.handle = nil
		cs.last = fn.None[int]()
	}
}

// channelLocked returns the channel state, creating it if needed. The
// caller holds the mutex.
func (t *Tracker) channelLocked(channel string) *channelState {
	cs, ok := t.channels[channel]
	if !ok {
		cs = &channelState{
			observers: make(map[string]chan int),
		}
		t.channels[channel] = cs
	}

	return cs
}

// Counts returns the cached live count per observed channel.
func (t *Tracker) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[string]int)
	for channel, cs := range t.channels {
		cs.last.WhenSome(func(count int) {
			counts[channel] = count
		})
	}

	return counts
}

// Close cancels every observation and subscription. Exit announcements
// are not published; session teardown covers the wire side.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true

	for _, cs := range t.channels {
		for id, ch := range cs.observers {
			delete(cs.observers, id)
			close(ch)
		}
		if cs.handle != nil {
			cs.handle.Cancel()
			cs.handle = nil
		}
	}
	t.channels = make(map[string]*channelState)
}
