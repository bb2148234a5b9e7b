// Package realtime assembles the transport session, subscription
// registry, outbound queue, notification stream, aggregator, and
// presence tracker into one client with a single login lifecycle.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/studyhive/realtime/internal/apiclient"
	"github.com/studyhive/realtime/internal/auth"
	"github.com/studyhive/realtime/internal/notify"
	"github.com/studyhive/realtime/internal/presence"
	"github.com/studyhive/realtime/internal/pubqueue"
	"github.com/studyhive/realtime/internal/subs"
	"github.com/studyhive/realtime/internal/transport"
	"github.com/studyhive/realtime/internal/wire"
)

const (
	// defaultSnapshotInterval is how often the notification model is
	// reconciled against the REST snapshot.
	defaultSnapshotInterval = time.Minute

	// stateUpdateBuffer is the capacity of the state update channel.
	// Consumers that fall behind lose intermediate transitions, never
	// the latest.
	stateUpdateBuffer = 16
)

var (
	// ErrNotLoggedIn is returned by operations requiring an active
	// login.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrAlreadyLoggedIn is returned by Login while a session is
	// active.
	ErrAlreadyLoggedIn = errors.New("already logged in")
)

// StateChange is one connection state transition as observed by the
// facade's consumers.
type StateChange struct {
	From transport.ConnState
	To   transport.ConnState
}

// Config holds client configuration. Only the three endpoint URLs are
// required; everything else has production defaults.
type Config struct {
	// TransportURL is the websocket endpoint.
	TransportURL string

	// StreamURL is the server-push notification endpoint.
	StreamURL string

	// APIURL is the REST API root.
	APIURL string

	// Transport overrides session tuning. URL, OnFrame and Queue are
	// owned by the client and ignored here.
	Transport transport.Config

	// QueueCapacity bounds the outbound queue. Zero uses the queue's
	// default.
	QueueCapacity int

	// OnDrop is invoked for every outbound message dropped from the
	// queue, including the discard on logout.
	OnDrop pubqueue.DropFn

	// SnapshotInterval is the period of REST reconciliation for the
	// notification model. Zero uses the default.
	SnapshotInterval time.Duration
}

// bundle is everything owned by one login. A fresh login builds a
// fresh bundle; logout tears the whole thing down atomically.
type bundle struct {
	cred     auth.Credential
	queue    *pubqueue.Queue
	session  *transport.Session
	registry *subs.Registry
	api      *apiclient.Client
	agg      *notify.Aggregator
	stream   *notify.Stream
	tracker  *presence.Tracker

	dmHandle *subs.Handle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// refreshCh requests an immediate REST reconciliation, used on
	// every reconnect.
	refreshCh chan struct{}

	states chan StateChange
}

// Client is the realtime layer facade. All methods are safe for
// concurrent use.
type Client struct {
	cfg Config

	mu  sync.Mutex
	cur *bundle
}

// New creates a client. Call Login to open the session.
func New(cfg Config) (*Client, error) {
	if cfg.TransportURL == "" {
		return nil, fmt.Errorf("TransportURL is required")
	}
	if cfg.StreamURL == "" {
		return nil, fmt.Errorf("StreamURL is required")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("APIURL is required")
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}

	return &Client{cfg: cfg}, nil
}

// Login authenticates every channel with the token and connects.
// Blocks until the transport is Connected or the attempt is terminal.
func (c *Client) Login(ctx context.Context, token string) error {
	cred, err := auth.NewCredential(token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur != nil {
		return ErrAlreadyLoggedIn
	}

	b, err := c.buildBundle(cred)
	if err != nil {
		return err
	}

	if err := b.session.Connect(ctx, cred); err != nil {
		b.cancel()
		return fmt.Errorf("connect transport: %w", err)
	}

	c.startBundle(b)
	c.cur = b

	return nil
}

// buildBundle wires a fresh component set for one login. Nothing is
// started yet.
func (c *Client) buildBundle(cred auth.Credential) (*bundle, error) {
	b := &bundle{
		cred:      cred,
		refreshCh: make(chan struct{}, 1),
		states:    make(chan StateChange, stateUpdateBuffer),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.queue = pubqueue.New(pubqueue.Config{
		Capacity: c.cfg.QueueCapacity,
		OnDrop:   c.cfg.OnDrop,
	})

	tcfg := c.cfg.Transport
	tcfg.URL = c.cfg.TransportURL
	tcfg.Queue = b.queue
	tcfg.OnFrame = func(f wire.Frame) {
		// The registry pointer is set below, before Connect can
		// deliver any frame.
		b.registry.Dispatch(f)
	}
	b.session = transport.NewSession(tcfg)

	b.registry = subs.NewRegistry(b.session, subs.Config{})

	api, err := apiclient.NewClient(apiclient.Config{
		BaseURL: c.cfg.APIURL,
	}, cred)
	if err != nil {
		b.cancel()
		return nil, err
	}
	b.api = api
	b.agg = notify.NewAggregator(api)
	b.stream = notify.NewStream(notify.StreamConfig{
		URL: c.cfg.StreamURL,
	}, cred)
	b.tracker = presence.NewTracker(b.session, b.registry)

	// Listener order matters: the registry replays subscriptions on
	// Connected before the queue flush runs, so queued publishes
	// never race ahead of resubscription.
	b.session.OnStateChange(b.registry.HandleConnState)
	b.session.OnStateChange(func(_, to transport.ConnState) {
		if to != transport.StateConnected {
			return
		}

		err := b.queue.Flush(func(m pubqueue.Message) error {
			return b.session.WriteFrame(
				wire.NewSendFrame(m.Destination, m.Payload),
			)
		})
		if err != nil {
			log.Debugf("Queue flush interrupted, %d left: %v",
				b.queue.Len(), err)
		}

		// Reconcile notifications missed while offline.
		select {
		case b.refreshCh <- struct{}{}:
		default:
		}
	})
	b.session.OnStateChange(func(from, to transport.ConnState) {
		select {
		case b.states <- StateChange{From: from, To: to}:
		default:
		}
	})

	return b, nil
}

// startBundle spawns the bundle's long-lived goroutines. Called after
// the transport connected.
func (c *Client) startBundle(b *bundle) {
	// Stream notifications arrive already decoded and feed the
	// aggregator directly.
	notifications := b.stream.Open(b.ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.agg.RunStream(b.ctx, notifications)
	}()

	// DM notifications also arrive on the user's transport topic when
	// the token carries a numeric subject.
	b.cred.UserID().WhenSome(func(userID int64) {
		handle, err := b.registry.Subscribe(wire.DMUserTopic(userID))
		if err != nil {
			log.Warnf("DM topic subscribe failed: %v", err)
			return
		}
		b.dmHandle = handle

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.agg.Run(b.ctx, handle.Events())
		}()
	})

	// Periodic and reconnect-triggered REST reconciliation.
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(c.cfg.SnapshotInterval)
		defer ticker.Stop()

		refresh := func() {
			ctx, cancel := context.WithTimeout(
				b.ctx, c.cfg.SnapshotInterval,
			)
			defer cancel()

			if err := b.agg.Refresh(ctx); err != nil {
				log.Warnf("Notification refresh failed: %v",
					err)
			}
		}
		refresh()

		for {
			select {
			case <-b.ctx.Done():
				return
			case <-ticker.C:
				refresh()
			case <-b.refreshCh:
				refresh()
			}
		}
	}()
}

// Logout tears everything down and discards pending outbound messages.
// The teardown supersedes any in-flight reconnect. Idempotent.
func (c *Client) Logout() {
	c.mu.Lock()
	b := c.cur
	c.cur = nil
	c.mu.Unlock()

	if b == nil {
		return
	}

	b.cancel()
	b.stream.Close()
	b.session.Disconnect()
	b.tracker.Close()
	b.registry.Close()
	b.queue.Clear()
	b.wg.Wait()
	close(b.states)

	log.Infof("Logged out")
}

// current returns the active bundle.
func (c *Client) current() (*bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cur == nil {
		return nil, ErrNotLoggedIn
	}

	return c.cur, nil
}

// State returns the current transport connection state.
func (c *Client) State() transport.ConnState {
	b, err := c.current()
	if err != nil {
		return transport.StateDisconnected
	}

	return b.session.State()
}

// StateUpdates returns the transition channel for the active login. It
// is closed on logout.
func (c *Client) StateUpdates() (<-chan StateChange, error) {
	b, err := c.current()
	if err != nil {
		return nil, err
	}

	return b.states, nil
}

// SubscribeChatRoom subscribes to a chat room's message topic.
func (c *Client) SubscribeChatRoom(roomID int64) (*subs.Handle, error) {
	b, err := c.current()
	if err != nil {
		return nil, err
	}

	return b.registry.Subscribe(wire.ChatRoomTopic(roomID))
}

// SubscribeDMRoom subscribes to a single direct-message room.
func (c *Client) SubscribeDMRoom(roomID int64) (*subs.Handle, error) {
	b, err := c.current()
	if err != nil {
		return nil, err
	}

	return b.registry.Subscribe(wire.DMRoomTopic(roomID))
}

// SendChatMessage publishes a chat message to a room. While the
// transport is down the message is queued, never dropped silently.
func (c *Client) SendChatMessage(roomID int64,
	msg wire.ChatMessage) (transport.PublishResult, error) {

	b, err := c.current()
	if err != nil {
		return transport.PublishRejected, err
	}

	msg.RoomID = roomID
	payload, err := json.Marshal(msg)
	if err != nil {
		return transport.PublishRejected, fmt.Errorf(
			"encode chat message: %w", err,
		)
	}

	return b.session.Publish(wire.ChatMessageDest(roomID), payload)
}

// JoinPresence announces this client in a presence channel.
func (c *Client) JoinPresence(channel string) error {
	b, err := c.current()
	if err != nil {
		return err
	}

	return b.tracker.Join(channel)
}

// LeavePresence withdraws this client from a presence channel.
func (c *Client) LeavePresence(channel string) error {
	b, err := c.current()
	if err != nil {
		return err
	}

	return b.tracker.Leave(channel)
}

// ObservePresence watches a channel's live participant count.
func (c *Client) ObservePresence(
	channel string) (*presence.Observation, error) {

	b, err := c.current()
	if err != nil {
		return nil, err
	}

	return b.tracker.Observe(channel)
}

// Notifications returns the grouped notification view and the total
// unread count.
func (c *Client) Notifications() ([]notify.Group, int, error) {
	b, err := c.current()
	if err != nil {
		return nil, 0, err
	}

	groups, unread := b.agg.Snapshot()

	return groups, unread, nil
}

// MarkNotificationRead acknowledges a single notification.
func (c *Client) MarkNotificationRead(ctx context.Context,
	id int64) error {

	b, err := c.current()
	if err != nil {
		return err
	}

	return b.agg.MarkRead(ctx, id)
}

// MarkGroupRead acknowledges every member of a notification group with
// one batch call.
func (c *Client) MarkGroupRead(ctx context.Context,
	key notify.GroupKey) error {

	b, err := c.current()
	if err != nil {
		return err
	}

	return b.agg.MarkGroupRead(ctx, key)
}

// RespondInvite accepts or rejects an invite notification.
func (c *Client) RespondInvite(ctx context.Context, id int64,
	accept bool) error {

	b, err := c.current()
	if err != nil {
		return err
	}

	return b.agg.RespondInvite(ctx, id, accept)
}

// ServerUnreadCount fetches the server-authoritative unread total,
// bypassing the local model.
func (c *Client) ServerUnreadCount(ctx context.Context) (int, error) {
	b, err := c.current()
	if err != nil {
		return 0, err
	}

	return b.api.UnreadCount(ctx)
}

// RefreshNotifications forces an immediate REST reconciliation.
func (c *Client) RefreshNotifications(ctx context.Context) error {
	b, err := c.current()
	if err != nil {
		return err
	}

	return b.agg.Refresh(ctx)
}

// QueueLen returns the number of pending outbound messages.
func (c *Client) QueueLen() int {
	b, err := c.current()
	if err != nil {
		return 0
	}

	return b.queue.Len()
}
