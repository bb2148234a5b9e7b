// Package transport owns the single bidirectional connection every
// logical topic is multiplexed over: connect, authenticate, heartbeat,
// and reconnect with a fixed delay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/studyhive/realtime/internal/auth"
	"github.com/studyhive/realtime/internal/pubqueue"
	"github.com/studyhive/realtime/internal/wire"
)

const (
	// defaultHeartbeatInterval is how often outgoing pings are sent.
	defaultHeartbeatInterval = 20 * time.Second

	// defaultMissLimit is how many consecutive unanswered heartbeats
	// force a transition to Reconnecting.
	defaultMissLimit = 2

	// defaultReconnectDelay is the fixed delay between reconnect
	// attempts. Matches the broker client's stock retry interval.
	defaultReconnectDelay = 5 * time.Second

	// defaultWriteTimeout bounds a single frame write.
	defaultWriteTimeout = 10 * time.Second

	// defaultDialTimeout bounds the websocket handshake.
	defaultDialTimeout = 10 * time.Second

	// defaultMaxMessageSize caps inbound frame size.
	defaultMaxMessageSize = 64 * 1024
)

var (
	// ErrSessionClosed is returned once Disconnect has been called.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotConnected is returned by WriteFrame when no connection is
	// established.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected is returned by Connect when a session is
	// already running.
	ErrAlreadyConnected = errors.New("session already connected")
)

// PublishResult reports how a publish attempt was handled.
type PublishResult uint8

const (
	// PublishSent means the frame was written to the live connection.
	PublishSent PublishResult = iota

	// PublishQueued means the session was not connected and the
	// message was handed to the outbound queue.
	PublishQueued

	// PublishRejected means the session is closed or failed and the
	// message was not accepted.
	PublishRejected
)

// Config holds transport session configuration.
type Config struct {
	// URL is the websocket endpoint.
	URL string

	// HeartbeatInterval is the outgoing ping period.
	HeartbeatInterval time.Duration

	// MissLimit is the number of consecutive unanswered heartbeats
	// tolerated before the connection is declared dead.
	MissLimit int

	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// MaxMessageSize caps the size of inbound frames.
	MaxMessageSize int64

	// Dial overrides the websocket dialer. Nil uses the default.
	Dial DialFunc

	// OnFrame receives every inbound message frame. Invoked from the
	// read loop, so it must not block.
	OnFrame func(wire.Frame)

	// Queue receives publishes attempted while not connected. They
	// are never thrown away implicitly.
	Queue *pubqueue.Queue
}

// DefaultConfig returns a Config with production defaults. URL, OnFrame
// and Queue must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: defaultHeartbeatInterval,
		MissLimit:         defaultMissLimit,
		ReconnectDelay:    defaultReconnectDelay,
		WriteTimeout:      defaultWriteTimeout,
		MaxMessageSize:    defaultMaxMessageSize,
	}
}

// normalize fills in zero values with defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MissLimit <= 0 {
		c.MissLimit = def.MissLimit
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.Dial == nil {
		c.Dial = defaultDial
	}
}

// Session owns one multiplexed transport connection. The Subscription
// Registry and the Outbound Publish Queue are its only wire-level
// consumers; nothing else touches the socket.
type Session struct {
	cfg Config

	// state holds the current ConnState value for lock-free reads.
	state atomic.Uint32

	// transitionMu serializes state transitions together with their
	// listener fan-out.
	transitionMu sync.Mutex

	// listenerMu guards the listener list.
	listenerMu sync.Mutex
	listeners  []StateListener

	// connMu guards the active connection pointer and credential.
	connMu sync.Mutex
	conn   Conn
	cred   auth.Credential

	// writeMu serializes data-frame writes on the active connection.
	writeMu sync.Mutex

	// ctx is the lifetime of one Connect/Disconnect cycle.
	ctx    context.Context
	cancel context.CancelFunc

	// closed is set once Disconnect is called; terminal.
	closed atomic.Bool

	// connecting guards the Connect critical section so concurrent
	// Connect calls cannot both pass the state check and dial.
	connecting atomic.Bool

	// failErr records the terminal error after a Failed transition.
	failErrMu sync.Mutex
	failErr   error

	wg sync.WaitGroup
}

// NewSession creates a transport session. Call Connect to open the
// connection.
func NewSession(cfg Config) *Session {
	cfg.normalize()

	return &Session{cfg: cfg}
}

// OnStateChange registers a state transition listener. Listeners are
// invoked in registration order; register replay-critical dependents
// (subscription registry) before flush dependents (outbound queue).
func (s *Session) OnStateChange(l StateListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	s.listeners = append(s.listeners, l)
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

// Err returns the terminal error after the session entered Failed.
func (s *Session) Err() error {
	s.failErrMu.Lock()
	defer s.failErrMu.Unlock()

	return s.failErr
}

// transition applies a state change and notifies listeners before
// returning. Self-transitions are suppressed.
func (s *Session) transition(to ConnState) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	from := ConnState(s.state.Load())
	if from == to {
		return
	}
	s.state.Store(uint32(to))

	log.Debugf("Connection state %v -> %v", from, to)

	s.listenerMu.Lock()
	listeners := make([]StateListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.Unlock()

	for _, l := range listeners {
		l(from, to)
	}
}

// Connect opens the connection with the given credential. Transient
// dial failures are retried at the fixed reconnect delay; credential
// rejection is terminal and surfaced immediately. Connect blocks until
// the session is Connected or the attempt is terminal.
func (s *Session) Connect(ctx context.Context, cred auth.Credential) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	if !s.connecting.CompareAndSwap(false, true) {
		return ErrAlreadyConnected
	}
	defer s.connecting.Store(false)

	switch s.State() {
	case StateDisconnected, StateFailed:
	default:
		return ErrAlreadyConnected
	}

	if cred.Expired(time.Now()) {
		return auth.ErrAuthExpired
	}

	s.connMu.Lock()
	s.cred = cred
	s.connMu.Unlock()

	s.failErrMu.Lock()
	s.failErr = nil
	s.failErrMu.Unlock()

	// A fresh Connect after Failed gets a fresh lifetime.
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.transition(StateConnecting)

	if err := s.dialAndStart(ctx); err != nil {
		if errors.Is(err, auth.ErrAuthExpired) {
			s.fail(err)
		} else {
			s.transition(StateDisconnected)
		}
		return err
	}

	return nil
}

// dialAndStart dials until success, a terminal auth rejection, or
// cancellation of either the caller's or the session's context.
func (s *Session) dialAndStart(ctx context.Context) error {
	attempt := func() error {
		if s.closed.Load() {
			return backoff.Permanent(ErrSessionClosed)
		}

		s.connMu.Lock()
		cred := s.cred
		s.connMu.Unlock()

		if cred.Expired(time.Now()) {
			return backoff.Permanent(auth.ErrAuthExpired)
		}

		conn, resp, err := s.cfg.Dial(ctx, s.cfg.URL, cred.Header())
		if err != nil {
			if isAuthReject(resp) {
				return backoff.Permanent(fmt.Errorf(
					"%w: handshake status %d",
					auth.ErrAuthExpired, resp.StatusCode,
				))
			}

			log.Warnf("Dial %s failed, retrying in %v: %v",
				s.cfg.URL, s.cfg.ReconnectDelay, err)
			return err
		}

		s.startConn(conn)
		return nil
	}

	bo := backoff.WithContext(
		backoff.NewConstantBackOff(s.cfg.ReconnectDelay), ctx,
	)

	if err := backoff.Retry(attempt, bo); err != nil {
		return err
	}

	return nil
}

// startConn installs a freshly dialed connection, spawns its read and
// heartbeat loops, and transitions to Connected. The conn pointer is
// set before the transition so listeners can write during fan-out.
func (s *Session) startConn(conn Conn) {
	// done closes when the read loop exits, stopping the heartbeat.
	done := make(chan struct{})

	conn.SetReadLimit(s.cfg.MaxMessageSize)

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.wg.Add(2)
	go s.readLoop(conn, done)
	go s.heartbeatLoop(conn, done)

	s.transition(StateConnected)
}

// WriteFrame writes a frame on the live connection. Callers that need
// queue-on-disconnect semantics use Publish instead.
func (s *Session) WriteFrame(f wire.Frame) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := f.Encode()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// A dead socket: close it so the read loop notices and the
		// reconnect path takes over.
		conn.Close()
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// Publish sends a payload to a destination. While disconnected the
// message is redirected to the outbound queue rather than dropped.
func (s *Session) Publish(destination string,
	payload []byte) (PublishResult, error) {

	if s.closed.Load() {
		return PublishRejected, ErrSessionClosed
	}
	if s.State() == StateFailed {
		return PublishRejected, s.Err()
	}

	if s.State() == StateConnected {
		err := s.WriteFrame(wire.NewSendFrame(destination, payload))
		if err == nil {
			return PublishSent, nil
		}

		log.Debugf("Publish to %s fell back to queue: %v",
			destination, err)
	}

	if s.cfg.Queue == nil {
		return PublishRejected, ErrNotConnected
	}
	s.cfg.Queue.Enqueue(destination, payload)

	return PublishQueued, nil
}

// readLoop consumes inbound frames until the connection dies, then
// hands off to the reconnect path.
func (s *Session) readLoop(conn Conn, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	// The read deadline is the heartbeat interval times the miss
	// limit: that many consecutive unanswered pings kill the read.
	readWait := s.cfg.HeartbeatInterval * time.Duration(s.cfg.MissLimit)
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	authExpired := false

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				log.Debugf("Read error: %v", err)
			}
			break
		}

		frame, err := wire.ParseFrame(data)
		if err != nil {
			log.Warnf("Skipping malformed frame: %v", err)
			continue
		}

		switch frame.Type {
		case wire.FrameMessage:
			if s.cfg.OnFrame != nil {
				s.cfg.OnFrame(frame)
			}

		case wire.FrameError:
			if s.handleErrorFrame(frame) {
				authExpired = true
			}

		case wire.FrameConnected:
			// Handshake ack, nothing to do.

		default:
			log.Tracef("Ignoring frame type %q", frame.Type)
		}

		if authExpired {
			break
		}
	}

	conn.Close()

	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()

	switch {
	case authExpired:
		s.fail(auth.ErrAuthExpired)

	case s.closed.Load() || s.ctx.Err() != nil:
		s.transition(StateDisconnected)

	default:
		s.transition(StateReconnecting)
		s.wg.Add(1)
		go s.reconnect()
	}
}

// handleErrorFrame decodes a server error frame and reports whether it
// was a terminal credential rejection.
func (s *Session) handleErrorFrame(frame wire.Frame) bool {
	var p wire.ErrorPayload
	if err := wire.ParseErrorPayload(frame.Payload, &p); err != nil {
		log.Warnf("Skipping malformed error frame: %v", err)
		return false
	}

	if p.Code == wire.ErrAuthExpiredCode {
		log.Errorf("Server rejected credential mid-session: %s",
			p.Message)
		return true
	}

	log.Warnf("Server error: %s (%s)", p.Message, p.Code)
	return false
}

// heartbeatLoop sends protocol-level pings at the configured interval
// until the connection's read loop exits.
func (s *Session) heartbeatLoop(conn Conn, done chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			err := conn.WriteControl(
				websocket.PingMessage, nil, deadline,
			)
			if err != nil {
				// Wake the read loop; it drives recovery.
				conn.Close()
				return
			}
		}
	}
}

// reconnect redials at the fixed delay until success or the session is
// torn down. Explicit Disconnect and credential expiry both cancel the
// attempt immediately.
func (s *Session) reconnect() {
	defer s.wg.Done()

	err := s.dialAndStart(s.ctx)
	switch {
	case err == nil:

	case errors.Is(err, auth.ErrAuthExpired):
		s.fail(err)

	default:
		// Cancelled by Disconnect; no reconnect races allowed
		// after explicit teardown.
		s.transition(StateDisconnected)
	}
}

// fail records a terminal error and halts all recovery.
func (s *Session) fail(err error) {
	s.failErrMu.Lock()
	s.failErr = err
	s.failErrMu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.transition(StateFailed)
}

// Disconnect tears the session down. Any in-flight reconnect attempt
// is superseded; pending queue contents are left to the caller.
func (s *Session) Disconnect() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}

	s.wg.Wait()
	s.transition(StateDisconnected)
}
