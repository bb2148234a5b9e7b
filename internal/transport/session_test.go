package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/realtime/internal/auth"
	"github.com/studyhive/realtime/internal/pubqueue"
	"github.com/studyhive/realtime/internal/wire"
)

// fakeConn is an in-memory Conn. Inbound frames are fed through the
// inbound channel; writes are recorded.
type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte
	pings  int
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}

	return 1, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("write on closed connection")
	}
	c.writes = append(c.writes, data)

	return nil
}

func (c *fakeConn) WriteControl(_ int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("write on closed connection")
	}
	c.pings++

	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) SetReadLimit(int64)                {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.inbound)
	}

	return nil
}

// deliver feeds an inbound frame to the read loop.
func (c *fakeConn) deliver(t *testing.T, f wire.Frame) {
	t.Helper()

	data, err := f.Encode()
	require.NoError(t, err)
	c.inbound <- data
}

// sentFrames decodes and returns everything written so far.
func (c *fakeConn) sentFrames(t *testing.T) []wire.Frame {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([]wire.Frame, 0, len(c.writes))
	for _, data := range c.writes {
		f, err := wire.ParseFrame(data)
		require.NoError(t, err)
		frames = append(frames, f)
	}

	return frames
}

// fakeDialer hands out fakeConns, one per dial, optionally failing the
// first several attempts.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failNext int
	failResp *http.Response
}

func (d *fakeDialer) dial(context.Context, string,
	http.Header) (Conn, *http.Response, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failNext > 0 {
		d.failNext--
		return nil, d.failResp, errors.New("dial refused")
	}

	conn := newFakeConn()
	d.conns = append(d.conns, conn)

	return conn, nil, nil
}

// conn returns the i-th dialed connection.
func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conns[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.conns)
}

// stateRecorder collects every transition a session broadcasts.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnState
}

func (r *stateRecorder) listener(_, to ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, to)
}

func (r *stateRecorder) seen() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ConnState, len(r.states))
	copy(out, r.states)

	return out
}

// newTestSession builds a session wired to a fake dialer with a fast
// reconnect delay.
func newTestSession(t *testing.T, dialer *fakeDialer,
	queue *pubqueue.Queue) (*Session, *stateRecorder) {

	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = "ws://test.invalid/ws"
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.Dial = dialer.dial
	cfg.Queue = queue

	s := NewSession(cfg)
	rec := &stateRecorder{}
	s.OnStateChange(rec.listener)

	t.Cleanup(s.Disconnect)

	return s, rec
}

func testCred(t *testing.T) auth.Credential {
	t.Helper()

	cred, err := auth.NewCredential("opaque-token")
	require.NoError(t, err)

	return cred
}

// expiredJWTCred builds a credential whose JWT expiry is already in
// the past.
func expiredJWTCred(t *testing.T) auth.Credential {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(
				time.Now().Add(-time.Hour),
			),
		})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	cred, err := auth.NewCredential(signed)
	require.NoError(t, err)

	return cred
}

func TestSession_ConnectTransitions(t *testing.T) {
	dialer := &fakeDialer{}
	s, rec := newTestSession(t, dialer, nil)

	require.NoError(t, s.Connect(context.Background(), testCred(t)))
	require.Equal(t, StateConnected, s.State())
	require.Equal(
		t, []ConnState{StateConnecting, StateConnected}, rec.seen(),
	)

	require.ErrorIs(
		t, s.Connect(context.Background(), testCred(t)),
		ErrAlreadyConnected,
	)
}

func TestSession_ConcurrentConnectOpensOneSocket(t *testing.T) {
	var (
		dials      atomic.Int32
		dialGate   = make(chan struct{})
		dialActive = make(chan struct{})
	)
	conn := newFakeConn()

	cfg := DefaultConfig()
	cfg.URL = "ws://test.invalid/ws"
	cfg.Dial = func(context.Context, string,
		http.Header) (Conn, *http.Response, error) {

		if dials.Add(1) == 1 {
			close(dialActive)
			<-dialGate
		}

		return conn, nil, nil
	}

	s := NewSession(cfg)
	t.Cleanup(s.Disconnect)

	cred := testCred(t)
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- s.Connect(context.Background(), cred)
	}()
	<-dialActive

	// A second Connect while the first is still mid-dial must be
	// refused without opening another socket.
	require.ErrorIs(
		t, s.Connect(context.Background(), cred),
		ErrAlreadyConnected,
	)

	close(dialGate)
	require.NoError(t, <-firstErr)
	require.Equal(t, StateConnected, s.State())
	require.Equal(t, int32(1), dials.Load())
}

func TestSession_ConnectRetriesTransientFailure(t *testing.T) {
	dialer := &fakeDialer{failNext: 2}
	s, _ := newTestSession(t, dialer, nil)

	require.NoError(t, s.Connect(context.Background(), testCred(t)))
	require.Equal(t, StateConnected, s.State())
	require.Equal(t, 1, dialer.dials())
}

func TestSession_AuthRejectIsTerminal(t *testing.T) {
	dialer := &fakeDialer{
		failNext: 100,
		failResp: &http.Response{StatusCode: http.StatusUnauthorized},
	}
	s, _ := newTestSession(t, dialer, nil)

	err := s.Connect(context.Background(), testCred(t))
	require.ErrorIs(t, err, auth.ErrAuthExpired)
	require.Equal(t, StateFailed, s.State())
	require.ErrorIs(t, s.Err(), auth.ErrAuthExpired)

	// No retries happened after the rejection.
	require.Zero(t, dialer.dials())

	// Publishes are rejected while Failed.
	result, err := s.Publish("/pub/x", []byte("{}"))
	require.Equal(t, PublishRejected, result)
	require.ErrorIs(t, err, auth.ErrAuthExpired)
}

func TestSession_ExpiredJWTRefusedLocally(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, dialer, nil)

	cred := expiredJWTCred(t)
	err := s.Connect(context.Background(), cred)
	require.ErrorIs(t, err, auth.ErrAuthExpired)
	require.Zero(t, dialer.dials())
}

func TestSession_PublishSentWhenConnected(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, dialer, nil)
	require.NoError(t, s.Connect(context.Background(), testCred(t)))

	result, err := s.Publish("/pub/chat/room/1/message", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, PublishSent, result)

	frames := dialer.conn(0).sentFrames(t)
	require.Len(t, frames, 1)
	require.Equal(t, wire.FrameSend, frames[0].Type)
	require.Equal(t, "/pub/chat/room/1/message", frames[0].Destination)
}

func TestSession_PublishQueuedWhileReconnecting(t *testing.T) {
	queue := pubqueue.New(pubqueue.Config{Capacity: 10})
	// Fail redials forever so the session stays in Reconnecting.
	dialer := &fakeDialer{}
	s, rec := newTestSession(t, dialer, queue)
	require.NoError(t, s.Connect(context.Background(), testCred(t)))

	dialer.mu.Lock()
	dialer.failNext = 1 << 30
	dialer.mu.Unlock()

	// Kill the connection out from under the session.
	dialer.conn(0).Close()
	require.Eventually(t, func() bool {
		return s.State() == StateReconnecting
	}, time.Second, time.Millisecond)

	result, err := s.Publish("/pub/x", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, PublishQueued, result)
	require.Equal(t, 1, queue.Len())

	require.Contains(t, rec.seen(), StateReconnecting)
}

func TestSession_ReconnectRestoresConnection(t *testing.T) {
	dialer := &fakeDialer{}
	s, rec := newTestSession(t, dialer, nil)
	require.NoError(t, s.Connect(context.Background(), testCred(t)))

	dialer.conn(0).Close()
	require.Eventually(t, func() bool {
		return s.State() == StateConnected && dialer.dials() == 2
	}, time.Second, time.Millisecond)

	require.Equal(t, []ConnState{
		StateConnecting, StateConnected,
		StateReconnecting, StateConnected,
	}, rec.seen())
}

func TestSession_InboundFramesReachOnFrame(t *testing.T) {
	received := make(chan wire.Frame, 1)

	dialer := &fakeDialer{}
	cfg := DefaultConfig()
	cfg.URL = "ws://test.invalid/ws"
	cfg.Dial = dialer.dial
	cfg.OnFrame = func(f wire.Frame) { received <- f }

	s := NewSession(cfg)
	t.Cleanup(s.Disconnect)
	require.NoError(t, s.Connect(context.Background(), testCred(t)))

	dialer.conn(0).deliver(t, wire.Frame{
		Type:        wire.FrameMessage,
		Destination: "/sub/chat/room/1",
		Payload:     []byte(`{"body":"hi"}`),
	})

	select {
	case f := <-received:
		require.Equal(t, "/sub/chat/room/1", f.Destination)
	case <-time.After(time.Second):
		t.Fatal("frame not dispatched")
	}
}

func TestSession_AuthExpiredErrorFrameFails(t *testing.T) {
	dialer := &fakeDialer{}
	s, _ := newTestSession(t, dialer, nil)
	require.NoError(t, s.Connect(context.Background(), testCred(t)))

	dialer.conn(0).deliver(t, wire.Frame{
		Type:    wire.FrameError,
		Payload: []byte(`{"code":"auth_expired","message":"dead"}`),
	})

	require.Eventually(t, func() bool {
		return s.State() == StateFailed
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, s.Err(), auth.ErrAuthExpired)

	// The terminal state halts redials.
	require.Equal(t, 1, dialer.dials())
}

func TestSession_DisconnectSupersedesReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	s, rec := newTestSession(t, dialer, nil)
	require.NoError(t, s.Connect(context.Background(), testCred(t)))

	// Block all redials, kill the connection, then disconnect while
	// the session is mid-retry.
	dialer.mu.Lock()
	dialer.failNext = 1 << 30
	dialer.mu.Unlock()
	dialer.conn(0).Close()

	require.Eventually(t, func() bool {
		return s.State() == StateReconnecting
	}, time.Second, time.Millisecond)

	s.Disconnect()
	require.Equal(t, StateDisconnected, s.State())

	// No dial may land after the explicit teardown.
	dials := dialer.dials()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, dials, dialer.dials())

	states := rec.seen()
	require.Equal(t, StateDisconnected, states[len(states)-1])

	result, err := s.Publish("/pub/x", nil)
	require.Equal(t, PublishRejected, result)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_MalformedInboundFrameSkipped(t *testing.T) {
	received := make(chan wire.Frame, 1)

	dialer := &fakeDialer{}
	cfg := DefaultConfig()
	cfg.URL = "ws://test.invalid/ws"
	cfg.Dial = dialer.dial
	cfg.OnFrame = func(f wire.Frame) { received <- f }

	s := NewSession(cfg)
	t.Cleanup(s.Disconnect)
	require.NoError(t, s.Connect(context.Background(), testCred(t)))

	conn := dialer.conn(0)
	conn.inbound <- []byte("garbage")
	conn.deliver(t, wire.Frame{
		Type:        wire.FrameMessage,
		Destination: "/sub/x",
	})

	// The malformed frame is skipped; the next one still arrives.
	select {
	case f := <-received:
		require.Equal(t, "/sub/x", f.Destination)
	case <-time.After(time.Second):
		t.Fatal("session stalled on malformed frame")
	}
	require.Equal(t, StateConnected, s.State())
}
