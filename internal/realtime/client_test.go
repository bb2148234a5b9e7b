package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studyhive/realtime/internal/transport"
	"github.com/studyhive/realtime/internal/wire"
)

// fakeConn is an in-memory transport.Conn fed through channels.
type fakeConn struct {
	inbound chan []byte

	mu     sync.Mutex
	writes [][]byte
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

func (c *fakeConn) WriteControl(int, []byte, time.Time) error {
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
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

// deliver feeds an inbound frame to the session's read loop.
func (c *fakeConn) deliver(t *testing.T, f wire.Frame) {
	t.Helper()

	data, err := f.Encode()
	require.NoError(t, err)
	c.inbound <- data
}

// sentFrames decodes everything written on this connection.
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

// fakeDialer hands out one fakeConn per dial.
type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	failNext int
}

func (d *fakeDialer) dial(context.Context, string,
	http.Header) (transport.Conn, *http.Response, error) {

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failNext > 0 {
		d.failNext--
		return nil, nil, errors.New("dial refused")
	}

	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil, nil
}

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

func (d *fakeDialer) blockDials(block bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if block {
		d.failNext = 1 << 30
	} else {
		d.failNext = 0
	}
}

// newTestClient builds a logged-in client against fake transport and
// test HTTP servers. The API server serves an empty notification list
// unless notifications are provided.
func newTestClient(t *testing.T, dialer *fakeDialer,
	notifications string) *Client {

	t.Helper()

	if notifications == "" {
		notifications = `{"notifications":[]}`
	}
	api := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/notifications":
				fmt.Fprint(w, notifications)
			case "/api/notifications/unread-count":
				fmt.Fprint(w, `{"count":2}`)
			default:
				w.WriteHeader(http.StatusOK)
			}
		},
	))
	t.Cleanup(api.Close)

	// The stream endpoint stays open and silent.
	stream := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		},
	))
	t.Cleanup(stream.Close)

	cfg := Config{
		TransportURL: "ws://test.invalid/ws",
		StreamURL:    stream.URL,
		APIURL:       api.URL,
	}
	cfg.Transport.Dial = dialer.dial
	cfg.Transport.ReconnectDelay = 10 * time.Millisecond

	client, err := New(cfg)
	require.NoError(t, err)

	require.NoError(
		t, client.Login(context.Background(), "opaque-token"),
	)
	t.Cleanup(client.Logout)

	return client
}

func TestClient_LoginRequiresToken(t *testing.T) {
	client, err := New(Config{
		TransportURL: "ws://x", StreamURL: "http://x",
		APIURL: "http://x",
	})
	require.NoError(t, err)

	require.Error(t, client.Login(context.Background(), ""))
}

func TestClient_OperationsRequireLogin(t *testing.T) {
	client, err := New(Config{
		TransportURL: "ws://x", StreamURL: "http://x",
		APIURL: "http://x",
	})
	require.NoError(t, err)

	_, err = client.SubscribeChatRoom(1)
	require.ErrorIs(t, err, ErrNotLoggedIn)
	require.ErrorIs(t, client.JoinPresence("x"), ErrNotLoggedIn)
	_, _, err = client.Notifications()
	require.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestClient_ReconnectReplaysBeforeFlush(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, dialer, "")

	// Two live room subscriptions.
	handleA, err := client.SubscribeChatRoom(1)
	require.NoError(t, err)
	_, err = client.SubscribeChatRoom(2)
	require.NoError(t, err)

	// Messages flow while connected.
	conn0 := dialer.conn(0)
	conn0.deliver(t, wire.Frame{
		Type:        wire.FrameMessage,
		Destination: wire.ChatRoomTopic(1),
		Payload:     []byte(`{"body":"hello"}`),
	})
	select {
	case ev := <-handleA.Events():
		require.JSONEq(t, `{"body":"hello"}`, string(ev.Payload))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	// The connection drops; a publish during the outage is queued.
	dialer.blockDials(true)
	conn0.Close()
	require.Eventually(t, func() bool {
		return client.State() == transport.StateReconnecting
	}, time.Second, time.Millisecond)

	result, err := client.SendChatMessage(1, wire.ChatMessage{
		Body: "sent while down",
	})
	require.NoError(t, err)
	require.Equal(t, transport.PublishQueued, result)
	require.Equal(t, 1, client.QueueLen())

	// Recovery: both subscriptions replay before the queued message
	// goes out.
	dialer.blockDials(false)
	require.Eventually(t, func() bool {
		return client.State() == transport.StateConnected &&
			dialer.dials() == 2
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return client.QueueLen() == 0
	}, time.Second, time.Millisecond)

	frames := dialer.conn(1).sentFrames(t)
	require.Len(t, frames, 3)
	require.Equal(t, wire.FrameSubscribe, frames[0].Type)
	require.Equal(t, wire.ChatRoomTopic(1), frames[0].Destination)
	require.Equal(t, wire.FrameSubscribe, frames[1].Type)
	require.Equal(t, wire.ChatRoomTopic(2), frames[1].Destination)
	require.Equal(t, wire.FrameSend, frames[2].Type)
	require.Equal(t, wire.ChatMessageDest(1), frames[2].Destination)

	// The still-subscribed topic keeps delivering on the new
	// connection.
	dialer.conn(1).deliver(t, wire.Frame{
		Type:        wire.FrameMessage,
		Destination: wire.ChatRoomTopic(1),
		Payload:     []byte(`{"body":"after reconnect"}`),
	})
	select {
	case ev := <-handleA.Events():
		require.JSONEq(
			t, `{"body":"after reconnect"}`, string(ev.Payload),
		)
	case <-time.After(time.Second):
		t.Fatal("message not delivered after reconnect")
	}
}

func TestClient_NotificationsFromSnapshot(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, dialer, `{"notifications":[
		{"id":1,"type":"NEW_DM","referenceId":4,"senderName":"a"},
		{"id":2,"type":"NEW_DM","referenceId":4,"senderName":"b"},
		{"id":3,"type":"STUDY_INVITE","isRead":true}
	]}`)

	require.Eventually(t, func() bool {
		_, unread, err := client.Notifications()
		return err == nil && unread == 2
	}, time.Second, time.Millisecond)

	groups, _, err := client.Notifications()
	require.NoError(t, err)
	require.Len(t, groups, 2)

	count, err := client.ServerUnreadCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestClient_StateUpdatesAndLogout(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, dialer, "")

	states, err := client.StateUpdates()
	require.NoError(t, err)

	client.Logout()

	// The channel drains any buffered transitions and then closes.
	var last StateChange
	for sc := range states {
		last = sc
	}
	require.Equal(t, transport.StateDisconnected, last.To)

	// Everything is rejected after logout.
	_, err = client.SubscribeChatRoom(1)
	require.ErrorIs(t, err, ErrNotLoggedIn)

	// Logout is idempotent.
	client.Logout()
}

func TestClient_DoubleLoginRejected(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(t, dialer, "")

	err := client.Login(context.Background(), "another-token")
	require.ErrorIs(t, err, ErrAlreadyLoggedIn)
}
