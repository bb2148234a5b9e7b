package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the session drives. Tests
// substitute an in-memory implementation.
type Conn interface {
	// ReadMessage reads the next data message from the peer.
	ReadMessage() (messageType int, p []byte, err error)

	// WriteMessage writes a data message to the peer.
	WriteMessage(messageType int, data []byte) error

	// WriteControl writes a control message with the given deadline.
	WriteControl(messageType int, data []byte, deadline time.Time) error

	// SetReadDeadline bounds how long a read may block.
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline bounds how long a write may block.
	SetWriteDeadline(t time.Time) error

	// SetPongHandler installs the handler invoked on pong control
	// messages.
	SetPongHandler(h func(appData string) error)

	// SetReadLimit caps the size of inbound messages.
	SetReadLimit(limit int64)

	// Close tears down the underlying socket.
	Close() error
}

// DialFunc opens the underlying socket. The returned *http.Response is
// consulted for the handshake status when the dial fails, which is how
// credential rejection is told apart from transient network errors.
type DialFunc func(ctx context.Context, url string,
	header http.Header) (Conn, *http.Response, error)

// defaultDial dials with the gorilla websocket dialer.
func defaultDial(ctx context.Context, url string,
	header http.Header) (Conn, *http.Response, error) {

	dialer := websocket.Dialer{
		HandshakeTimeout: defaultDialTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}

	return conn, resp, nil
}

// isAuthReject reports whether a failed dial was an authentication
// rejection rather than a transient network error.
func isAuthReject(resp *http.Response) bool {
	if resp == nil {
		return false
	}

	return resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden
}
