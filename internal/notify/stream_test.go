package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studyhive/realtime/internal/auth"
	"github.com/studyhive/realtime/internal/wire"
)

func TestStream_DeliversValidEventsOnly(t *testing.T) {
	var gotAuth atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			gotAuth.Store(r.Header.Get("Authorization"))

			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)

			// One malformed event, then a valid one.
			fmt.Fprint(w, "data: {not json}\n\n")
			flusher.Flush()
			fmt.Fprint(w, "data: {\"id\":5,\"type\":\"NEW_DM\","+
				"\"referenceId\":9,\"senderName\":\"mina\"}\n\n")
			flusher.Flush()

			<-r.Context().Done()
		},
	))
	defer srv.Close()

	cred, err := auth.NewCredential("stream-token")
	require.NoError(t, err)

	s := NewStream(StreamConfig{URL: srv.URL}, cred)
	notifications := s.Open(context.Background())
	defer s.Close()

	select {
	case n := <-notifications:
		require.Equal(t, int64(5), n.ID)
		require.Equal(t, wire.TypeNewDM, n.Type)
		require.Equal(t, int64(9), n.ReferenceID)
	case <-time.After(5 * time.Second):
		t.Fatal("no notification delivered")
	}

	// The malformed event was skipped, not queued behind the valid
	// one.
	select {
	case n := <-notifications:
		t.Fatalf("unexpected notification: %d", n.ID)
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, "Bearer stream-token", gotAuth.Load())
}

func TestStream_CloseEndsEventChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		},
	))
	defer srv.Close()

	cred, err := auth.NewCredential("stream-token")
	require.NoError(t, err)

	s := NewStream(StreamConfig{URL: srv.URL}, cred)
	notifications := s.Open(context.Background())

	s.Close()

	select {
	case _, open := <-notifications:
		require.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("notification channel not closed")
	}
}
