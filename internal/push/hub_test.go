package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/moltrade/relayer/internal/testlogger"
)

func newHubFixture(t *testing.T) (*Hub, *Sink, chan *nostr.Event, *httptest.Server) {
	t.Helper()
	l := testlogger.New(t)
	sink := NewSink(l, 16)
	downstream := make(chan *nostr.Event, 16)
	hub := NewHub(l, sink, downstream)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	return hub, sink, downstream, srv
}

// waitRegistered blocks until the hub tracks at least n clients; dialing
// returns before the hub's run loop has processed the registration.
func waitRegistered(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		total := len(hub.firehose)
		for _, set := range hub.byPubkey {
			total += len(set)
		}
		return total >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestHubDeliversToTargetFollower(t *testing.T) {
	hub, sink, _, srv := newHubFixture(t)

	target := dialWS(t, srv, "pubkey=follower-1")
	other := dialWS(t, srv, "pubkey=follower-2")
	waitRegistered(t, hub, 2)

	sink.Push(FanoutMessage{
		TargetPubkey:    "follower-1",
		BotPubkey:       "bot-a",
		Kind:            30931,
		OriginalEventID: "ev-1",
		Payload:         `{"symbol":"ETH"}`,
	})

	var got FanoutMessage
	require.NoError(t, json.Unmarshal(readMessage(t, target), &got))
	require.Equal(t, "follower-1", got.TargetPubkey)
	require.Equal(t, `{"symbol":"ETH"}`, got.Payload)

	// The other follower got nothing.
	require.NoError(t, other.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := other.ReadMessage()
	require.Error(t, err)
}

func TestHubSealsWhenRequested(t *testing.T) {
	hub, sink, _, srv := newHubFixture(t)

	conn := dialWS(t, srv, "pubkey=follower-1&seal_secret=topsecret")
	waitRegistered(t, hub, 1)

	sink.Push(FanoutMessage{
		TargetPubkey: "follower-1",
		Payload:      `{"symbol":"ETH"}`,
	})

	var got FanoutMessage
	require.NoError(t, json.Unmarshal(readMessage(t, conn), &got))
	require.NotEqual(t, `{"symbol":"ETH"}`, got.Payload)

	opened, err := OpenPayload("topsecret", got.Payload)
	require.NoError(t, err)
	require.Equal(t, `{"symbol":"ETH"}`, opened)
}

func TestHubBroadcastsFirehose(t *testing.T) {
	hub, _, downstream, srv := newHubFixture(t)

	conn := dialWS(t, srv, "")
	waitRegistered(t, hub, 1)

	downstream <- &nostr.Event{ID: "ev-1", Kind: 30931, Content: "cipher"}

	var got nostr.Event
	require.NoError(t, json.Unmarshal(readMessage(t, conn), &got))
	require.Equal(t, "ev-1", got.ID)
	require.Equal(t, 30931, got.Kind)
}
