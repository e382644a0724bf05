package comm_test

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kaibanet/kaibanet/internal/comm"
	"github.com/kaibanet/kaibanet/internal/config"
	"github.com/kaibanet/kaibanet/internal/relay"
)

func startRelay(t *testing.T) string {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	srv := httptest.NewServer(relay.NewServer(&logger))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newRelayedLayer(t *testing.T, url string) *comm.Relayed {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = url
	layer := comm.NewRelayed(cfg)
	require.NoError(t, layer.Initialize(context.Background()))
	t.Cleanup(func() { layer.Close() })
	return layer
}

// nextEvent reads events until one of the wanted kind arrives.
func nextEvent(t *testing.T, layer comm.Layer, want comm.EventKind) comm.Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-layer.Events():
			if !ok {
				t.Fatalf("event stream closed waiting for kind %d", want)
			}
			if ev.Kind == want {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event kind %d", want)
		}
	}
}

// TestRelayedDiscoversExistingPeers checks that joining the relay surfaces
// the peers already there, as discovery plus an open connection.
func TestRelayedDiscoversExistingPeers(t *testing.T) {
	url := startRelay(t)

	first := newRelayedLayer(t, url)
	second := newRelayedLayer(t, url)

	ev := nextEvent(t, second, comm.PeerDiscovered)
	require.Equal(t, first.PeerID(), ev.Peer.ID)
	nextEvent(t, second, comm.ConnectionOpened)

	arrival := nextEvent(t, first, comm.PeerDiscovered)
	require.Equal(t, second.PeerID(), arrival.Peer.ID)

	require.True(t, first.Alive(second.PeerID()))
	require.NoError(t, first.Connect(context.Background(), comm.Peer{ID: second.PeerID()}))
	require.Error(t, first.Connect(context.Background(), comm.Peer{ID: "ghost"}))
}

// TestRelayedPublishRoundTrip checks topic traffic through the relay,
// including self-delivery and the membership cache behind TopicPeers.
func TestRelayedPublishRoundTrip(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	a := newRelayedLayer(t, url)
	b := newRelayedLayer(t, url)
	nextEvent(t, a, comm.PeerDiscovered)
	nextEvent(t, b, comm.PeerDiscovered)

	require.NoError(t, a.Subscribe("room-1"))
	require.NoError(t, b.Subscribe("room-1"))

	deadline := time.Now().Add(2 * time.Second)
	for len(a.TopicPeers("room-1")) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for topic membership")
		}
		time.Sleep(5 * time.Millisecond)
	}

	require.NoError(t, a.Publish(ctx, "room-1", []byte("duel start")))

	got := nextEvent(t, b, comm.Message)
	require.Equal(t, "room-1", got.Topic)
	require.Equal(t, a.PeerID(), got.From)
	require.Equal(t, []byte("duel start"), got.Data)

	echo := nextEvent(t, a, comm.Message)
	require.Equal(t, a.PeerID(), echo.From, "publisher hears its own message")

	require.NoError(t, b.Unsubscribe("room-1"))
	require.Empty(t, b.TopicPeers("room-1"))
}

// TestRelayedCloseBeforeInitialize checks that closing a layer that never
// connected returns immediately instead of waiting on a reader that was
// never started.
func TestRelayedCloseBeforeInitialize(t *testing.T) {
	layer := comm.NewRelayed(config.Default())

	done := make(chan struct{})
	go func() {
		require.NoError(t, layer.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on an uninitialized layer")
	}

	_, open := <-layer.Events()
	require.False(t, open, "event stream must be closed")
}

// TestRelayedPeerDeparture checks that a peer dropping off the relay shows
// up as a closed connection followed by removal.
func TestRelayedPeerDeparture(t *testing.T) {
	url := startRelay(t)

	a := newRelayedLayer(t, url)
	b := newRelayedLayer(t, url)
	nextEvent(t, a, comm.PeerDiscovered)
	bID := b.PeerID()

	require.NoError(t, b.Close())

	closed := nextEvent(t, a, comm.ConnectionClosed)
	require.Equal(t, bID, closed.Peer.ID)
	removed := nextEvent(t, a, comm.PeerRemoved)
	require.Equal(t, bID, removed.Peer.ID)
	require.False(t, a.Alive(bID))
}
