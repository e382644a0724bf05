package relay

import (
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// testClient is a minimal relay peer for exercising the server directly.
type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	peerID string
}

func dialTestClient(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	welcome := c.next()
	require.Equal(t, FrameWelcome, welcome.Type)
	require.NotEmpty(t, welcome.PeerID)
	c.peerID = welcome.PeerID
	return c
}

func (c *testClient) send(f Frame) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(f))
}

func (c *testClient) next() Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(c.t, c.conn.ReadJSON(&f))
	return f
}

// nextOfType discards frames until one of the wanted type arrives.
func (c *testClient) nextOfType(want FrameType) Frame {
	c.t.Helper()
	for {
		f := c.next()
		if f.Type == want {
			return f
		}
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	srv := httptest.NewServer(NewServer(&logger))
	t.Cleanup(srv.Close)
	return srv
}

// TestWelcomeListsExistingPeers checks that a new peer learns who is
// already connected and that existing peers hear about the arrival.
func TestWelcomeListsExistingPeers(t *testing.T) {
	srv := newTestServer(t)

	first := dialTestClient(t, srv)

	second := dialTestClient(t, srv)
	require.NotEqual(t, first.peerID, second.peerID)

	joined := first.nextOfType(FramePeerJoined)
	require.Equal(t, second.peerID, joined.PeerID)

	// A third arrival's welcome lists both existing peers.
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var welcome Frame
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, FrameWelcome, welcome.Type)
	require.ElementsMatch(t, []string{first.peerID, second.peerID}, welcome.Peers)
}

// TestPublishFansOutToSubscribers checks topic fan-out, including
// self-delivery to the publisher.
func TestPublishFansOutToSubscribers(t *testing.T) {
	srv := newTestServer(t)

	a := dialTestClient(t, srv)
	b := dialTestClient(t, srv)
	outsider := dialTestClient(t, srv)

	a.send(Frame{Type: FrameSubscribe, Topic: "room-1"})
	b.send(Frame{Type: FrameSubscribe, Topic: "room-1"})
	outsider.send(Frame{Type: FrameSubscribe, Topic: "room-2"})

	// Wait until the server has registered both subscriptions.
	for {
		f := b.nextOfType(FrameTopicPeers)
		if len(f.Peers) == 2 {
			break
		}
	}

	a.send(Frame{Type: FramePublish, Topic: "room-1", Data: []byte("duel start")})

	got := b.nextOfType(FrameMessage)
	require.Equal(t, "room-1", got.Topic)
	require.Equal(t, a.peerID, got.From)
	require.Equal(t, []byte("duel start"), got.Data)

	echo := a.nextOfType(FrameMessage)
	require.Equal(t, a.peerID, echo.From, "publisher receives its own message back")

	// The outsider subscribed elsewhere and must see nothing on room-1.
	outsider.send(Frame{Type: FramePublish, Topic: "room-2", Data: []byte("marker")})
	marker := outsider.nextOfType(FrameMessage)
	require.Equal(t, []byte("marker"), marker.Data)
}

// TestUnsubscribeStopsDelivery checks that leaving a topic stops fan-out.
func TestUnsubscribeStopsDelivery(t *testing.T) {
	srv := newTestServer(t)

	a := dialTestClient(t, srv)
	b := dialTestClient(t, srv)

	a.send(Frame{Type: FrameSubscribe, Topic: "room-1"})
	b.send(Frame{Type: FrameSubscribe, Topic: "room-1"})
	for {
		if f := a.nextOfType(FrameTopicPeers); len(f.Peers) == 2 {
			break
		}
	}

	b.send(Frame{Type: FrameUnsubscribe, Topic: "room-1"})
	for {
		if f := a.nextOfType(FrameTopicPeers); len(f.Peers) == 1 {
			break
		}
	}

	a.send(Frame{Type: FramePublish, Topic: "room-1", Data: []byte("solo")})
	echo := a.nextOfType(FrameMessage)
	require.Equal(t, []byte("solo"), echo.Data)

	// b must not receive the message; the only thing its socket may still
	// carry is the topic:peers update from its own unsubscribe.
	b.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		var f Frame
		if err := b.conn.ReadJSON(&f); err != nil {
			break
		}
		require.NotEqual(t, FrameMessage, f.Type, "unsubscribed peer received a topic message")
	}
}

// TestDisconnectBroadcastsPeerLeft checks departure bookkeeping: peer:left
// reaches the others and topic membership shrinks.
func TestDisconnectBroadcastsPeerLeft(t *testing.T) {
	srv := newTestServer(t)

	a := dialTestClient(t, srv)
	b := dialTestClient(t, srv)

	a.send(Frame{Type: FrameSubscribe, Topic: "room-1"})
	b.send(Frame{Type: FrameSubscribe, Topic: "room-1"})
	for {
		if f := a.nextOfType(FrameTopicPeers); len(f.Peers) == 2 {
			break
		}
	}

	b.conn.Close()

	left := a.nextOfType(FramePeerLeft)
	require.Equal(t, b.peerID, left.PeerID)

	members := a.nextOfType(FrameTopicPeers)
	require.Equal(t, []string{a.peerID}, members.Peers)
}

// TestUnknownFramesIgnored checks that the server tolerates frames from
// newer clients without dropping the connection.
func TestUnknownFramesIgnored(t *testing.T) {
	srv := newTestServer(t)

	a := dialTestClient(t, srv)
	a.send(Frame{Type: FrameType("future:thing"), Topic: "x"})

	a.send(Frame{Type: FrameSubscribe, Topic: "room-1"})
	members := a.nextOfType(FrameTopicPeers)
	require.Equal(t, []string{a.peerID}, members.Peers)
}
