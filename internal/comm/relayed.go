package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kaibanet/kaibanet/internal/config"
	"github.com/kaibanet/kaibanet/internal/relay"
	"github.com/kaibanet/kaibanet/internal/util"
)

// Relayed is the server-mediated layer: all discovery and topic traffic
// flows through a relay daemon over a single WebSocket. It presents the
// same event surface as the P2P layer; peers are considered connected as
// long as the server reports them present, so Connect is a membership check
// rather than a dial.
type Relayed struct {
	cfg config.Config

	conn   *websocket.Conn
	connMu sync.Mutex // guards writes; gorilla allows one concurrent writer

	mu         sync.Mutex
	peerID     string
	peers      map[string]struct{}
	topicPeers map[string][]string
	closed     bool

	events chan Event
	done   chan struct{}
}

// NewRelayed creates an uninitialized relayed layer.
func NewRelayed(cfg config.Config) *Relayed {
	return &Relayed{
		cfg:        cfg,
		peers:      make(map[string]struct{}),
		topicPeers: make(map[string][]string),
		events:     make(chan Event, eventBufferSize),
		done:       make(chan struct{}),
	}
}

// Initialize dials the relay server and blocks until the welcome frame
// assigns a peer identity. Fails if the server is unreachable.
func (r *Relayed) Initialize(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, r.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("connect relay %s: %w", r.cfg.ServerURL, err)
	}

	var welcome relay.Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("relay welcome: %w", err)
	}
	if welcome.Type != relay.FrameWelcome || welcome.PeerID == "" {
		conn.Close()
		return fmt.Errorf("relay welcome: unexpected frame %q", welcome.Type)
	}

	r.conn = conn
	r.mu.Lock()
	r.peerID = welcome.PeerID
	r.mu.Unlock()

	// Everyone already on the relay counts as discovered and connected.
	for _, id := range welcome.Peers {
		r.trackPeer(id)
	}

	go r.readLoop()

	util.LogInfo("relayed layer up, peer id %s", util.ShortID(welcome.PeerID))
	return nil
}

// PeerID returns the server-assigned identity, empty before Initialize.
func (r *Relayed) PeerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerID
}

// Connect verifies the peer is present on the relay. There is nothing to
// dial: the server mediates all traffic.
func (r *Relayed) Connect(_ context.Context, p Peer) error {
	if !r.Alive(p.ID) {
		return fmt.Errorf("peer %s is not on the relay", util.ShortID(p.ID))
	}
	return nil
}

// Alive reports whether the relay still lists the peer as present.
func (r *Relayed) Alive(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[peerID]
	return ok
}

// Subscribe asks the server to include this peer in the topic's fan-out.
// Idempotent on the server side.
func (r *Relayed) Subscribe(topic string) error {
	return r.write(relay.Frame{Type: relay.FrameSubscribe, Topic: topic})
}

// Unsubscribe removes this peer from the topic's fan-out.
func (r *Relayed) Unsubscribe(topic string) error {
	r.mu.Lock()
	delete(r.topicPeers, topic)
	r.mu.Unlock()
	return r.write(relay.Frame{Type: relay.FrameUnsubscribe, Topic: topic})
}

// Publish sends data through the relay to the topic's subscribers.
func (r *Relayed) Publish(_ context.Context, topic string, data []byte) error {
	if err := r.write(relay.Frame{Type: relay.FramePublish, Topic: topic, Data: data}); err != nil {
		return err
	}
	util.Stats.AddPublished(len(data))
	return nil
}

// TopicPeers returns the last membership snapshot pushed by the server.
func (r *Relayed) TopicPeers(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.topicPeers[topic]))
	copy(out, r.topicPeers[topic])
	return out
}

// RefreshMesh is a no-op: the server pushes membership snapshots on every
// change, so the cache is as fresh as the relay knows.
func (r *Relayed) RefreshMesh(_ context.Context, topic string) error {
	util.LogDebug("relay topic %s: %d peers cached", topic, len(r.TopicPeers(topic)))
	return nil
}

// Events returns the transport event stream.
func (r *Relayed) Events() <-chan Event {
	return r.events
}

// Close drops the relay connection and closes the event stream.
func (r *Relayed) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	// Before Initialize there is no connection and no readLoop to wait for.
	var err error
	if r.conn != nil {
		err = r.conn.Close()
		<-r.done
	}
	close(r.events)
	return err
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (r *Relayed) write(f relay.Frame) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return fmt.Errorf("relayed layer not initialized")
	}
	if err := r.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("relay send %s: %w", f.Type, err)
	}
	return nil
}

func (r *Relayed) readLoop() {
	defer close(r.done)
	for {
		var f relay.Frame
		if err := r.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case relay.FramePeerJoined:
			r.trackPeer(f.PeerID)
		case relay.FramePeerLeft:
			r.mu.Lock()
			delete(r.peers, f.PeerID)
			r.mu.Unlock()
			util.Stats.RemovePeer()
			peer := Peer{ID: f.PeerID}
			r.emit(Event{Kind: ConnectionClosed, Peer: peer})
			r.emit(Event{Kind: PeerRemoved, Peer: peer})
		case relay.FrameTopicPeers:
			r.mu.Lock()
			r.topicPeers[f.Topic] = f.Peers
			r.mu.Unlock()
		case relay.FrameMessage:
			util.Stats.AddReceived(len(f.Data))
			r.emit(Event{Kind: Message, Topic: f.Topic, From: f.From, Data: f.Data})
		default:
			util.LogDebug("ignoring unknown relay frame %q", f.Type)
		}
	}
}

// trackPeer registers a peer and emits discovery + connection events.
// Relay presence implies reachability, so both fire together.
func (r *Relayed) trackPeer(id string) {
	r.mu.Lock()
	_, known := r.peers[id]
	r.peers[id] = struct{}{}
	r.mu.Unlock()
	if known {
		return
	}
	util.Stats.AddPeer()
	peer := Peer{ID: id}
	r.emit(Event{Kind: PeerDiscovered, Peer: peer})
	r.emit(Event{Kind: ConnectionOpened, Peer: peer})
}

func (r *Relayed) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		util.LogDebug("event buffer full, dropping %d event", ev.Kind)
	}
}
