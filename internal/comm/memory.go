package comm

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Layer for tests. Instances created with the same
// network name see each other: joining the network counts as discovery,
// Connect opens a symmetric connection, and Publish fans out synchronously
// to every subscriber of the topic (the publisher included, matching the
// self-delivery semantics of the production layers).
//
// A package-level registry maps network names to their member sets, so two
// coordinators in one test process can share a mesh without sockets.
type Memory struct {
	id      string
	network string

	mu        sync.Mutex
	subs      map[string]struct{}
	connected map[string]struct{}
	closed    bool
	started   bool

	events chan Event
}

type memNetwork struct {
	mu    sync.Mutex
	peers map[string]*Memory
}

var (
	memRegistryMu sync.Mutex
	memRegistry   = map[string]*memNetwork{}
	memNextID     int
)

func memNetworkFor(name string) *memNetwork {
	memRegistryMu.Lock()
	defer memRegistryMu.Unlock()
	n, ok := memRegistry[name]
	if !ok {
		n = &memNetwork{peers: make(map[string]*Memory)}
		memRegistry[name] = n
	}
	return n
}

// NewMemory creates a memory layer on the named network with a unique id.
func NewMemory(network string) *Memory {
	memRegistryMu.Lock()
	memNextID++
	id := fmt.Sprintf("mem-%d", memNextID)
	memRegistryMu.Unlock()

	return &Memory{
		id:        id,
		network:   network,
		subs:      make(map[string]struct{}),
		connected: make(map[string]struct{}),
		events:    make(chan Event, eventBufferSize),
	}
}

// Initialize joins the network: every existing member discovers this peer
// and vice versa.
func (m *Memory) Initialize(context.Context) error {
	net := memNetworkFor(m.network)

	net.mu.Lock()
	others := make([]*Memory, 0, len(net.peers))
	for _, p := range net.peers {
		others = append(others, p)
	}
	net.peers[m.id] = m
	net.mu.Unlock()

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	for _, other := range others {
		other.emit(Event{Kind: PeerDiscovered, Peer: Peer{ID: m.id}})
		m.emit(Event{Kind: PeerDiscovered, Peer: Peer{ID: other.id}})
	}
	return nil
}

func (m *Memory) PeerID() string { return m.id }

// Connect opens a symmetric connection to the target peer.
func (m *Memory) Connect(_ context.Context, p Peer) error {
	net := memNetworkFor(m.network)
	net.mu.Lock()
	other, ok := net.peers[p.ID]
	net.mu.Unlock()
	if !ok {
		return fmt.Errorf("memory network %s: no peer %s", m.network, p.ID)
	}

	m.mu.Lock()
	m.connected[p.ID] = struct{}{}
	m.mu.Unlock()
	other.mu.Lock()
	other.connected[m.id] = struct{}{}
	other.mu.Unlock()

	m.emit(Event{Kind: ConnectionOpened, Peer: Peer{ID: other.id}})
	other.emit(Event{Kind: ConnectionOpened, Peer: Peer{ID: m.id}})
	return nil
}

func (m *Memory) Alive(peerID string) bool {
	m.mu.Lock()
	_, conn := m.connected[peerID]
	m.mu.Unlock()
	if !conn {
		return false
	}
	net := memNetworkFor(m.network)
	net.mu.Lock()
	_, present := net.peers[peerID]
	net.mu.Unlock()
	return present
}

func (m *Memory) Subscribe(topic string) error {
	m.mu.Lock()
	m.subs[topic] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Unsubscribe(topic string) error {
	m.mu.Lock()
	delete(m.subs, topic)
	m.mu.Unlock()
	return nil
}

// Publish delivers data synchronously to every network member subscribed to
// the topic, the publisher included.
func (m *Memory) Publish(_ context.Context, topic string, data []byte) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("memory layer not initialized")
	}
	m.mu.Unlock()

	net := memNetworkFor(m.network)
	net.mu.Lock()
	targets := make([]*Memory, 0, len(net.peers))
	for _, p := range net.peers {
		targets = append(targets, p)
	}
	net.mu.Unlock()

	for _, t := range targets {
		t.mu.Lock()
		_, wants := t.subs[topic]
		t.mu.Unlock()
		if wants {
			t.emit(Event{Kind: Message, Topic: topic, From: m.id, Data: data})
		}
	}
	return nil
}

// TopicPeers lists the other network members subscribed to the topic.
func (m *Memory) TopicPeers(topic string) []string {
	net := memNetworkFor(m.network)
	net.mu.Lock()
	defer net.mu.Unlock()

	var out []string
	for id, p := range net.peers {
		if id == m.id {
			continue
		}
		p.mu.Lock()
		_, wants := p.subs[topic]
		p.mu.Unlock()
		if wants {
			out = append(out, id)
		}
	}
	return out
}

func (m *Memory) RefreshMesh(context.Context, string) error { return nil }

func (m *Memory) Events() <-chan Event { return m.events }

// Close leaves the network; remaining members observe a connection close
// (when one was open) followed by peer removal.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	net := memNetworkFor(m.network)
	net.mu.Lock()
	delete(net.peers, m.id)
	others := make([]*Memory, 0, len(net.peers))
	for _, p := range net.peers {
		others = append(others, p)
	}
	net.mu.Unlock()

	for _, other := range others {
		other.mu.Lock()
		_, wasConnected := other.connected[m.id]
		delete(other.connected, m.id)
		other.mu.Unlock()
		if wasConnected {
			other.emit(Event{Kind: ConnectionClosed, Peer: Peer{ID: m.id}})
		}
		other.emit(Event{Kind: PeerRemoved, Peer: Peer{ID: m.id}})
	}

	close(m.events)
	return nil
}

func (m *Memory) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
	}
}
