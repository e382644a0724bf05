package comm

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Offline is the local no-op layer: it emits no peer events and accepts all
// operations silently, so the rest of the application degrades gracefully to
// zero peers and zero rooms without special-casing.
type Offline struct {
	peerID string

	mu     sync.Mutex
	closed bool
	events chan Event
}

// NewOffline creates an offline layer with a synthetic local identity.
func NewOffline() *Offline {
	return &Offline{
		peerID: "offline-" + uuid.NewString(),
		events: make(chan Event),
	}
}

func (o *Offline) Initialize(context.Context) error { return nil }

func (o *Offline) PeerID() string { return o.peerID }

// Connect never succeeds offline, but per the degrade-gracefully contract it
// never errors either: there are simply no peers to reach.
func (o *Offline) Connect(context.Context, Peer) error { return nil }

func (o *Offline) Alive(string) bool { return false }

func (o *Offline) Subscribe(string) error   { return nil }
func (o *Offline) Unsubscribe(string) error { return nil }

func (o *Offline) Publish(context.Context, string, []byte) error { return nil }

func (o *Offline) TopicPeers(string) []string { return nil }

func (o *Offline) RefreshMesh(context.Context, string) error { return nil }

// Events returns a stream that never delivers; it is closed by Close.
func (o *Offline) Events() <-chan Event { return o.events }

func (o *Offline) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
	return nil
}
