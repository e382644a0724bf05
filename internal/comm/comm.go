// Package comm defines the pluggable communication layer the session
// coordinator runs on, and its three production implementations: direct P2P
// (libp2p gossip mesh), relayed (server-mediated WebSocket) and offline
// (inert no-op sink). A fourth, in-memory implementation exists for tests.
//
// A Layer hides how peers are discovered and how topic messages travel;
// the coordinator only consumes the typed Event stream and issues
// Subscribe/Publish/Connect commands.
package comm

import (
	"context"
	"fmt"

	"github.com/kaibanet/kaibanet/internal/config"
)

// Mode selects the active communication strategy. Exactly one is active
// per coordinator at any time.
type Mode string

const (
	ModeP2P     Mode = "p2p"
	ModeRelayed Mode = "relayed"
	ModeOffline Mode = "offline"
)

// ParseMode converts a user-supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeP2P, ModeRelayed, ModeOffline:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown communication mode %q", s)
}

// Peer is a transport-level view of a remote participant: an opaque id plus
// the addresses it is reachable at (empty for relayed peers, where the
// server mediates all traffic).
type Peer struct {
	ID    string
	Addrs []string
}

// EventKind enumerates the transport events a Layer emits.
type EventKind uint8

const (
	// PeerDiscovered fires when a peer appears on the discovery topic.
	PeerDiscovered EventKind = iota + 1
	// ConnectionOpened fires when a direct connection to a peer is live.
	ConnectionOpened
	// ConnectionClosed fires when a direct connection to a peer is lost.
	ConnectionClosed
	// PeerRemoved fires when a peer announces its departure from the mesh.
	PeerRemoved
	// Message fires for every inbound topic message.
	Message
)

// Event is the closed union of transport notifications. Peer is set for the
// four peer-lifecycle kinds; Topic, From and Data are set for Message.
type Event struct {
	Kind  EventKind
	Peer  Peer
	Topic string
	From  string
	Data  []byte
}

// Layer is the capability set every communication mode provides. All
// blocking operations honour ctx. Implementations must make Subscribe
// idempotent: subscribing twice to the same topic is a no-op.
type Layer interface {
	// Initialize starts the layer: obtains a peer identity, joins the
	// discovery topic and begins emitting events. Fails if the underlying
	// transport cannot start; the caller decides whether to retry.
	Initialize(ctx context.Context) error

	// PeerID returns the local identity. Empty before Initialize.
	PeerID() string

	// Connect establishes a direct connection to the peer, trying its known
	// addresses in order with whatever fallback the transport owns.
	Connect(ctx context.Context, p Peer) error

	// Alive reports whether the connection to the peer is currently live.
	Alive(peerID string) bool

	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error

	// TopicPeers returns the peers currently meshed on the topic.
	TopicPeers(topic string) []string

	// RefreshMesh nudges the transport to repair the topic mesh. Best-effort;
	// layers whose mesh is self-maintaining may treat it as a probe.
	RefreshMesh(ctx context.Context, topic string) error

	// Events returns the stream of transport events. The channel is closed
	// by Close.
	Events() <-chan Event

	Close() error
}

// New is the factory keyed by mode name. The returned layer is not yet
// initialized.
func New(mode Mode, cfg config.Config) (Layer, error) {
	switch mode {
	case ModeP2P:
		return NewP2P(cfg), nil
	case ModeRelayed:
		if cfg.ServerURL == "" {
			return nil, fmt.Errorf("relayed mode requires a server URL")
		}
		return NewRelayed(cfg), nil
	case ModeOffline:
		return NewOffline(), nil
	}
	return nil, fmt.Errorf("unknown communication mode %q", mode)
}
