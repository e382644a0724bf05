// Package relay implements the server-mediated fallback path: a WebSocket
// endpoint that assigns peer identities, tracks topic subscriptions and fans
// published messages out to subscribers. The relayed communication layer is
// its client; both sides speak the JSON frame protocol defined here.
package relay

// FrameType identifies the kind of relay frame.
type FrameType string

const (
	// Server → client.
	FrameWelcome    FrameType = "welcome"     // assigned peer id + currently connected peers
	FrameMessage    FrameType = "message"     // topic message fan-out
	FramePeerJoined FrameType = "peer:joined" // a peer connected to the relay
	FramePeerLeft   FrameType = "peer:left"   // a peer disconnected from the relay
	FrameTopicPeers FrameType = "topic:peers" // membership snapshot after a change

	// Client → server.
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePublish     FrameType = "publish"
)

// Frame is the JSON structure exchanged over the relay WebSocket.
// Data is raw topic payload (base64 on the wire via encoding/json).
type Frame struct {
	Type   FrameType `json:"type"`
	PeerID string    `json:"peer_id,omitempty"` // welcome: assigned id; peer:joined/left: subject
	Topic  string    `json:"topic,omitempty"`
	From   string    `json:"from,omitempty"` // message: original publisher; server re-assigns
	Data   []byte    `json:"data,omitempty"`
	Peers  []string  `json:"peers,omitempty"` // welcome / topic:peers
}
