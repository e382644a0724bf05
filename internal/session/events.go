package session

import (
	"encoding/json"
	"sync"

	"github.com/kaibanet/kaibanet/internal/comm"
	"github.com/kaibanet/kaibanet/internal/voice"
)

// Event is the closed union of application events the coordinator emits.
// Consumers switch on the concrete type; there are no string event names.
type Event interface {
	event()
}

// PlayersUpdated carries a snapshot of the peer map after any change.
type PlayersUpdated struct {
	Players map[string]Peer
}

// RoomsUpdated carries a snapshot of the room map after any change.
type RoomsUpdated struct {
	Rooms map[string]Room
}

// CommunicationChanged fires after a completed mode switch.
type CommunicationChanged struct {
	Mode comm.Mode
}

// OfflineActivated fires when the offline layer becomes active.
type OfflineActivated struct{}

// ChatReceived is a chat line received on a room topic.
type ChatReceived struct {
	RoomID string
	From   string
	Text   string
}

// StateRefreshed is a full game-state snapshot received on a room topic.
type StateRefreshed struct {
	RoomID string
	From   string
	State  json.RawMessage
}

// PlayerJoined is a peer's arrival announcement on a room topic.
type PlayerJoined struct {
	RoomID string
	PeerID string
}

// CommandReceived is a duel command received on a room topic.
type CommandReceived struct {
	RoomID  string
	From    string
	Command json.RawMessage
}

// AudioStateChanged reports voice channel lifecycle transitions.
type AudioStateChanged struct {
	State voice.State
}

// AudioError reports a voice capture/playback failure.
type AudioError struct {
	Err error
}

func (PlayersUpdated) event()       {}
func (RoomsUpdated) event()         {}
func (CommunicationChanged) event() {}
func (OfflineActivated) event()     {}
func (ChatReceived) event()         {}
func (StateRefreshed) event()       {}
func (PlayerJoined) event()         {}
func (CommandReceived) event()      {}
func (AudioStateChanged) event()    {}
func (AudioError) event()           {}

// Bus fans coordinator events out to any number of subscribers. Each
// subscriber gets its own buffered channel; a subscriber that stops reading
// loses events rather than stalling the coordinator.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a consumer. The returned cancel function detaches it
// and closes its channel; calling cancel twice is safe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber, dropping it for full buffers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
