// Package session implements the game session coordinator. It owns the
// communication layer, tracks peers and rooms, runs the room join protocol
// and translates raw network traffic into typed application events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kaibanet/kaibanet/internal/comm"
	"github.com/kaibanet/kaibanet/internal/config"
	"github.com/kaibanet/kaibanet/internal/protocol"
	"github.com/kaibanet/kaibanet/internal/util"
	"github.com/kaibanet/kaibanet/internal/voice"
)

var (
	// ErrNotInitialized is returned by operations invoked before Initialize.
	ErrNotInitialized = errors.New("session: not initialized")
	// ErrPeerDiscoveryTimeout means the room host never appeared in the
	// peer map within the retry budget.
	ErrPeerDiscoveryTimeout = errors.New("session: peer discovery timeout")
	// ErrConnectionFailed wraps a failed dial to the room host.
	ErrConnectionFailed = errors.New("session: connection to host failed")
	// ErrSubscriptionFailed wraps a failed topic subscription.
	ErrSubscriptionFailed = errors.New("session: topic subscription failed")
	// ErrConnectionLost means the host connection dropped mid-join.
	ErrConnectionLost = errors.New("session: connection to host lost")
)

// Peer is the coordinator's view of a remote participant.
type Peer struct {
	ID        string
	Addrs     []string
	Connected bool
}

// Room is an announced game room. The room ID is the host's peer ID.
// Connected reports whether the local player has joined the room, so a
// freshly created own room starts out not connected.
type Room struct {
	ID        string
	Connected bool
}

// LayerFactory builds a communication layer for a mode. Tests substitute
// comm.NewMemory-backed factories here.
type LayerFactory func(mode comm.Mode, cfg config.Config) (comm.Layer, error)

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLayerFactory overrides how communication layers are built.
func WithLayerFactory(f LayerFactory) Option {
	return func(c *Coordinator) { c.factory = f }
}

// WithMode sets the initial communication mode. The default is ModeP2P.
func WithMode(m comm.Mode) Option {
	return func(c *Coordinator) { c.mode = m }
}

// WithVoiceDevice overrides the audio device used by voice chat.
func WithVoiceDevice(d voice.Device) Option {
	return func(c *Coordinator) { c.voiceDevice = d }
}

// Coordinator is the single entry point the application talks to. All
// lifecycle operations are serialized; getters and message handling only
// take the state lock, so they stay responsive during a long join.
type Coordinator struct {
	cfg         config.Config
	factory     LayerFactory
	mode        comm.Mode
	voiceDevice voice.Device
	bus         *Bus

	// opMu serializes Initialize, Cleanup, room operations and mode
	// switches against each other. mu guards the fields below.
	opMu sync.Mutex
	mu   sync.Mutex

	initialized bool
	layer       comm.Layer
	playerID    string
	players     map[string]*Peer
	rooms       map[string]*Room

	voiceCh       *voice.Channel
	voiceTopic    string
	micMuted      bool
	playbackMuted bool

	runCancel context.CancelFunc
	runCtx    context.Context
	loopDone  chan struct{}
}

// New creates a coordinator in the idle state.
func New(cfg config.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		factory:     comm.New,
		mode:        comm.ModeP2P,
		voiceDevice: voice.PortAudio{},
		bus:         NewBus(),
		players:     make(map[string]*Peer),
		rooms:       make(map[string]*Room),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe attaches an event consumer. See Bus.Subscribe.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.bus.Subscribe(buffer)
}

// Initialize brings up the communication layer and joins the discovery
// topic. Calling it on an initialized coordinator is a no-op.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	mode := c.mode
	c.mu.Unlock()

	layer, err := c.factory(mode, c.cfg)
	if err != nil {
		return err
	}
	if err := layer.Initialize(ctx); err != nil {
		return err
	}
	if err := layer.Subscribe(c.cfg.DiscoveryTopic); err != nil {
		layer.Close()
		return fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, c.cfg.DiscoveryTopic, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.layer = layer
	c.playerID = layer.PeerID()
	c.initialized = true
	c.runCtx = runCtx
	c.runCancel = cancel
	c.loopDone = done
	c.mu.Unlock()

	go c.eventLoop(layer, done)
	util.LogSuccess("session up in %s mode as %s", mode, util.ShortID(layer.PeerID()))
	return nil
}

// Cleanup tears everything down: voice, the communication layer, and all
// peer and room state. The coordinator can be initialized again afterwards.
// Calling it on an idle coordinator is a no-op.
func (c *Coordinator) Cleanup() {
	// Abort any in-flight join before queueing behind it.
	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
	}
	c.mu.Unlock()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.teardownLocked()
}

// teardownLocked assumes opMu is held.
func (c *Coordinator) teardownLocked() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	layer := c.layer
	cancel := c.runCancel
	done := c.loopDone
	voiceCh := c.voiceCh
	c.voiceCh = nil
	c.voiceTopic = ""
	c.mu.Unlock()

	if voiceCh != nil {
		voiceCh.Stop()
	}
	cancel()
	layer.Close()
	<-done

	c.mu.Lock()
	c.layer = nil
	c.playerID = ""
	c.players = make(map[string]*Peer)
	c.rooms = make(map[string]*Room)
	c.runCtx = nil
	c.runCancel = nil
	c.loopDone = nil
	c.mu.Unlock()
}

// PlayerID returns the local peer ID, or "" before Initialize.
func (c *Coordinator) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// Mode returns the active communication mode.
func (c *Coordinator) Mode() comm.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Players returns a snapshot of the known peers keyed by peer ID.
func (c *Coordinator) Players() map[string]Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playersSnapshotLocked()
}

// Rooms returns a snapshot of the known rooms keyed by room ID.
func (c *Coordinator) Rooms() map[string]Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomsSnapshotLocked()
}

func (c *Coordinator) playersSnapshotLocked() map[string]Peer {
	out := make(map[string]Peer, len(c.players))
	for id, p := range c.players {
		cp := *p
		cp.Addrs = append([]string(nil), p.Addrs...)
		out[id] = cp
	}
	return out
}

func (c *Coordinator) roomsSnapshotLocked() map[string]Room {
	out := make(map[string]Room, len(c.rooms))
	for id, r := range c.rooms {
		out[id] = *r
	}
	return out
}

// CreateRoom opens a room hosted by the local player. The room ID is the
// local peer ID; the room is announced on the discovery topic so every
// other participant learns about it. The host's own room record stays not
// connected until remote players can actually reach it. Offline there is
// nobody to host for: the call succeeds but registers and announces
// nothing.
func (c *Coordinator) CreateRoom(ctx context.Context) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return "", ErrNotInitialized
	}
	layer := c.layer
	roomID := c.playerID
	if c.mode == comm.ModeOffline {
		c.mu.Unlock()
		util.LogDebug("offline mode, room %s not announced", util.ShortID(roomID))
		return roomID, nil
	}
	if _, ok := c.rooms[roomID]; !ok {
		c.rooms[roomID] = &Room{ID: roomID}
	}
	rooms := c.roomsSnapshotLocked()
	c.mu.Unlock()

	if err := layer.Subscribe(roomID); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, roomID, err)
	}
	if err := layer.Publish(ctx, c.cfg.DiscoveryTopic, protocol.EncodeText(protocol.KindRoomCreate, roomID)); err != nil {
		return "", err
	}

	c.bus.Publish(RoomsUpdated{Rooms: rooms})
	util.LogInfo("hosting room %s", util.ShortID(roomID))
	return roomID, nil
}

// JoinRoom joins a remote room using the configured retry budget.
func (c *Coordinator) JoinRoom(ctx context.Context, roomID string) error {
	return c.JoinRoomRetry(ctx, roomID, c.cfg.RetryAttempts, c.cfg.RetryDelay)
}

// JoinRoomRetry joins a remote room, waiting for the host to show up in
// peer discovery for at most attempts polls spaced delay apart. The join
// runs through connect, mesh settling, subscription and a liveness check
// before the arrival announcement goes out on the room topic.
func (c *Coordinator) JoinRoomRetry(ctx context.Context, roomID string, attempts int, delay time.Duration) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	layer := c.layer
	playerID := c.playerID
	runCtx := c.runCtx
	c.mu.Unlock()

	host, found := c.lookupPeer(roomID)
	for i := 0; i < attempts && !found; i++ {
		util.LogDebug("waiting for host %s (%d/%d)", util.ShortID(roomID), i+1, attempts)
		if err := sleepCtx(ctx, runCtx, delay); err != nil {
			return err
		}
		host, found = c.lookupPeer(roomID)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrPeerDiscoveryTimeout, util.ShortID(roomID))
	}

	if err := layer.Connect(ctx, comm.Peer{ID: host.ID, Addrs: host.Addrs}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// Give the gossip mesh time to pick up the new link before we lean
	// on it.
	if err := sleepCtx(ctx, runCtx, c.cfg.MeshSettleDelay); err != nil {
		return err
	}
	if !layer.Alive(roomID) {
		return fmt.Errorf("%w: %s", ErrConnectionLost, util.ShortID(roomID))
	}

	if err := layer.Subscribe(roomID); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, roomID, err)
	}

	if err := layer.RefreshMesh(ctx, roomID); err != nil {
		util.LogDebug("mesh refresh: %v", err)
	}
	if err := sleepCtx(ctx, runCtx, c.cfg.MeshPropagateDelay); err != nil {
		return err
	}
	if len(layer.TopicPeers(roomID)) == 0 {
		// The host has not shown up in the topic mesh yet. One more
		// propagation round before we declare the room reachable.
		if err := layer.RefreshMesh(ctx, roomID); err != nil {
			util.LogDebug("mesh refresh: %v", err)
		}
		if err := sleepCtx(ctx, runCtx, c.cfg.MeshPropagateDelay); err != nil {
			return err
		}
	}
	if !layer.Alive(roomID) {
		return fmt.Errorf("%w: %s", ErrConnectionLost, util.ShortID(roomID))
	}

	if err := layer.Publish(ctx, roomID, protocol.EncodeText(protocol.KindPlayerJoin, playerID)); err != nil {
		return err
	}

	c.mu.Lock()
	room, ok := c.rooms[roomID]
	if !ok {
		room = &Room{ID: roomID}
		c.rooms[roomID] = room
	}
	room.Connected = true
	rooms := c.roomsSnapshotLocked()
	c.mu.Unlock()

	c.bus.Publish(RoomsUpdated{Rooms: rooms})
	util.LogSuccess("joined room %s", util.ShortID(roomID))
	return nil
}

// lookupPeer returns a snapshot of the peer record for id.
func (c *Coordinator) lookupPeer(id string) (Peer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.players[id]
	if !ok {
		return Peer{}, false
	}
	cp := *p
	cp.Addrs = append([]string(nil), p.Addrs...)
	return cp, true
}

// SwitchOptions carries per-switch config overrides.
type SwitchOptions struct {
	BootstrapNode  string
	DiscoveryTopic string
	ServerURL      string
}

// SwitchCommunication tears the current layer down and brings up a new one
// in the requested mode. Peer and room state does not carry across modes.
// If the new layer fails to come up the coordinator is left idle and the
// error is returned; there is no rollback to the previous mode.
func (c *Coordinator) SwitchCommunication(ctx context.Context, mode comm.Mode, opts SwitchOptions) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if mode == c.mode && c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.teardownLocked()

	if opts.BootstrapNode != "" {
		c.cfg.BootstrapNode = opts.BootstrapNode
	}
	if opts.DiscoveryTopic != "" {
		c.cfg.DiscoveryTopic = opts.DiscoveryTopic
	}
	if opts.ServerURL != "" {
		c.cfg.ServerURL = opts.ServerURL
	}

	layer, err := c.factory(mode, c.cfg)
	if err != nil {
		return err
	}
	if err := layer.Initialize(ctx); err != nil {
		return err
	}
	if err := layer.Subscribe(c.cfg.DiscoveryTopic); err != nil {
		layer.Close()
		return fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, c.cfg.DiscoveryTopic, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.mode = mode
	c.layer = layer
	c.playerID = layer.PeerID()
	c.initialized = true
	c.runCtx = runCtx
	c.runCancel = cancel
	c.loopDone = done
	c.mu.Unlock()

	go c.eventLoop(layer, done)

	c.bus.Publish(CommunicationChanged{Mode: mode})
	if mode == comm.ModeOffline {
		c.bus.Publish(OfflineActivated{})
	}
	util.LogSuccess("switched to %s mode as %s", mode, util.ShortID(layer.PeerID()))
	return nil
}

// SendMessage publishes a chat line on a room topic.
func (c *Coordinator) SendMessage(ctx context.Context, roomID, text string) error {
	layer, err := c.activeLayer()
	if err != nil {
		return err
	}
	return layer.Publish(ctx, roomID, protocol.EncodeText(protocol.KindChat, text))
}

// RefreshGameState broadcasts a full game-state snapshot to a room.
func (c *Coordinator) RefreshGameState(ctx context.Context, roomID string, state any) error {
	layer, err := c.activeLayer()
	if err != nil {
		return err
	}
	payload, err := protocol.EncodeJSON(protocol.KindRefreshState, state)
	if err != nil {
		return err
	}
	return layer.Publish(ctx, roomID, payload)
}

// ExecDuelCommand broadcasts a duel command to a room.
func (c *Coordinator) ExecDuelCommand(ctx context.Context, roomID string, cmd any) error {
	layer, err := c.activeLayer()
	if err != nil {
		return err
	}
	payload, err := protocol.EncodeJSON(protocol.KindCommandExec, cmd)
	if err != nil {
		return err
	}
	return layer.Publish(ctx, roomID, payload)
}

func (c *Coordinator) activeLayer() (comm.Layer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return nil, ErrNotInitialized
	}
	return c.layer, nil
}

// StartVoiceChat opens the audio channel for a room. Any previous channel
// is stopped first, so the active channel always belongs to exactly one
// room.
func (c *Coordinator) StartVoiceChat(ctx context.Context, roomID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	layer := c.layer
	playerID := c.playerID
	runCtx := c.runCtx
	old := c.voiceCh
	oldTopic := c.voiceTopic
	micMuted := c.micMuted
	playbackMuted := c.playbackMuted
	c.mu.Unlock()

	if old != nil {
		old.Stop()
		if oldTopic != "" {
			layer.Unsubscribe(oldTopic)
		}
	}

	topic := protocol.VoiceTopic(roomID)
	if err := layer.Subscribe(topic); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscriptionFailed, topic, err)
	}

	ch := voice.New(playerID, layer, c.voiceDevice,
		func(s voice.State) { c.bus.Publish(AudioStateChanged{State: s}) },
		func(err error) { c.bus.Publish(AudioError{Err: err}) },
	)
	ch.SetMicMuted(micMuted)
	ch.SetPlaybackMuted(playbackMuted)
	if err := ch.Start(runCtx, roomID); err != nil {
		layer.Unsubscribe(topic)
		return err
	}

	c.mu.Lock()
	c.voiceCh = ch
	c.voiceTopic = topic
	c.mu.Unlock()
	return nil
}

// StopVoiceChat closes the audio channel and leaves the voice topic.
func (c *Coordinator) StopVoiceChat() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	ch := c.voiceCh
	topic := c.voiceTopic
	layer := c.layer
	c.voiceCh = nil
	c.voiceTopic = ""
	c.mu.Unlock()

	if ch == nil {
		return
	}
	ch.Stop()
	if layer != nil && topic != "" {
		layer.Unsubscribe(topic)
	}
}

// SetMicMuted mutes or unmutes the microphone. The setting persists across
// voice channel restarts.
func (c *Coordinator) SetMicMuted(muted bool) {
	c.mu.Lock()
	c.micMuted = muted
	ch := c.voiceCh
	c.mu.Unlock()
	if ch != nil {
		ch.SetMicMuted(muted)
	}
}

// SetPlaybackMuted mutes or unmutes inbound audio.
func (c *Coordinator) SetPlaybackMuted(muted bool) {
	c.mu.Lock()
	c.playbackMuted = muted
	ch := c.voiceCh
	c.mu.Unlock()
	if ch != nil {
		ch.SetPlaybackMuted(muted)
	}
}

// eventLoop drains the layer's event stream until the layer closes it.
func (c *Coordinator) eventLoop(layer comm.Layer, done chan struct{}) {
	defer close(done)
	for ev := range layer.Events() {
		switch ev.Kind {
		case comm.PeerDiscovered:
			c.upsertPeer(ev.Peer)
		case comm.ConnectionOpened:
			c.setPeerConnected(ev.Peer, true)
		case comm.ConnectionClosed:
			c.setPeerConnected(ev.Peer, false)
		case comm.PeerRemoved:
			c.removePeer(ev.Peer.ID)
		case comm.Message:
			c.handleMessage(ev)
		}
	}
}

func (c *Coordinator) upsertPeer(p comm.Peer) {
	c.mu.Lock()
	if p.ID == c.playerID {
		c.mu.Unlock()
		return
	}
	existing, ok := c.players[p.ID]
	if ok {
		// Already known; refresh addresses without announcing anything.
		if len(p.Addrs) > 0 {
			existing.Addrs = append([]string(nil), p.Addrs...)
		}
		c.mu.Unlock()
		return
	}
	c.players[p.ID] = &Peer{ID: p.ID, Addrs: append([]string(nil), p.Addrs...)}
	players := c.playersSnapshotLocked()
	c.mu.Unlock()

	util.LogInfo("discovered peer %s", util.ShortID(p.ID))
	c.bus.Publish(PlayersUpdated{Players: players})
}

func (c *Coordinator) setPeerConnected(p comm.Peer, connected bool) {
	c.mu.Lock()
	if p.ID == c.playerID {
		c.mu.Unlock()
		return
	}
	peer, ok := c.players[p.ID]
	if !ok {
		// A connection can land before discovery does.
		peer = &Peer{ID: p.ID, Addrs: append([]string(nil), p.Addrs...)}
		c.players[p.ID] = peer
	}
	if peer.Connected == connected {
		c.mu.Unlock()
		return
	}
	peer.Connected = connected
	players := c.playersSnapshotLocked()
	c.mu.Unlock()

	c.bus.Publish(PlayersUpdated{Players: players})
}

func (c *Coordinator) removePeer(id string) {
	c.mu.Lock()
	if _, ok := c.players[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.players, id)
	players := c.playersSnapshotLocked()

	// A room lives and dies with its host.
	var rooms map[string]Room
	if _, hosted := c.rooms[id]; hosted {
		delete(c.rooms, id)
		rooms = c.roomsSnapshotLocked()
	}
	c.mu.Unlock()

	util.LogInfo("peer %s left", util.ShortID(id))
	c.bus.Publish(PlayersUpdated{Players: players})
	if rooms != nil {
		c.bus.Publish(RoomsUpdated{Rooms: rooms})
	}
}

func (c *Coordinator) handleMessage(ev comm.Event) {
	c.mu.Lock()
	voiceCh := c.voiceCh
	voiceTopic := c.voiceTopic
	playerID := c.playerID
	c.mu.Unlock()

	if voiceCh != nil && ev.Topic == voiceTopic {
		voiceCh.HandleMessage(ev.Data)
		return
	}

	env, err := protocol.Decode(ev.Data)
	if err != nil {
		util.LogDebug("dropping malformed message on %s: %v", ev.Topic, err)
		return
	}
	if !env.Kind.Known() {
		util.LogDebug("dropping message of unknown kind %q on %s", env.Kind, ev.Topic)
		return
	}

	switch env.Kind {
	case protocol.KindRoomCreate:
		c.addRoom(env.Text())
	case protocol.KindChat:
		if ev.From == playerID {
			return
		}
		c.bus.Publish(ChatReceived{RoomID: ev.Topic, From: ev.From, Text: env.Text()})
	case protocol.KindPlayerJoin:
		if env.Text() == playerID {
			return
		}
		c.bus.Publish(PlayerJoined{RoomID: ev.Topic, PeerID: env.Text()})
	case protocol.KindRefreshState:
		if ev.From == playerID {
			return
		}
		c.bus.Publish(StateRefreshed{RoomID: ev.Topic, From: ev.From, State: env.Payload})
	case protocol.KindCommandExec:
		if ev.From == playerID {
			return
		}
		c.bus.Publish(CommandReceived{RoomID: ev.Topic, From: ev.From, Command: env.Payload})
	}
}

func (c *Coordinator) addRoom(roomID string) {
	c.mu.Lock()
	if roomID == "" {
		c.mu.Unlock()
		return
	}
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return
	}
	c.rooms[roomID] = &Room{ID: roomID}
	rooms := c.roomsSnapshotLocked()
	c.mu.Unlock()

	util.LogInfo("room announced by %s", util.ShortID(roomID))
	c.bus.Publish(RoomsUpdated{Rooms: rooms})
}

// sleepCtx sleeps for d unless either context ends first. runCtx dies on
// Cleanup, which aborts an in-flight join instead of leaving it sleeping
// against a closed layer.
func sleepCtx(ctx, runCtx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return ErrNotInitialized
	}
}
