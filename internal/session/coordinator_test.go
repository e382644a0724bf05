package session_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kaibanet/kaibanet/internal/comm"
	"github.com/kaibanet/kaibanet/internal/config"
	"github.com/kaibanet/kaibanet/internal/session"
)

// testConfig returns a config with delays shrunk so joins complete in
// milliseconds instead of tens of seconds.
func testConfig(network string) config.Config {
	cfg := config.Default()
	cfg.DiscoveryTopic = "test:" + network
	cfg.RetryAttempts = 3
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.MeshSettleDelay = 5 * time.Millisecond
	cfg.MeshPropagateDelay = 5 * time.Millisecond
	return cfg
}

// memFactory builds coordinators on a shared in-process network.
func memFactory(network string) session.LayerFactory {
	return func(mode comm.Mode, cfg config.Config) (comm.Layer, error) {
		if mode == comm.ModeOffline {
			return comm.NewOffline(), nil
		}
		return comm.NewMemory(network), nil
	}
}

func newTestCoordinator(t *testing.T, network string) *session.Coordinator {
	t.Helper()
	c := session.New(testConfig(network), session.WithLayerFactory(memFactory(network)))
	t.Cleanup(c.Cleanup)
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// nextNetwork gives each test an isolated in-process mesh.
var netCounter int

func nextNetwork(t *testing.T) string {
	netCounter++
	return fmt.Sprintf("%s-%d", t.Name(), netCounter)
}

func TestInitializeIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, nextNetwork(t))
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))
	id := c.PlayerID()
	require.NotEmpty(t, id)

	require.NoError(t, c.Initialize(ctx))
	require.Equal(t, id, c.PlayerID(), "second Initialize must not replace the identity")
}

func TestOperationsRequireInitialize(t *testing.T) {
	c := newTestCoordinator(t, nextNetwork(t))
	ctx := context.Background()

	_, err := c.CreateRoom(ctx)
	require.ErrorIs(t, err, session.ErrNotInitialized)
	require.ErrorIs(t, c.JoinRoom(ctx, "nobody"), session.ErrNotInitialized)
	require.ErrorIs(t, c.SendMessage(ctx, "nobody", "hi"), session.ErrNotInitialized)
	require.Empty(t, c.PlayerID())
}

// TestCreateRoomStartsDisconnected checks that hosting a room registers it
// under the host's own peer ID without marking it joined.
func TestCreateRoomStartsDisconnected(t *testing.T) {
	c := newTestCoordinator(t, nextNetwork(t))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	roomID, err := c.CreateRoom(ctx)
	require.NoError(t, err)
	require.Equal(t, c.PlayerID(), roomID)

	rooms := c.Rooms()
	require.Len(t, rooms, 1)
	require.Contains(t, rooms, roomID)
	require.False(t, rooms[roomID].Connected)
}

// TestJoinRoomDiscoveryTimeout checks that joining an unknown room fails
// only after the full retry budget has elapsed.
func TestJoinRoomDiscoveryTimeout(t *testing.T) {
	c := newTestCoordinator(t, nextNetwork(t))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	const attempts = 3
	const delay = 30 * time.Millisecond

	start := time.Now()
	err := c.JoinRoomRetry(ctx, "no-such-room", attempts, delay)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, session.ErrPeerDiscoveryTimeout)
	require.GreaterOrEqual(t, elapsed, attempts*delay,
		"join must keep polling for the whole retry budget before giving up")
}

// TestPeerLifecycle runs a peer through discovery, connection and departure,
// checking the peer map after each transition.
func TestPeerLifecycle(t *testing.T) {
	network := nextNetwork(t)
	ctx := context.Background()

	host := newTestCoordinator(t, network)
	guest := newTestCoordinator(t, network)
	require.NoError(t, host.Initialize(ctx))
	require.NoError(t, guest.Initialize(ctx))

	hostID := host.PlayerID()

	waitFor(t, func() bool {
		p, ok := guest.Players()[hostID]
		return ok && !p.Connected
	}, "host to be discovered but not connected")

	roomID, err := host.CreateRoom(ctx)
	require.NoError(t, err)
	require.NoError(t, guest.JoinRoom(ctx, roomID))

	waitFor(t, func() bool {
		return guest.Players()[hostID].Connected
	}, "host to be marked connected after join")

	host.Cleanup()

	waitFor(t, func() bool {
		_, ok := guest.Players()[hostID]
		return !ok
	}, "host to disappear from the peer map")
	waitFor(t, func() bool {
		_, ok := guest.Rooms()[roomID]
		return !ok
	}, "host's room to be withdrawn with it")
}

// TestRoomAnnouncement checks that a hosted room shows up for everyone on
// the discovery topic.
func TestRoomAnnouncement(t *testing.T) {
	network := nextNetwork(t)
	ctx := context.Background()

	host := newTestCoordinator(t, network)
	guest := newTestCoordinator(t, network)
	require.NoError(t, host.Initialize(ctx))
	require.NoError(t, guest.Initialize(ctx))

	roomID, err := host.CreateRoom(ctx)
	require.NoError(t, err)

	waitFor(t, func() bool {
		r, ok := guest.Rooms()[roomID]
		return ok && !r.Connected
	}, "room announcement to reach the guest")
}

// TestJoinAndExchangeMessages drives a full host/guest session: join
// announcement, chat, game state and duel commands.
func TestJoinAndExchangeMessages(t *testing.T) {
	network := nextNetwork(t)
	ctx := context.Background()

	host := newTestCoordinator(t, network)
	guest := newTestCoordinator(t, network)
	require.NoError(t, host.Initialize(ctx))
	require.NoError(t, guest.Initialize(ctx))

	hostEvents, cancelHost := host.Subscribe(64)
	defer cancelHost()
	guestEvents, cancelGuest := guest.Subscribe(64)
	defer cancelGuest()

	roomID, err := host.CreateRoom(ctx)
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, ok := guest.Rooms()[roomID]
		return ok
	}, "room announcement")
	require.NoError(t, guest.JoinRoom(ctx, roomID))

	rooms := guest.Rooms()
	require.True(t, rooms[roomID].Connected, "joined room must be marked connected")

	join := awaitEvent[session.PlayerJoined](t, hostEvents, "join announcement")
	require.Equal(t, guest.PlayerID(), join.PeerID)
	require.Equal(t, roomID, join.RoomID)

	require.NoError(t, guest.SendMessage(ctx, roomID, "It's time to duel!"))
	chat := awaitEvent[session.ChatReceived](t, hostEvents, "chat message")
	require.Equal(t, "It's time to duel!", chat.Text)
	require.Equal(t, guest.PlayerID(), chat.From)

	require.NoError(t, host.RefreshGameState(ctx, roomID, map[string]int{"turn": 2}))
	state := awaitEvent[session.StateRefreshed](t, guestEvents, "game state")
	require.JSONEq(t, `{"turn":2}`, string(state.State))

	require.NoError(t, host.ExecDuelCommand(ctx, roomID, map[string]string{"op": "draw"}))
	cmd := awaitEvent[session.CommandReceived](t, guestEvents, "duel command")
	require.JSONEq(t, `{"op":"draw"}`, string(cmd.Command))
}

// awaitEvent reads events until one of type T arrives.
func awaitEvent[T session.Event](t *testing.T, events <-chan session.Event, what string) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", what)
			}
			if typed, match := ev.(T); match {
				return typed
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// TestOfflineMode checks that the offline layer accepts every operation as
// a silent no-op.
func TestOfflineMode(t *testing.T) {
	network := nextNetwork(t)
	c := session.New(testConfig(network),
		session.WithLayerFactory(memFactory(network)),
		session.WithMode(comm.ModeOffline),
	)
	t.Cleanup(c.Cleanup)
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx))
	require.NotEmpty(t, c.PlayerID())

	events, cancel := c.Subscribe(16)
	defer cancel()

	roomID, err := c.CreateRoom(ctx)
	require.NoError(t, err)
	require.Equal(t, c.PlayerID(), roomID)
	require.NoError(t, c.SendMessage(ctx, roomID, "anyone there?"))
	require.NoError(t, c.RefreshGameState(ctx, roomID, map[string]int{"turn": 1}))

	require.Empty(t, c.Players(), "offline mode must never discover peers")
	require.Empty(t, c.Rooms(), "offline mode must never register rooms")

	// Offline is a silent sink: none of the calls above may surface as
	// peer or room events.
	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			switch ev.(type) {
			case session.PlayersUpdated, session.RoomsUpdated:
				t.Fatalf("offline mode emitted %T", ev)
			}
		default:
			return
		}
	}
}

// TestSwitchCommunication checks that a mode switch replaces the identity,
// clears peer state and announces the change.
func TestSwitchCommunication(t *testing.T) {
	network := nextNetwork(t)
	ctx := context.Background()

	a := newTestCoordinator(t, network)
	b := newTestCoordinator(t, network)
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))

	waitFor(t, func() bool {
		return len(a.Players()) == 1
	}, "peers to discover each other")

	events, cancel := a.Subscribe(16)
	defer cancel()
	oldID := a.PlayerID()

	require.NoError(t, a.SwitchCommunication(ctx, comm.ModeOffline, session.SwitchOptions{}))

	changed := awaitEvent[session.CommunicationChanged](t, events, "mode change event")
	require.Equal(t, comm.ModeOffline, changed.Mode)
	awaitEvent[session.OfflineActivated](t, events, "offline activation event")

	require.Equal(t, comm.ModeOffline, a.Mode())
	require.NotEqual(t, oldID, a.PlayerID(), "identity must not carry across modes")
	require.Empty(t, a.Players(), "peer state must not carry across modes")
	require.Empty(t, a.Rooms(), "room state must not carry across modes")

	// Hosting a room offline succeeds silently: no registration, no event.
	roomID, err := a.CreateRoom(ctx)
	require.NoError(t, err)
	require.Equal(t, a.PlayerID(), roomID)
	require.Empty(t, a.Rooms())

	time.Sleep(50 * time.Millisecond)
	for {
		select {
		case ev := <-events:
			if _, isRoom := ev.(session.RoomsUpdated); isRoom {
				t.Fatal("offline CreateRoom emitted a room event")
			}
		default:
			return
		}
	}
}

// TestSwitchToSameModeIsNoOp checks that re-selecting the active mode keeps
// the current identity and layer.
func TestSwitchToSameModeIsNoOp(t *testing.T) {
	network := nextNetwork(t)
	ctx := context.Background()

	c := newTestCoordinator(t, network)
	require.NoError(t, c.Initialize(ctx))
	id := c.PlayerID()

	require.NoError(t, c.SwitchCommunication(ctx, comm.ModeP2P, session.SwitchOptions{}))
	require.Equal(t, id, c.PlayerID())
}

// TestCleanupAndReinitialize checks that a coordinator can be torn down and
// brought back with a fresh identity and empty state.
func TestCleanupAndReinitialize(t *testing.T) {
	network := nextNetwork(t)
	ctx := context.Background()

	a := newTestCoordinator(t, network)
	b := newTestCoordinator(t, network)
	require.NoError(t, a.Initialize(ctx))
	require.NoError(t, b.Initialize(ctx))

	waitFor(t, func() bool {
		return len(a.Players()) == 1
	}, "peers to discover each other")

	firstID := a.PlayerID()
	a.Cleanup()
	require.Empty(t, a.PlayerID())
	require.Empty(t, a.Players())

	// Cleanup is idempotent.
	a.Cleanup()

	require.NoError(t, a.Initialize(ctx))
	require.NotEmpty(t, a.PlayerID())
	require.NotEqual(t, firstID, a.PlayerID())

	waitFor(t, func() bool {
		return len(a.Players()) == 1
	}, "rejoined coordinator to rediscover its peer")
}

// TestCleanupAbortsJoin checks that tearing the session down cancels a join
// that is still waiting for the host to appear.
func TestCleanupAbortsJoin(t *testing.T) {
	c := newTestCoordinator(t, nextNetwork(t))
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx))

	joinErr := make(chan error, 1)
	go func() {
		joinErr <- c.JoinRoomRetry(ctx, "no-such-room", 100, 50*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Cleanup()

	select {
	case err := <-joinErr:
		require.Error(t, err)
		require.False(t, errors.Is(err, session.ErrPeerDiscoveryTimeout),
			"join must be aborted by cleanup, not run out its retry budget")
	case <-time.After(2 * time.Second):
		t.Fatal("join did not return after cleanup")
	}
}
