package comm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/kaibanet/kaibanet/internal/config"
	"github.com/kaibanet/kaibanet/internal/util"
)

const (
	eventBufferSize = 256
	mdnsServiceName = "kaibanet"
)

// P2P is the direct peer-to-peer layer: a libp2p host plus a gossipsub
// router. Peer discovery rides on the shared discovery topic — a peer is
// "discovered" when gossipsub reports it joined that topic's mesh, and
// "removed" when it leaves. Direct connection state comes from the host's
// network notifications.
type P2P struct {
	cfg config.Config

	host host.Host
	ps   *pubsub.PubSub
	mdns mdns.Service

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	notifiee *network.NotifyBundle

	mu     sync.Mutex
	topics map[string]*topicHandle
	closed bool

	events chan Event
}

// topicHandle pairs a joined gossipsub topic with its (optional) local
// subscription and reader goroutine.
type topicHandle struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// NewP2P creates an uninitialized P2P layer.
func NewP2P(cfg config.Config) *P2P {
	return &P2P{
		cfg:    cfg,
		topics: make(map[string]*topicHandle),
		events: make(chan Event, eventBufferSize),
	}
}

// Initialize starts the libp2p host, connects the bootstrap node (if
// configured), creates the gossipsub router and begins monitoring the
// discovery topic for peer arrivals and departures.
func (p *P2P) Initialize(ctx context.Context) error {
	h, err := libp2p.New(libp2p.ListenAddrStrings(p.cfg.ListenAddrs...))
	if err != nil {
		return fmt.Errorf("create host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.host = h
	p.runCtx = runCtx
	p.cancel = cancel

	if p.cfg.BootstrapNode != "" {
		if err := p.connectBootstrap(ctx); err != nil {
			cancel()
			h.Close()
			return err
		}
	}

	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return fmt.Errorf("create gossipsub: %w", err)
	}
	p.ps = ps

	// Direct connection state → connection:open / connection:close.
	p.notifiee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			p.emit(Event{Kind: ConnectionOpened, Peer: p.peerInfo(c.RemotePeer())})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			p.emit(Event{Kind: ConnectionClosed, Peer: p.peerInfo(c.RemotePeer())})
		},
	}
	h.Network().Notify(p.notifiee)

	if p.cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, mdnsServiceName, &mdnsNotifee{p: p})
		if err := svc.Start(); err != nil {
			util.LogWarning("mdns start failed: %v", err)
		} else {
			p.mdns = svc
		}
	}

	// Join the discovery topic and watch its mesh membership.
	handle, err := p.join(p.cfg.DiscoveryTopic)
	if err != nil {
		p.teardown()
		return fmt.Errorf("join discovery topic: %w", err)
	}
	th, err := handle.topic.EventHandler()
	if err != nil {
		p.teardown()
		return fmt.Errorf("discovery topic events: %w", err)
	}
	p.wg.Add(1)
	go p.monitorDiscovery(th)

	util.LogInfo("p2p layer up, peer id %s", util.ShortID(h.ID().String()))
	return nil
}

func (p *P2P) connectBootstrap(ctx context.Context) error {
	maddr, err := ma.NewMultiaddr(p.cfg.BootstrapNode)
	if err != nil {
		return fmt.Errorf("bootstrap node address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("bootstrap node address: %w", err)
	}
	if err := p.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect bootstrap node: %w", err)
	}
	return nil
}

// PeerID returns the host identity, empty before Initialize.
func (p *P2P) PeerID() string {
	if p.host == nil {
		return ""
	}
	return p.host.ID().String()
}

// Connect dials the peer, trying its known addresses first and falling back
// to whatever the peerstore has learned. Address/transport fallback order is
// owned by libp2p.
func (p *P2P) Connect(ctx context.Context, target Peer) error {
	pid, err := peer.Decode(target.ID)
	if err != nil {
		return fmt.Errorf("peer id %q: %w", target.ID, err)
	}

	var addrs []ma.Multiaddr
	for _, s := range target.Addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			util.LogDebug("skipping bad address %q for %s: %v", s, util.ShortID(target.ID), err)
			continue
		}
		addrs = append(addrs, maddr)
	}
	if len(addrs) > 0 {
		p.host.Peerstore().AddAddrs(pid, addrs, peerstore.TempAddrTTL)
	} else {
		addrs = p.host.Peerstore().Addrs(pid)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no known addresses for peer %s", target.ID)
	}

	if err := p.host.Connect(ctx, peer.AddrInfo{ID: pid, Addrs: addrs}); err != nil {
		return fmt.Errorf("connect %s: %w", util.ShortID(target.ID), err)
	}
	return nil
}

// Alive reports whether a direct connection to the peer is currently open.
func (p *P2P) Alive(peerID string) bool {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return false
	}
	return p.host.Network().Connectedness(pid) == network.Connected
}

// Subscribe joins the topic (if not already joined) and starts delivering
// its messages as events. Idempotent.
func (p *P2P) Subscribe(topic string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handle, ok := p.topics[topic]
	if !ok {
		var err error
		handle, err = p.joinLocked(topic)
		if err != nil {
			return err
		}
	}
	if handle.sub != nil {
		return nil
	}

	sub, err := handle.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	subCtx, cancel := context.WithCancel(p.runCtx)
	handle.sub = sub
	handle.cancel = cancel

	p.wg.Add(1)
	go p.readTopic(subCtx, topic, sub)
	return nil
}

// Unsubscribe stops delivery for the topic. Idempotent.
func (p *P2P) Unsubscribe(topic string) error {
	p.mu.Lock()
	handle, ok := p.topics[topic]
	if !ok || handle.sub == nil {
		p.mu.Unlock()
		return nil
	}
	sub, cancel := handle.sub, handle.cancel
	handle.sub = nil
	handle.cancel = nil
	p.mu.Unlock()

	cancel()
	sub.Cancel()
	return nil
}

// Publish sends data on the topic, joining it first when necessary.
func (p *P2P) Publish(ctx context.Context, topic string, data []byte) error {
	handle, err := p.join(topic)
	if err != nil {
		return err
	}
	if err := handle.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	util.Stats.AddPublished(len(data))
	return nil
}

// TopicPeers returns the peers gossipsub currently meshes with on the topic.
func (p *P2P) TopicPeers(topic string) []string {
	ids := p.ps.ListPeers(topic)
	out := make([]string, len(ids))
	for i, pid := range ids {
		out[i] = pid.String()
	}
	return out
}

// RefreshMesh probes the topic mesh. Gossipsub repairs its mesh on its own
// heartbeat, so there is nothing to force; the probe exists to give the
// join protocol a readiness signal and a log trail.
func (p *P2P) RefreshMesh(_ context.Context, topic string) error {
	util.LogDebug("mesh probe %s: %d peers", topic, len(p.TopicPeers(topic)))
	return nil
}

// Events returns the transport event stream.
func (p *P2P) Events() <-chan Event {
	return p.events
}

// Close tears the layer down: cancels all readers, leaves all topics and
// shuts the host. The event channel is closed once all emitters stopped.
func (p *P2P) Close() error {
	return p.teardown()
}

func (p *P2P) teardown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	topics := p.topics
	p.topics = make(map[string]*topicHandle)
	p.mu.Unlock()

	if p.notifiee != nil {
		p.host.Network().StopNotify(p.notifiee)
	}
	p.cancel()

	for name, handle := range topics {
		if handle.sub != nil {
			handle.cancel()
			handle.sub.Cancel()
		}
		if err := handle.topic.Close(); err != nil {
			util.LogDebug("close topic %s: %v", name, err)
		}
	}
	if p.mdns != nil {
		_ = p.mdns.Close()
	}

	err := p.host.Close()
	p.wg.Wait()
	close(p.events)
	return err
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (p *P2P) join(topic string) (*topicHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joinLocked(topic)
}

func (p *P2P) joinLocked(topic string) (*topicHandle, error) {
	if handle, ok := p.topics[topic]; ok {
		return handle, nil
	}
	t, err := p.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", topic, err)
	}
	handle := &topicHandle{topic: t}
	p.topics[topic] = handle
	return handle, nil
}

// readTopic pumps one subscription into the event channel.
func (p *P2P) readTopic(ctx context.Context, topic string, sub *pubsub.Subscription) {
	defer p.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // subscription cancelled or layer closing
		}
		util.Stats.AddReceived(len(msg.Data))
		p.emit(Event{
			Kind:  Message,
			Topic: topic,
			From:  msg.GetFrom().String(),
			Data:  msg.Data,
		})
	}
}

// monitorDiscovery translates gossipsub mesh membership on the discovery
// topic into peer discovery/removal events.
func (p *P2P) monitorDiscovery(th *pubsub.TopicEventHandler) {
	defer p.wg.Done()
	defer th.Cancel()
	for {
		ev, err := th.NextPeerEvent(p.runCtx)
		if err != nil {
			return
		}
		switch ev.Type {
		case pubsub.PeerJoin:
			util.Stats.AddPeer()
			p.emit(Event{Kind: PeerDiscovered, Peer: p.peerInfo(ev.Peer)})
		case pubsub.PeerLeave:
			util.Stats.RemovePeer()
			p.emit(Event{Kind: PeerRemoved, Peer: p.peerInfo(ev.Peer)})
		}
	}
}

func (p *P2P) peerInfo(pid peer.ID) Peer {
	maddrs := p.host.Peerstore().Addrs(pid)
	addrs := make([]string, len(maddrs))
	for i, a := range maddrs {
		addrs[i] = a.String()
	}
	return Peer{ID: pid.String(), Addrs: addrs}
}

// emit delivers an event unless the layer is closing. Events are dropped when
// the buffer is full rather than blocking libp2p callback goroutines.
func (p *P2P) emit(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		util.LogDebug("event buffer full, dropping %d event", ev.Kind)
	}
}

// mdnsNotifee connects to peers found on the local network so they show up
// in the gossip mesh without a bootstrap node.
type mdnsNotifee struct {
	p *P2P
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(n.p.runCtx, 10*time.Second)
	defer cancel()
	if err := n.p.host.Connect(ctx, info); err != nil {
		util.LogDebug("mdns connect %s: %v", util.ShortID(info.ID.String()), err)
	}
}
