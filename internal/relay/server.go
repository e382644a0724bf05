package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	sessionSendBuffer = 64
	writeTimeout      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay daemon core. One instance serves any number of peers;
// topics are created implicitly on first subscription and vanish with their
// last subscriber.
type Server struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	topics   map[string]map[string]struct{} // topic -> set of peer ids
}

// session is one connected peer. Outbound frames go through a buffered
// channel drained by a single writer goroutine; a full buffer drops the
// frame rather than blocking the fan-out path.
type session struct {
	id   string
	conn *websocket.Conn
	out  chan Frame
}

func (s *session) send(f Frame, logger *zerolog.Logger) {
	select {
	case s.out <- f:
	default:
		logger.Warn().
			Str("peer", s.id).
			Str("frame", string(f.Type)).
			Msg("send buffer full, dropping frame")
	}
}

// NewServer creates a relay server.
func NewServer(logger *zerolog.Logger) *Server {
	return &Server{
		logger:   logger.With().Str("component", "relay").Logger(),
		sessions: make(map[string]*session),
		topics:   make(map[string]map[string]struct{}),
	}
}

// Run serves the relay endpoint on addr until ctx is cancelled. Errors other
// than graceful shutdown are reported on errc.
func (s *Server) Run(ctx context.Context, addr string, wg *sync.WaitGroup, errc chan<- error) {
	defer wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/ws", s)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", addr).Msg("relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errc <- err
	}
}

// ServeHTTP upgrades the connection, assigns a peer identity and runs the
// session until the peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &session{
		id:   uuid.NewString(),
		conn: conn,
		out:  make(chan Frame, sessionSendBuffer),
	}

	s.mu.Lock()
	peers := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		peers = append(peers, id)
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Debug().Str("peer", sess.id).Msg("peer connected")

	go s.writeLoop(sess)
	sess.send(Frame{Type: FrameWelcome, PeerID: sess.id, Peers: peers}, &s.logger)
	s.broadcast(Frame{Type: FramePeerJoined, PeerID: sess.id}, sess.id)

	s.readLoop(sess)
	s.dropSession(sess)
}

// ---------------------------------------------------------------------------
// Session loops
// ---------------------------------------------------------------------------

func (s *Server) readLoop(sess *session) {
	for {
		var f Frame
		if err := sess.conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Type {
		case FrameSubscribe:
			s.subscribe(sess.id, f.Topic)
		case FrameUnsubscribe:
			s.unsubscribe(sess.id, f.Topic)
		case FramePublish:
			s.publish(sess.id, f.Topic, f.Data)
		default:
			// Permissive: unknown frames from newer clients are ignored.
			s.logger.Debug().Str("frame", string(f.Type)).Msg("ignoring unknown frame")
		}
	}
}

func (s *Server) writeLoop(sess *session) {
	for f := range sess.out {
		_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sess.conn.WriteJSON(f); err != nil {
			sess.conn.Close()
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Topic bookkeeping & fan-out
// ---------------------------------------------------------------------------

func (s *Server) subscribe(peerID, topic string) {
	if topic == "" {
		return
	}
	s.mu.Lock()
	members, ok := s.topics[topic]
	if !ok {
		members = make(map[string]struct{})
		s.topics[topic] = members
	}
	members[peerID] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug().Str("peer", peerID).Str("topic", topic).Msg("subscribed")
	s.pushTopicPeers(topic)
}

func (s *Server) unsubscribe(peerID, topic string) {
	s.mu.Lock()
	if members, ok := s.topics[topic]; ok {
		delete(members, peerID)
		if len(members) == 0 {
			delete(s.topics, topic)
		}
	}
	s.mu.Unlock()
	s.pushTopicPeers(topic)
}

// publish fans a topic message out to every subscriber, the publisher
// included — matching the self-delivery semantics of the gossip layer.
func (s *Server) publish(from, topic string, data []byte) {
	s.mu.RLock()
	var targets []*session
	for id := range s.topics[topic] {
		if sess, ok := s.sessions[id]; ok {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	frame := Frame{Type: FrameMessage, Topic: topic, From: from, Data: data}
	for _, sess := range targets {
		sess.send(frame, &s.logger)
	}
}

// pushTopicPeers sends the current membership snapshot to the topic's
// subscribers so relayed clients can answer TopicPeers locally.
func (s *Server) pushTopicPeers(topic string) {
	s.mu.RLock()
	members := s.topics[topic]
	peers := make([]string, 0, len(members))
	var targets []*session
	for id := range members {
		peers = append(peers, id)
		if sess, ok := s.sessions[id]; ok {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	frame := Frame{Type: FrameTopicPeers, Topic: topic, Peers: peers}
	for _, sess := range targets {
		sess.send(frame, &s.logger)
	}
}

// broadcast sends a frame to every session except the one named by exclude.
func (s *Server) broadcast(f Frame, exclude string) {
	s.mu.RLock()
	var targets []*session
	for id, sess := range s.sessions {
		if id != exclude {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		sess.send(f, &s.logger)
	}
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	var dirty []string
	for topic, members := range s.topics {
		if _, ok := members[sess.id]; ok {
			delete(members, sess.id)
			dirty = append(dirty, topic)
			if len(members) == 0 {
				delete(s.topics, topic)
			}
		}
	}
	s.mu.Unlock()

	close(sess.out)
	sess.conn.Close()

	s.logger.Debug().Str("peer", sess.id).Msg("peer disconnected")
	s.broadcast(Frame{Type: FramePeerLeft, PeerID: sess.id}, sess.id)
	for _, topic := range dirty {
		s.pushTopicPeers(topic)
	}
}
