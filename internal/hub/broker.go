package hub

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/msgdrop/internal/proto"
	"github.com/petervdpas/msgdrop/internal/util"
)

// broker relays session descriptions between registered media endpoints.
type broker struct {
	mu    sync.Mutex
	peers map[string]*endpoint
}

type endpoint struct {
	id  string
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (e *endpoint) write(msg proto.BrokerMessage) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	_ = e.ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	if err := e.ws.WriteJSON(msg); err != nil {
		log.Debugf("broker write to %s: %v", e.id, err)
	}
}

func newBroker() *broker {
	return &broker{peers: make(map[string]*endpoint)}
}

func (b *broker) add(e *endpoint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, taken := b.peers[e.id]; taken {
		return false
	}
	b.peers[e.id] = e
	return true
}

func (b *broker) remove(e *endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.peers[e.id] == e {
		delete(b.peers, e.id)
	}
}

func (b *broker) lookup(id string) *endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers[id]
}

func (b *broker) closeAll() {
	b.mu.Lock()
	all := make([]*endpoint, 0, len(b.peers))
	for _, e := range b.peers {
		all = append(all, e)
	}
	b.mu.Unlock()
	for _, e := range all {
		e.ws.Close()
	}
}

// relay forwards msg from src to its destination. An offer to an unknown
// endpoint is answered with EXPIRE.
func (b *broker) relay(src *endpoint, msg proto.BrokerMessage) {
	switch msg.Type {
	case proto.BrokerOffer, proto.BrokerAnswer, proto.BrokerLeave:
	default:
		src.write(proto.BrokerMessage{Type: proto.BrokerError, Payload: &proto.BrokerPayload{Message: "unsupported message " + msg.Type}})
		return
	}
	if msg.Payload == nil || msg.Dst == "" {
		src.write(proto.BrokerMessage{Type: proto.BrokerError, Payload: &proto.BrokerPayload{Message: "missing destination or payload"}})
		return
	}

	msg.Src = src.id
	dst := b.lookup(msg.Dst)
	if dst == nil {
		if msg.Type != proto.BrokerLeave {
			src.write(proto.BrokerMessage{
				Type:    proto.BrokerUnavailable,
				Src:     msg.Dst,
				Dst:     src.id,
				Payload: &proto.BrokerPayload{ConnectionID: msg.Payload.ConnectionID, Message: "could not connect to peer " + msg.Dst},
			})
		}
		return
	}
	dst.write(msg)
}

// GET /peer?id=&token=
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get(proto.BrokerQueryID))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if _, err := s.opts.Verifier.Parse(q.Get(proto.BrokerQueryToken)); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("peer upgrade: %v", err)
		return
	}
	e := &endpoint{id: id, ws: ws}
	if !s.broker.add(e) {
		e.write(proto.BrokerMessage{Type: proto.BrokerIDTaken, Payload: &proto.BrokerPayload{Message: "id " + id + " is taken"}})
		ws.Close()
		return
	}
	defer func() {
		s.broker.remove(e)
		ws.Close()
		log.Infof("media endpoint %s left", id)
	}()

	e.write(proto.BrokerMessage{Type: proto.BrokerOpen})
	log.Infof("media endpoint %s registered", id)

	ws.SetReadLimit(maxFrame)
	for {
		var msg proto.BrokerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		s.broker.relay(e, msg)
	}
}
