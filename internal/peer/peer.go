// Package peer is the peer-to-peer media facility: it registers an endpoint
// id with the hub's media broker and negotiates pion PeerConnections through
// it. ICE is gathered completely before a description is sent, so the broker
// only ever relays one OFFER and one ANSWER per call.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/msgdrop/internal/call"
	"github.com/petervdpas/msgdrop/internal/proto"
	"github.com/petervdpas/msgdrop/internal/util"
)

var log = logging.Logger("peer")

const iceGatherTimeout = 15 * time.Second

var (
	ErrNotRegistered = errors.New("endpoint not registered with broker")
	ErrNoOffer       = errors.New("inbound call has no offer")
)

type Config struct {
	// ServerURL is the hub base URL; the broker lives at /peer.
	ServerURL  string
	Token      string
	ICEServers []string
}

// Peer implements call.Facility. Events are handed to emit from pion and
// broker goroutines; emit must post them onto the session loop.
type Peer struct {
	cfg    Config
	broker *url.URL
	api    *webrtc.API
	emit   func(call.MediaEvent)
	dialer *websocket.Dialer

	mu     sync.Mutex
	ws     *websocket.Conn
	id     string
	conns  map[string]*Conn
	closed bool

	wmu sync.Mutex
}

func New(cfg Config, emit func(call.MediaEvent)) (*Peer, error) {
	u, err := brokerURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	api, err := newAPI()
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	return &Peer{
		cfg:    cfg,
		broker: u,
		api:    api,
		emit:   emit,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: util.DefaultHandshakeTimeout,
		},
		conns: make(map[string]*Conn),
	}, nil
}

func brokerURL(serverURL string) (*url.URL, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/peer"
	return u, nil
}

// ID returns the registered endpoint id, empty if not registered.
func (p *Peer) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// ── Registration ─────────────────────────────────────────────────────────────

// Register dials the broker as id. The outcome arrives as EventRegistered or
// EventRegisterFailed.
func (p *Peer) Register(id string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	old := p.ws
	p.ws, p.id = nil, ""
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	go p.register(id)
}

func (p *Peer) register(id string) {
	u := *p.broker
	q := u.Query()
	q.Set(proto.BrokerQueryID, id)
	q.Set(proto.BrokerQueryToken, p.cfg.Token)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), p.dialer.HandshakeTimeout)
	defer cancel()
	ws, _, err := p.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		p.emit(call.MediaEvent{Kind: call.EventRegisterFailed, ID: id, Err: fmt.Errorf("dial broker: %w", err)})
		return
	}

	var first proto.BrokerMessage
	_ = ws.SetReadDeadline(time.Now().Add(util.DefaultFetchTimeout))
	if err := ws.ReadJSON(&first); err != nil {
		ws.Close()
		p.emit(call.MediaEvent{Kind: call.EventRegisterFailed, ID: id, Err: fmt.Errorf("broker handshake: %w", err)})
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	switch first.Type {
	case proto.BrokerOpen:
	case proto.BrokerIDTaken:
		ws.Close()
		p.emit(call.MediaEvent{Kind: call.EventRegisterFailed, ID: id, Err: call.ErrEndpointTaken})
		return
	default:
		ws.Close()
		p.emit(call.MediaEvent{Kind: call.EventRegisterFailed, ID: id, Err: fmt.Errorf("broker replied %s", first.Type)})
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ws.Close()
		return
	}
	p.ws, p.id = ws, id
	p.mu.Unlock()

	log.Infof("registered as %s", id)
	p.emit(call.MediaEvent{Kind: call.EventRegistered, ID: id})
	go p.readLoop(ws)
}

func (p *Peer) readLoop(ws *websocket.Conn) {
	for {
		var msg proto.BrokerMessage
		if err := ws.ReadJSON(&msg); err != nil {
			p.mu.Lock()
			current := p.ws == ws
			if current {
				p.ws, p.id = nil, ""
			}
			closed := p.closed
			p.mu.Unlock()
			if current && !closed {
				log.Warnf("broker connection lost: %v", err)
				p.emit(call.MediaEvent{Kind: call.EventBrokerLost})
			}
			return
		}
		p.handle(msg)
	}
}

func (p *Peer) handle(msg proto.BrokerMessage) {
	if msg.Payload == nil {
		if msg.Type == proto.BrokerError {
			log.Warnf("broker error")
		}
		return
	}
	cid := msg.Payload.ConnectionID

	switch msg.Type {
	case proto.BrokerOffer:
		c := &Conn{peer: p, id: cid, remote: msg.Src, offer: msg.Payload.SDP, inbound: true}
		p.mu.Lock()
		p.conns[cid] = c
		p.mu.Unlock()
		log.Infof("inbound call %s from %s", cid, msg.Src)
		p.emit(call.MediaEvent{Kind: call.EventIncoming, ID: msg.Src, Conn: c})

	case proto.BrokerAnswer:
		c := p.conn(cid)
		if c == nil || c.pc == nil {
			return
		}
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Payload.SDP}); err != nil {
			log.Warnf("answer for %s: %v", cid, err)
			p.drop(c, true)
		}

	case proto.BrokerLeave:
		// The remote hung up or lost its broker. Its ended signal may never
		// arrive, so the machine hears about it as a closed call.
		if c := p.conn(cid); c != nil {
			p.drop(c, true)
		}

	case proto.BrokerUnavailable:
		if c := p.conn(cid); c != nil {
			p.drop(c, false)
			p.emit(call.MediaEvent{Kind: call.EventUnavailable, ID: c.remote, Conn: c})
		}

	case proto.BrokerError:
		log.Warnf("broker error for %s: %s", cid, msg.Payload.Message)
	}
}

func (p *Peer) conn(id string) *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

func (p *Peer) send(msg proto.BrokerMessage) error {
	p.mu.Lock()
	ws := p.ws
	p.mu.Unlock()
	if ws == nil {
		return ErrNotRegistered
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
	return ws.WriteJSON(msg)
}

// ── Calls ────────────────────────────────────────────────────────────────────

// Call places an outbound call. The handle is returned before the offer is
// sent; an unregistered remote comes back as EventUnavailable.
func (p *Peer) Call(remoteID string, local call.Stream) call.Connection {
	c := &Conn{peer: p, id: uuid.NewString(), remote: remoteID}
	if err := c.setup(local); err != nil {
		log.Warnf("call %s: %v", remoteID, err)
		return nil
	}
	p.mu.Lock()
	p.conns[c.id] = c
	p.mu.Unlock()

	go func() {
		sdp, err := c.describe(webrtc.SDPTypeOffer)
		if err == nil {
			err = p.send(proto.BrokerMessage{
				Type:    proto.BrokerOffer,
				Dst:     remoteID,
				Payload: &proto.BrokerPayload{ConnectionID: c.id, SDP: sdp},
			})
		}
		if err != nil {
			log.Warnf("offer to %s: %v", remoteID, err)
			p.drop(c, false)
			p.emit(call.MediaEvent{Kind: call.EventUnavailable, ID: remoteID, Conn: c})
		}
	}()
	return c
}

// Accept answers an inbound call object from EventIncoming.
func (p *Peer) Accept(conn call.Connection, local call.Stream) error {
	c, ok := conn.(*Conn)
	if !ok || c.peer != p {
		return fmt.Errorf("accept: foreign connection %T", conn)
	}
	if !c.inbound || c.offer == "" {
		return ErrNoOffer
	}
	if err := c.setup(local); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.offer}); err != nil {
		p.drop(c, false)
		return fmt.Errorf("set offer: %w", err)
	}

	go func() {
		sdp, err := c.describe(webrtc.SDPTypeAnswer)
		if err == nil {
			err = p.send(proto.BrokerMessage{
				Type:    proto.BrokerAnswer,
				Dst:     c.remote,
				Payload: &proto.BrokerPayload{ConnectionID: c.id, SDP: sdp},
			})
		}
		if err != nil {
			log.Warnf("answer to %s: %v", c.remote, err)
			p.drop(c, true)
		}
	}()
	return nil
}

// Close hangs up conn and tells the remote side.
func (p *Peer) Close(conn call.Connection) {
	c, ok := conn.(*Conn)
	if !ok || c.peer != p {
		return
	}
	if p.drop(c, false) {
		_ = p.send(proto.BrokerMessage{
			Type:    proto.BrokerLeave,
			Dst:     c.remote,
			Payload: &proto.BrokerPayload{ConnectionID: c.id},
		})
	}
}

// drop forgets c and closes its PeerConnection. With notify the machine is
// told through EventClosed. Returns false if c was already gone.
func (p *Peer) drop(c *Conn, notify bool) bool {
	p.mu.Lock()
	_, ok := p.conns[c.id]
	delete(p.conns, c.id)
	p.mu.Unlock()
	if !ok {
		return false
	}
	c.close()
	if notify {
		p.emit(call.MediaEvent{Kind: call.EventClosed, ID: c.remote, Conn: c})
	}
	return true
}

// Destroy closes every call and the broker connection.
func (p *Peer) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	ws := p.ws
	p.ws, p.id = nil, ""
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = map[string]*Conn{}
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if ws != nil {
		ws.Close()
	}
}
