// Package transport owns the one socket a session holds to the hub.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/auth"
	"github.com/petervdpas/msgdrop/internal/loop"
	"github.com/petervdpas/msgdrop/internal/proto"
	"github.com/petervdpas/msgdrop/internal/util"
)

var log = logging.Logger("transport")

// ErrNoCredential means the session credential is absent or expired; the
// caller should send the user to re-authenticate instead of dialling.
var ErrNoCredential = errors.New("no usable session credential")

const (
	sendBuffer   = 256
	readLimit    = 1 << 20
	closeTimeout = 2 * time.Second
)

type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Identity is fixed for the lifetime of one connection attempt.
type Identity struct {
	Token       string
	Room        string
	Participant string
	Edge        string
}

// Events are delivered on the session loop. Any may be nil.
type Events struct {
	Open    func()
	Message func(frame []byte)
	Close   func(code int, reason string)
}

// Channel is a reconnectable socket. All methods must be called from the
// session loop; socket goroutines post back into it.
type Channel struct {
	endpoint *url.URL
	dialer   *websocket.Dialer
	sched    loop.Scheduler
	ev       Events

	state State
	gen   uint64
	conn  *websocket.Conn
	out   chan []byte
}

// New derives the socket URL from the hub base URL (http→ws, https→wss).
func New(serverURL string, sched loop.Scheduler, ev Events) (*Channel, error) {
	u, err := SocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &Channel{
		endpoint: u,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: util.DefaultHandshakeTimeout,
		},
		sched: sched,
		ev:    ev,
	}, nil
}

// SocketURL maps a hub base URL to its /ws endpoint.
func SocketURL(serverURL string) (*url.URL, error) {
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
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u, nil
}

func (c *Channel) State() State { return c.state }

// Connect starts dialling. It fails fast with ErrNoCredential when the token
// is unusable, and is a no-op while connecting or open.
func (c *Channel) Connect(id Identity) error {
	if !auth.Usable(id.Token, c.sched.Now()) {
		return ErrNoCredential
	}
	if c.state == StateConnecting || c.state == StateOpen {
		return nil
	}
	if c.state == StateClosing {
		// The old socket never reports its close; retire it now.
		c.retire()
	}

	u := *c.endpoint
	q := u.Query()
	q.Set(proto.QueryToken, id.Token)
	q.Set(proto.QueryRoom, id.Room)
	q.Set(proto.QueryParticipant, id.Participant)
	if id.Edge != "" {
		q.Set(proto.QueryEdge, id.Edge)
	}
	u.RawQuery = q.Encode()

	c.gen++
	c.state = StateConnecting
	log.Debugf("connecting %s as %s (gen %d)", id.Room, id.Participant, c.gen)
	go c.dial(c.gen, u.String())
	return nil
}

func (c *Channel) dial(gen uint64, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialer.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		code := proto.CloseAbnormal
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			code = proto.CloseHandshakeAuth
		}
		c.sched.Post(func() { c.closed(gen, code, err.Error()) })
		return
	}
	if !c.sched.Post(func() { c.opened(gen, conn) }) {
		conn.Close()
	}
}

func (c *Channel) opened(gen uint64, conn *websocket.Conn) {
	if gen != c.gen || c.state != StateConnecting {
		conn.Close()
		return
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	c.out = make(chan []byte, sendBuffer)
	c.state = StateOpen

	go writeLoop(conn, c.out)
	go c.readLoop(gen, conn)

	log.Infof("channel open")
	if c.ev.Open != nil {
		c.ev.Open()
	}
}

func (c *Channel) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			c.sched.Post(func() { c.closed(gen, code, reason) })
			return
		}
		c.sched.Post(func() {
			if gen != c.gen || (c.state != StateOpen && c.state != StateClosing) {
				return
			}
			if c.ev.Message != nil {
				c.ev.Message(data)
			}
		})
	}
}

func writeLoop(conn *websocket.Conn, out <-chan []byte) {
	defer conn.Close()
	for b := range out {
		_ = conn.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warnf("write failed: %v", err)
			return
		}
	}
}

func closeInfo(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return proto.CloseAbnormal, err.Error()
}

func (c *Channel) closed(gen uint64, code int, reason string) {
	if gen != c.gen || c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.out != nil {
		close(c.out)
		c.out = nil
	}
	c.conn = nil

	log.Infof("channel closed: %d %s", code, reason)
	if c.ev.Close != nil {
		c.ev.Close(code, reason)
	}
}

// Send serialises v and queues it. It never panics; false means the frame
// was not queued (not open, encode failure or buffer full).
func (c *Channel) Send(v any) bool {
	if c.state != StateOpen {
		log.Debugf("send while %s dropped", c.state)
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Warnf("encode outbound frame: %v", err)
		return false
	}
	select {
	case c.out <- b:
		return true
	default:
		log.Warnf("send buffer full, frame dropped")
		return false
	}
}

// Close starts a normal close. The Close event follows once the hub
// acknowledges or closeTimeout passes.
func (c *Channel) Close() {
	switch c.state {
	case StateConnecting:
		gen := c.gen
		c.gen++
		c.state = StateClosed
		c.sched.Post(func() {
			if c.ev.Close != nil {
				c.ev.Close(proto.CloseNormal, fmt.Sprintf("closed while connecting (gen %d)", gen))
			}
		})
	case StateOpen:
		c.state = StateClosing
		conn := c.conn
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout)); err != nil {
			log.Debugf("close frame: %v", err)
		}
		c.sched.AfterFunc(closeTimeout, func() { conn.Close() })
	}
}

// Abort drops the connection at once without a Close event. Used when the
// session loop is going away.
func (c *Channel) Abort() {
	c.gen++
	c.retire()
}

func (c *Channel) retire() {
	if c.out != nil {
		close(c.out) // writeLoop closes the conn
		c.out = nil
	} else if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.state = StateClosed
}
