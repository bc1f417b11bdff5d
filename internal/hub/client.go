package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/msgdrop/internal/util"
)

const clientQueue = 64

// client is one room socket. All writes go through out, drained by writeLoop.
type client struct {
	tag  string
	room string
	user string

	ws   *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(ws *websocket.Conn, room, user string) *client {
	return &client{
		tag:  uuid.NewString()[:8],
		room: room,
		user: user,
		ws:   ws,
		out:  make(chan []byte, clientQueue),
		done: make(chan struct{}),
	}
}

// send queues v. A client that cannot keep up is disconnected.
func (c *client) send(v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("marshal for %s: %v", c.user, err)
		return false
	}
	return c.sendRaw(b)
}

func (c *client) sendRaw(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- b:
		return true
	default:
		log.Warnf("[%s] %s/%s send queue full, dropping connection", c.tag, c.room, c.user)
		c.close()
		return false
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(util.DefaultWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debugf("[%s] write: %v", c.tag, err)
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *client) closeWith(code int, reason string) {
	rejectSocket(c.ws, code, reason)
	c.close()
}

// rejectSocket sends a close frame; the caller still closes the conn.
func rejectSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
