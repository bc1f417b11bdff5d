package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/petervdpas/msgdrop/internal/auth"
	"github.com/petervdpas/msgdrop/internal/proto"
	"github.com/petervdpas/msgdrop/internal/storage"
	"github.com/petervdpas/msgdrop/internal/util"
)

const maxFrame = 1 << 20

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	room := strings.TrimSpace(q.Get(proto.QueryRoom))
	if room == "" {
		room = "default"
	}
	room, err := util.ValidateRoomID(room)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("ws upgrade: %v", err)
		return
	}

	claims, err := s.opts.Verifier.Verify(q.Get(proto.QueryToken), room)
	if err != nil {
		log.Warnf("ws rejected for %s: %v", room, err)
		rejectSocket(ws, proto.CloseAuthRejected, "invalid session")
		ws.Close()
		return
	}
	if s.opts.EdgeToken != "" && q.Get(proto.QueryEdge) != s.opts.EdgeToken {
		rejectSocket(ws, proto.CloseEdgeRejected, "edge token mismatch")
		ws.Close()
		return
	}
	user := strings.TrimSpace(q.Get(proto.QueryParticipant))
	if claims.Participant != "" {
		if user != "" && user != claims.Participant {
			log.Warnf("ws rejected: %s presented a credential for %s", user, claims.Participant)
			rejectSocket(ws, proto.CloseAuthRejected, "participant mismatch")
			ws.Close()
			return
		}
		user = claims.Participant
	}
	if user == "" {
		user = "anon"
	}

	c := newClient(ws, room, user)
	go c.writeLoop()
	s.join(c)
	defer s.leave(c)

	ws.SetReadLimit(maxFrame)
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.route(c, frame)
	}
}

// route handles one inbound frame. The body is the payload when present,
// otherwise the frame itself.
func (s *Server) route(c *client, frame []byte) {
	env, err := proto.Decode(frame)
	if err != nil {
		log.Debugf("[%s] bad frame: %v", c.tag, err)
		return
	}
	body := env.Body()
	if len(body) == 0 {
		body = frame
	}

	switch env.Kind() {
	case proto.ActionTyping:
		var t proto.Typing
		_ = json.Unmarshal(body, &t)
		t.User = c.user
		b, _ := json.Marshal(t)
		s.broadcast(c.room, proto.Envelope{Type: proto.KindTyping, Payload: b})

	case proto.ActionPing:
		pong, _ := proto.NewEvent(proto.KindPong, map[string]int64{"ts": s.nowMillis()})
		c.send(pong)

	case proto.ActionPresence:
		p := proto.Presence{State: proto.StateActive}
		_ = json.Unmarshal(body, &p)
		p.User = c.user
		if p.State == "" {
			p.State = proto.StateActive
		}
		if p.TS == 0 {
			p.TS = s.nowMillis()
		}
		env, _ := proto.NewEvent(proto.KindPresence, p)
		online := len(s.members(c.room))
		env.Online = &online
		s.fanout(s.othersOf(c), env)

	case proto.ActionPresenceRequest:
		env, _ := proto.NewEvent(proto.KindPresenceRequest, map[string]int64{"ts": s.nowMillis()})
		s.fanout(s.othersOf(c), env)

	case proto.ActionRead:
		var rd proto.Read
		if err := json.Unmarshal(body, &rd); err != nil || rd.UpToSeq <= 0 {
			log.Warnf("[%s] read without upToSeq", c.tag)
			return
		}
		rd.Reader = c.user
		_, _ = s.markRead(c.room, rd, true)

	case proto.ActionChat:
		var msg proto.Chat
		_ = json.Unmarshal(body, &msg)
		msg.User = c.user
		stored, err := s.postChat(c.room, msg)
		if err != nil {
			c.send(proto.Envelope{Type: proto.KindError, Error: err.Error()})
			return
		}
		if stored.DeliveredAt != 0 {
			receipt, _ := proto.NewEvent(proto.KindDelivery, proto.DeliveryReceipt{Seq: stored.Seq, DeliveredAt: stored.DeliveredAt})
			c.send(receipt)
		}

	case proto.ActionVideoSignal:
		s.fanout(s.othersOf(c), proto.Envelope{Type: proto.KindVideoSignal, Payload: body})

	case proto.ActionGame:
		s.handleGame(c, body)

	default:
		log.Debugf("[%s] ignoring %q", c.tag, env.Kind())
	}
}

var errTextRequired = errors.New("text required")

// postChat stores a message, updates the streak and broadcasts the new
// snapshot. The message comes back delivered when the other participant
// is connected.
func (s *Server) postChat(room string, msg proto.Chat) (proto.Message, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return proto.Message{}, errTextRequired
	}
	now := s.nowMillis()
	stored, err := s.opts.Store.Append(room, storage.NewMessage{
		User:     msg.User,
		Text:     msg.Text,
		ClientID: msg.ClientID,
		ReplyTo:  msg.ReplyTo,
		TS:       now,
	}, s.opts.Keep)
	if err != nil {
		log.Errorf("store message in %s: %v", room, err)
		return proto.Message{}, errors.New("could not store message")
	}

	if s.connected(room, msg.User) && stored.DeliveredAt == 0 {
		if n, err := s.opts.Store.MarkDelivered(room, stored.Seq, now); err == nil && n > 0 {
			stored.DeliveredAt = now
		}
	}

	streak, changed, err := s.opts.Store.RecordPost(room, msg.User, s.opts.Now().In(s.opts.Zone))
	if err != nil {
		log.Warnf("streak for %s: %v", room, err)
	} else if changed {
		env, _ := proto.NewEvent(proto.KindStreak, streak)
		s.broadcast(room, env)
	}

	drop, err := s.opts.Store.Snapshot(room)
	if err != nil {
		log.Errorf("snapshot %s: %v", room, err)
		return stored, nil
	}
	env, _ := proto.NewEvent(proto.KindUpdate, drop)
	s.broadcast(room, env)
	return stored, nil
}

// markRead stamps the store and broadcasts the receipt. The socket path
// passes always, so the author hears about it even when nothing was newly
// marked; over HTTP only a change is announced.
func (s *Server) markRead(room string, rd proto.Read, always bool) (int64, error) {
	now := s.nowMillis()
	n, err := s.opts.Store.MarkRead(room, rd.UpToSeq, rd.Reader, now)
	if err != nil {
		log.Errorf("mark read in %s: %v", room, err)
	}
	log.Debugf("read %s up to %d by %s: %d marked", room, rd.UpToSeq, rd.Reader, n)
	if always || n > 0 {
		env, _ := proto.NewEvent(proto.KindRead, proto.ReadReceipt{UpToSeq: rd.UpToSeq, Reader: rd.Reader, ReadAt: now})
		s.broadcast(room, env)
	}
	return n, err
}

// credential reads the session token from the cookie, then a bearer header.
func credential(r *http.Request) string {
	if c, err := r.Cookie(proto.SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, room string) (*auth.Claims, bool) {
	claims, err := s.opts.Verifier.Verify(credential(r), room)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}
