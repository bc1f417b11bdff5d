package hub

import (
	"encoding/json"

	"github.com/samber/lo"

	"github.com/petervdpas/msgdrop/internal/proto"
)

// join registers c, tells it who is already here and announces it to the rest.
func (s *Server) join(c *client) {
	s.mu.Lock()
	s.rooms[c.room] = append(s.rooms[c.room], c)
	members := append([]*client(nil), s.rooms[c.room]...)
	s.mu.Unlock()

	online := len(members)
	others := lo.Without(members, c)
	present := lo.Uniq(lo.FilterMap(others, func(o *client, _ int) (string, bool) {
		return o.user, o.user != c.user
	}))

	now := s.nowMillis()
	for _, u := range present {
		c.send(presenceEvent(u, proto.StateActive, now, online))
	}
	s.fanout(others, presenceEvent(c.user, proto.StateActive, now, online))
	log.Infof("[%s] %s joined %s (%d online)", c.tag, c.user, c.room, online)
}

// leave removes c and broadcasts its offline state.
func (s *Server) leave(c *client) {
	s.mu.Lock()
	members := lo.Without(s.rooms[c.room], c)
	if len(members) == 0 {
		delete(s.rooms, c.room)
	} else {
		s.rooms[c.room] = members
	}
	s.mu.Unlock()
	c.close()

	log.Infof("[%s] %s left %s (%d online)", c.tag, c.user, c.room, len(members))
	s.fanout(members, presenceEvent(c.user, proto.StateOffline, s.nowMillis(), len(members)))
}

func (s *Server) members(room string) []*client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*client(nil), s.rooms[room]...)
}

// othersOf excludes c itself; the same participant on another socket still counts.
func (s *Server) othersOf(c *client) []*client {
	return lo.Without(s.members(c.room), c)
}

// connected reports whether anyone other than user has a socket in room.
func (s *Server) connected(room, user string) bool {
	return lo.ContainsBy(s.members(room), func(m *client) bool { return m.user != user })
}

// roster is the distinct participants connected to room.
func (s *Server) roster(room string) []string {
	return lo.Uniq(lo.Map(s.members(room), func(m *client, _ int) string { return m.user }))
}

func (s *Server) broadcast(room string, v any) {
	s.fanout(s.members(room), v)
}

func (s *Server) fanout(to []*client, v any) {
	if len(to) == 0 {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Errorf("marshal broadcast: %v", err)
		return
	}
	for _, c := range to {
		c.sendRaw(b)
	}
}

func presenceEvent(user, state string, ts int64, online int) proto.Envelope {
	env, _ := proto.NewEvent(proto.KindPresence, proto.Presence{User: user, State: state, TS: ts})
	env.Online = &online
	return env
}
