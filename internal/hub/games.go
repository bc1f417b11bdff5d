package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/petervdpas/msgdrop/internal/proto"
)

type game struct {
	info    proto.GameInfo
	room    string
	players []string
	active  bool
}

// games tracks the games started in each room. Game rules live in the
// clients; the hub only keeps the latest game data they report.
type games struct {
	mu   sync.Mutex
	byID map[string]*game
}

func newGames() *games {
	return &games{byID: make(map[string]*game)}
}

func (g *games) start(room, gameType string, data json.RawMessage, now int64) proto.GameInfo {
	if gameType == "" {
		gameType = "t3"
	}
	id := "game_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	info := proto.GameInfo{GameID: id, GameType: gameType, Created: now, GameData: data}

	g.mu.Lock()
	g.byID[id] = &game{info: info, room: room, active: true}
	g.mu.Unlock()
	return info
}

func (g *games) join(room, id, player string) (proto.GameInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gm, ok := g.byID[id]
	if !ok || gm.room != room {
		return proto.GameInfo{}, false
	}
	if !lo.Contains(gm.players, player) {
		gm.players = append(gm.players, player)
	}
	return gm.info, true
}

func (g *games) move(room, id string, data json.RawMessage) (proto.GameInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	gm, ok := g.byID[id]
	if !ok || gm.room != room {
		return proto.GameInfo{}, false
	}
	if len(data) > 0 {
		gm.info.GameData = data
	}
	return gm.info, true
}

func (g *games) end(room, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gm, ok := g.byID[id]; ok && gm.room == room {
		gm.active = false
	}
}

// active lists the room's running games, oldest first.
func (g *games) active(room string) []proto.GameInfo {
	g.mu.Lock()
	running := lo.Filter(lo.Values(g.byID), func(gm *game, _ int) bool {
		return gm.room == room && gm.active
	})
	out := lo.Map(running, func(gm *game, _ int) proto.GameInfo { return gm.info })
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Created < out[j].Created })
	return out
}

func (s *Server) handleGame(c *client, body json.RawMessage) {
	var in proto.Game
	if err := json.Unmarshal(body, &in); err != nil {
		log.Debugf("[%s] bad game payload: %v", c.tag, err)
		return
	}

	switch in.Op {
	case proto.GameStart:
		info := s.games.start(c.room, in.GameType, in.GameData, s.nowMillis())
		s.broadcastGame(c.room, proto.Game{Op: proto.GameStarted, GameID: info.GameID, GameType: info.GameType, GameData: info.GameData})
		log.Infof("game %s (%s) started in %s by %s", info.GameID, info.GameType, c.room, c.user)

	case proto.GameJoin:
		info, ok := s.games.join(c.room, in.GameID, c.user)
		if !ok {
			c.send(proto.Envelope{Type: proto.KindError, Message: fmt.Sprintf("Game %s not found", in.GameID)})
			return
		}
		s.broadcastGame(c.room, proto.Game{Op: proto.GameJoined, GameID: info.GameID, GameType: info.GameType, GameData: info.GameData, Player: c.user})

	case proto.GameMove:
		info, ok := s.games.move(c.room, in.GameID, in.GameData)
		if !ok {
			return
		}
		s.broadcastGame(c.room, proto.Game{Op: proto.GameMove, GameID: info.GameID, MoveData: in.MoveData, GameData: info.GameData})

	case proto.GameEnd:
		s.games.end(c.room, in.GameID)
		s.broadcastGame(c.room, proto.Game{Op: proto.GameEnded, GameID: in.GameID, Result: in.Result})

	case proto.GameRequestList:
		env, _ := proto.NewEvent(proto.KindGameList, proto.GameList{Games: s.games.active(c.room)})
		c.send(env)

	default:
		s.broadcast(c.room, proto.Envelope{Type: proto.KindGame, Payload: body})
	}
}

func (s *Server) broadcastGame(room string, g proto.Game) {
	b, err := json.Marshal(g)
	if err != nil {
		return
	}
	s.broadcast(room, proto.Envelope{Type: proto.KindGame, Payload: b})
}
