package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/msgdrop/internal/auth"
	"github.com/petervdpas/msgdrop/internal/proto"
	"github.com/petervdpas/msgdrop/internal/storage"
)

const testSecret = "hub-test-secret-0123456789"

type fixture struct {
	hub    *Server
	srv    *httptest.Server
	issuer *auth.Issuer
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	opts := Options{
		Verifier:   auth.NewVerifier(testSecret),
		Issuer:     auth.NewIssuer(testSecret, time.Hour),
		Store:      db,
		UnlockCode: "sesame",
	}
	if mutate != nil {
		mutate(&opts)
	}
	h := New(opts)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return &fixture{hub: h, srv: srv, issuer: opts.Issuer}
}

func (f *fixture) token(t *testing.T, room, participant string) string {
	t.Helper()
	tok, err := f.issuer.Issue(room, participant)
	require.NoError(t, err)
	return tok
}

func (f *fixture) dial(t *testing.T, path string, q url.Values) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path + "?" + q.Encode()
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (f *fixture) join(t *testing.T, room, user string) *websocket.Conn {
	t.Helper()
	return f.dial(t, "/ws", url.Values{
		proto.QueryToken:       {f.token(t, room, user)},
		proto.QueryRoom:        {room},
		proto.QueryParticipant: {user},
	})
}

func send(t *testing.T, ws *websocket.Conn, action string, payload any) {
	t.Helper()
	env, err := proto.NewAction(action, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

// next reads frames until one of kind arrives.
func next(t *testing.T, ws *websocket.Conn, kind string) proto.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, frame, err := ws.ReadMessage()
		require.NoError(t, err, "waiting for %s", kind)
		env, err := proto.Decode(frame)
		require.NoError(t, err)
		if env.Kind() == kind {
			return env
		}
	}
}

func decode[T any](t *testing.T, env proto.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Body(), &v))
	return v
}

func closeCode(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	return ce.Code
}

func TestRejectsBadCredential(t *testing.T) {
	f := newFixture(t, nil)
	ws := f.dial(t, "/ws", url.Values{proto.QueryToken: {"junk"}, proto.QueryRoom: {"d1"}})
	require.Equal(t, proto.CloseAuthRejected, closeCode(t, ws))

	other := f.dial(t, "/ws", url.Values{proto.QueryToken: {f.token(t, "d2", "E")}, proto.QueryRoom: {"d1"}})
	require.Equal(t, proto.CloseAuthRejected, closeCode(t, other))

	wrongUser := f.dial(t, "/ws", url.Values{
		proto.QueryToken:       {f.token(t, "d1", "E")},
		proto.QueryRoom:        {"d1"},
		proto.QueryParticipant: {"M"},
	})
	require.Equal(t, proto.CloseAuthRejected, closeCode(t, wrongUser))
}

func TestRejectsBadRoomID(t *testing.T) {
	f := newFixture(t, nil)
	q := url.Values{proto.QueryToken: {f.token(t, "d1", "E")}, proto.QueryRoom: {"../d1"}}
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?" + q.Encode()
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	ws := f.dial(t, "/ws", url.Values{
		proto.QueryToken: {f.token(t, "d1", "E")},
		proto.QueryRoom:  {" d1 "},
	})
	send(t, ws, proto.ActionPing, nil)
	next(t, ws, proto.KindPong)
	require.Equal(t, 1, f.hub.Online("d1"))
}

func TestRejectsEdgeMismatch(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.EdgeToken = "edge-1" })
	ws := f.dial(t, "/ws", url.Values{
		proto.QueryToken: {f.token(t, "d1", "E")},
		proto.QueryRoom:  {"d1"},
		proto.QueryEdge:  {"wrong"},
	})
	require.Equal(t, proto.CloseEdgeRejected, closeCode(t, ws))
}

func TestPresenceOnJoinAndLeave(t *testing.T) {
	f := newFixture(t, nil)
	e := f.join(t, "d1", "E")
	m := f.join(t, "d1", "M")

	joined := next(t, e, proto.KindPresence)
	p := decode[proto.Presence](t, joined)
	require.Equal(t, "M", p.User)
	require.Equal(t, proto.StateActive, p.State)
	require.Equal(t, 2, *joined.Online)

	existing := decode[proto.Presence](t, next(t, m, proto.KindPresence))
	require.Equal(t, "E", existing.User)

	require.Equal(t, []string{"E", "M"}, f.hub.roster("d1"))

	m.Close()
	gone := next(t, e, proto.KindPresence)
	require.Equal(t, proto.StateOffline, decode[proto.Presence](t, gone).State)
	require.Equal(t, 1, *gone.Online)
}

func TestChatUpdateAndDelivery(t *testing.T) {
	f := newFixture(t, nil)
	e := f.join(t, "d1", "E")
	m := f.join(t, "d1", "M")
	next(t, e, proto.KindPresence)

	send(t, m, proto.ActionChat, proto.Chat{Text: "hello", ClientID: "c1"})

	drop := decode[proto.Drop](t, next(t, e, proto.KindUpdate))
	require.Equal(t, "d1", drop.DropID)
	require.Len(t, drop.Messages, 1)
	require.Equal(t, "M", drop.Messages[0].User)
	require.NotZero(t, drop.Messages[0].DeliveredAt)

	next(t, m, proto.KindUpdate)
	receipt := decode[proto.DeliveryReceipt](t, next(t, m, proto.KindDelivery))
	require.Equal(t, int64(1), receipt.Seq)

	send(t, e, proto.ActionRead, proto.Read{UpToSeq: 1})
	read := decode[proto.ReadReceipt](t, next(t, m, proto.KindRead))
	require.Equal(t, "E", read.Reader)
	require.Equal(t, int64(1), read.UpToSeq)

	send(t, e, proto.ActionChat, proto.Chat{Text: ""})
	errEnv := next(t, e, proto.KindError)
	require.Equal(t, "text required", errEnv.Error)
}

func TestChatAloneNotDelivered(t *testing.T) {
	f := newFixture(t, nil)
	e := f.join(t, "d1", "E")

	send(t, e, proto.ActionChat, proto.Chat{Text: "anyone?"})
	drop := decode[proto.Drop](t, next(t, e, proto.KindUpdate))
	require.Zero(t, drop.Messages[0].DeliveredAt)
}

func TestSocketIdentityOverridesPayload(t *testing.T) {
	f := newFixture(t, nil)
	e := f.join(t, "d1", "E")

	send(t, e, proto.ActionChat, proto.Chat{Text: "hi", User: "M"})
	drop := decode[proto.Drop](t, next(t, e, proto.KindUpdate))
	require.Equal(t, "E", drop.Messages[0].User)

	streak, err := f.hub.opts.Store.Streak("d1", time.Now().UTC())
	require.NoError(t, err)
	require.False(t, streak.MPostedToday)

	send(t, e, proto.ActionRead, proto.Read{UpToSeq: 1, Reader: "M"})
	read := decode[proto.ReadReceipt](t, next(t, e, proto.KindRead))
	require.Equal(t, "E", read.Reader)

	snap, err := f.hub.opts.Store.Snapshot("d1")
	require.NoError(t, err)
	require.Zero(t, snap.Messages[0].ReadAt, "own message is not read by its author")
}

func TestRelaysToOthersOnly(t *testing.T) {
	f := newFixture(t, nil)
	e := f.join(t, "d1", "E")
	m := f.join(t, "d1", "M")
	next(t, e, proto.KindPresence)

	send(t, e, proto.ActionVideoSignal, proto.VideoSignal{Op: proto.OpPeerReady, From: "E", PeerID: "msgdrop-d1-E"})
	sig := decode[proto.VideoSignal](t, next(t, m, proto.KindVideoSignal))
	require.Equal(t, "msgdrop-d1-E", sig.PeerID)

	send(t, e, proto.ActionTyping, proto.Typing{State: "typing", TS: 5})
	typing := decode[proto.Typing](t, next(t, m, proto.KindTyping))
	require.Equal(t, "E", typing.User)

	send(t, e, proto.ActionPresenceRequest, nil)
	next(t, m, proto.KindPresenceRequest)

	send(t, e, proto.ActionPing, nil)
	next(t, e, proto.KindPong)
}

func TestGames(t *testing.T) {
	f := newFixture(t, nil)
	e := f.join(t, "d1", "E")
	m := f.join(t, "d1", "M")
	next(t, e, proto.KindPresence)

	send(t, e, proto.ActionGame, proto.Game{Op: proto.GameStart, GameData: json.RawMessage(`{"starter":"E"}`)})
	started := decode[proto.Game](t, next(t, m, proto.KindGame))
	require.Equal(t, proto.GameStarted, started.Op)
	require.Equal(t, "t3", started.GameType)

	send(t, m, proto.ActionGame, proto.Game{Op: proto.GameJoin, GameID: started.GameID})
	joined := decode[proto.Game](t, next(t, e, proto.KindGame))
	require.Equal(t, proto.GameJoined, joined.Op)
	require.Equal(t, "M", joined.Player)

	send(t, m, proto.ActionGame, proto.Game{Op: proto.GameRequestList})
	list := decode[proto.GameList](t, next(t, m, proto.KindGameList))
	require.Len(t, list.Games, 1)

	send(t, m, proto.ActionGame, proto.Game{Op: proto.GameJoin, GameID: "game_missing"})
	require.Contains(t, next(t, m, proto.KindError).Message, "game_missing")

	send(t, e, proto.ActionGame, proto.Game{Op: proto.GameEnd, GameID: started.GameID})
	send(t, m, proto.ActionGame, proto.Game{Op: proto.GameRequestList})
	require.Empty(t, decode[proto.GameList](t, next(t, m, proto.KindGameList)).Games)
}

func TestChatHTTP(t *testing.T) {
	f := newFixture(t, nil)
	e := f.join(t, "d1", "E")
	require.Eventually(t, func() bool { return f.hub.Online("d1") == 1 }, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get(f.srv.URL + "/api/chat/d1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/chat/d1", strings.NewReader(`{"text":"via http","user":"E"}`))
	req.AddCookie(&http.Cookie{Name: proto.SessionCookie, Value: f.token(t, "d1", "M")})
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Cache-Control"), "no-store")

	var drop proto.Drop
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&drop))
	require.Equal(t, "M", drop.Messages[0].User)

	pushed := decode[proto.Drop](t, next(t, e, proto.KindUpdate))
	require.Equal(t, "via http", pushed.Messages[0].Text)
}

func TestHealthLogsUnlock(t *testing.T) {
	f := newFixture(t, nil)
	_, _ = f.hub.opts.Logs.Write([]byte("first line\nsecond"))

	resp, err := http.Get(f.srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/api/logs")
	require.NoError(t, err)
	var entries []LogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.Len(t, entries, 1)
	require.Equal(t, "first line", entries[0].Msg)

	resp, err = http.Post(f.srv.URL+"/unlock", "application/json", bytes.NewReader([]byte(`{"code":"nope","participant":"E"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Post(f.srv.URL+"/unlock", "application/json", bytes.NewReader([]byte(`{"code":"sesame","room":"d1","participant":"M"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	claims, err := auth.NewVerifier(testSecret).Verify(out["token"], "d1")
	require.NoError(t, err)
	require.Equal(t, "M", claims.Participant)
}

func TestBroker(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "d1", "E")
	reg := func(id string) *websocket.Conn {
		return f.dial(t, "/peer", url.Values{proto.BrokerQueryID: {id}, proto.BrokerQueryToken: {tok}})
	}
	read := func(ws *websocket.Conn) proto.BrokerMessage {
		var msg proto.BrokerMessage
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		require.NoError(t, ws.ReadJSON(&msg))
		return msg
	}

	a := reg("msgdrop-d1-E")
	require.Equal(t, proto.BrokerOpen, read(a).Type)
	b := reg("msgdrop-d1-M")
	require.Equal(t, proto.BrokerOpen, read(b).Type)
	dup := reg("msgdrop-d1-M")
	require.Equal(t, proto.BrokerIDTaken, read(dup).Type)

	require.NoError(t, a.WriteJSON(proto.BrokerMessage{
		Type: proto.BrokerOffer, Dst: "msgdrop-d1-M",
		Payload: &proto.BrokerPayload{ConnectionID: "c1", SDP: "v=0"},
	}))
	offer := read(b)
	require.Equal(t, proto.BrokerOffer, offer.Type)
	require.Equal(t, "msgdrop-d1-E", offer.Src)
	require.Equal(t, "c1", offer.Payload.ConnectionID)

	require.NoError(t, a.WriteJSON(proto.BrokerMessage{
		Type: proto.BrokerLeave, Dst: "msgdrop-d1-M",
		Payload: &proto.BrokerPayload{ConnectionID: "c1"},
	}))
	leave := read(b)
	require.Equal(t, proto.BrokerLeave, leave.Type)
	require.Equal(t, "msgdrop-d1-E", leave.Src)
	require.Equal(t, "c1", leave.Payload.ConnectionID)

	require.NoError(t, a.WriteJSON(proto.BrokerMessage{
		Type: proto.BrokerOffer, Dst: "nobody",
		Payload: &proto.BrokerPayload{ConnectionID: "c2", SDP: "v=0"},
	}))
	expire := read(a)
	require.Equal(t, proto.BrokerUnavailable, expire.Type)
	require.Equal(t, "c2", expire.Payload.ConnectionID)

	resp, err := http.Get(f.srv.URL + "/peer?id=x")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
