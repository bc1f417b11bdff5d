package peer

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/msgdrop/internal/call"
	"github.com/petervdpas/msgdrop/internal/proto"
)

// fakeBroker registers any id except "taken" and answers every offer with
// EXPIRE. Frames on push are written to the registered client.
type fakeBroker struct {
	srv  *httptest.Server
	push chan proto.BrokerMessage
	kill chan struct{}
}

func newFakeBroker(t *testing.T) *fakeBroker {
	b := &fakeBroker{
		push: make(chan proto.BrokerMessage, 4),
		kill: make(chan struct{}),
	}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if r.URL.Query().Get(proto.BrokerQueryID) == "taken" {
			_ = ws.WriteJSON(proto.BrokerMessage{Type: proto.BrokerIDTaken})
			return
		}
		if err := ws.WriteJSON(proto.BrokerMessage{Type: proto.BrokerOpen}); err != nil {
			return
		}

		in := make(chan proto.BrokerMessage)
		go func() {
			defer close(in)
			for {
				var msg proto.BrokerMessage
				if err := ws.ReadJSON(&msg); err != nil {
					return
				}
				in <- msg
			}
		}()
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					return
				}
				if msg.Type == proto.BrokerOffer {
					_ = ws.WriteJSON(proto.BrokerMessage{Type: proto.BrokerUnavailable, Src: msg.Dst, Payload: msg.Payload})
				}
			case msg := <-b.push:
				_ = ws.WriteJSON(msg)
			case <-b.kill:
				return
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func newTestPeer(t *testing.T, b *fakeBroker) (*Peer, chan call.MediaEvent) {
	events := make(chan call.MediaEvent, 8)
	p, err := New(Config{ServerURL: b.srv.URL, Token: "t"}, func(ev call.MediaEvent) { events <- ev })
	require.NoError(t, err)
	t.Cleanup(p.Destroy)
	return p, events
}

func next(t *testing.T, events <-chan call.MediaEvent) call.MediaEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(20 * time.Second):
		t.Fatal("no media event")
	}
	return call.MediaEvent{}
}

func TestRegisterTaken(t *testing.T) {
	p, events := newTestPeer(t, newFakeBroker(t))
	p.Register("taken")
	ev := next(t, events)
	require.Equal(t, call.EventRegisterFailed, ev.Kind)
	require.ErrorIs(t, ev.Err, call.ErrEndpointTaken)
	require.Empty(t, p.ID())
}

func TestRegisterAndBrokerLoss(t *testing.T) {
	b := newFakeBroker(t)
	p, events := newTestPeer(t, b)
	p.Register("msgdrop-d1-E")
	ev := next(t, events)
	require.Equal(t, call.EventRegistered, ev.Kind)
	require.Equal(t, "msgdrop-d1-E", ev.ID)
	require.Equal(t, "msgdrop-d1-E", p.ID())

	close(b.kill)
	require.Equal(t, call.EventBrokerLost, next(t, events).Kind)
	require.Empty(t, p.ID())
}

func TestCallUnregisteredRemote(t *testing.T) {
	p, events := newTestPeer(t, newFakeBroker(t))
	p.Register("msgdrop-d1-E")
	require.Equal(t, call.EventRegistered, next(t, events).Kind)

	conn := p.Call("msgdrop-d1-M", nil)
	require.NotNil(t, conn)
	require.Equal(t, "msgdrop-d1-M", conn.RemoteID())

	ev := next(t, events)
	require.Equal(t, call.EventUnavailable, ev.Kind)
	require.Equal(t, "msgdrop-d1-M", ev.ID)
	require.Same(t, conn, ev.Conn)
}

func TestCallWithoutBrokerIsUnavailable(t *testing.T) {
	p, events := newTestPeer(t, newFakeBroker(t))
	conn := p.Call("msgdrop-d1-M", nil)
	require.NotNil(t, conn)
	ev := next(t, events)
	require.Equal(t, call.EventUnavailable, ev.Kind)
}

func TestInboundOffer(t *testing.T) {
	b := newFakeBroker(t)
	p, events := newTestPeer(t, b)
	p.Register("msgdrop-d1-M")
	require.Equal(t, call.EventRegistered, next(t, events).Kind)

	b.push <- proto.BrokerMessage{Type: proto.BrokerOffer, Src: "msgdrop-d1-E", Payload: &proto.BrokerPayload{ConnectionID: "c1"}}
	ev := next(t, events)
	require.Equal(t, call.EventIncoming, ev.Kind)
	require.Equal(t, "msgdrop-d1-E", ev.Conn.RemoteID())

	// An offer without a description cannot be answered.
	require.ErrorIs(t, p.Accept(ev.Conn, nil), ErrNoOffer)
	require.Error(t, p.Accept(otherConn{}, nil))
}

func TestRemoteLeaveClosesCall(t *testing.T) {
	b := newFakeBroker(t)
	p, events := newTestPeer(t, b)
	p.Register("msgdrop-d1-M")
	require.Equal(t, call.EventRegistered, next(t, events).Kind)

	b.push <- proto.BrokerMessage{Type: proto.BrokerOffer, Src: "msgdrop-d1-E", Payload: &proto.BrokerPayload{ConnectionID: "c1"}}
	in := next(t, events)
	require.Equal(t, call.EventIncoming, in.Kind)

	b.push <- proto.BrokerMessage{Type: proto.BrokerLeave, Src: "msgdrop-d1-E", Payload: &proto.BrokerPayload{ConnectionID: "c1"}}
	ev := next(t, events)
	require.Equal(t, call.EventClosed, ev.Kind)
	require.Same(t, in.Conn, ev.Conn)

	// A second LEAVE for the same call is ignored.
	b.push <- proto.BrokerMessage{Type: proto.BrokerLeave, Src: "msgdrop-d1-E", Payload: &proto.BrokerPayload{ConnectionID: "c1"}}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

type otherConn struct{}

func (otherConn) RemoteID() string { return "x" }

func TestBrokerURL(t *testing.T) {
	u, err := brokerURL("http://127.0.0.1:8686")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:8686/peer", u.String())
}
