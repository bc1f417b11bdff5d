package call

import (
	"errors"
	"testing"
	"time"

	"github.com/petervdpas/msgdrop/internal/loop"
	"github.com/petervdpas/msgdrop/internal/proto"
)

type fakeConn struct{ remote string }

func (c *fakeConn) RemoteID() string { return c.remote }

type fakeFacility struct {
	registered []string
	calls      []*fakeConn
	accepted   []Connection
	closed     []Connection
	acceptErr  error
	destroyed  bool
}

func (f *fakeFacility) Register(id string) { f.registered = append(f.registered, id) }

func (f *fakeFacility) Call(remoteID string, _ Stream) Connection {
	c := &fakeConn{remote: remoteID}
	f.calls = append(f.calls, c)
	return c
}

func (f *fakeFacility) Accept(conn Connection, _ Stream) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = append(f.accepted, conn)
	return nil
}

func (f *fakeFacility) Close(conn Connection) { f.closed = append(f.closed, conn) }
func (f *fakeFacility) Destroy()              { f.destroyed = true }

func (f *fakeFacility) lastCall() *fakeConn {
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeStream struct {
	id      string
	stopped int
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) Stop()      { s.stopped++ }

type fakeMedia struct {
	err     error
	hold    bool
	held    []func(Stream, error)
	streams []*fakeStream
}

func (f *fakeMedia) Acquire(_ Constraints, done func(Stream, error)) {
	if f.hold {
		f.held = append(f.held, done)
		return
	}
	f.resolve(done)
}

func (f *fakeMedia) resolve(done func(Stream, error)) {
	if f.err != nil {
		done(nil, f.err)
		return
	}
	s := &fakeStream{id: "local"}
	f.streams = append(f.streams, s)
	done(s, nil)
}

type fakeSignaler struct{ sent []proto.VideoSignal }

func (f *fakeSignaler) SendVideoSignal(sig proto.VideoSignal) bool {
	f.sent = append(f.sent, sig)
	return true
}

func (f *fakeSignaler) ops() []string {
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Op
	}
	return out
}

func (f *fakeSignaler) last() proto.VideoSignal {
	return f.sent[len(f.sent)-1]
}

type recPresenter struct {
	snaps   []Snapshot
	notices []string
}

func (p *recPresenter) CallChanged(s Snapshot) { p.snaps = append(p.snaps, s) }
func (p *recPresenter) CallNotice(msg string)  { p.notices = append(p.notices, msg) }

func (p *recPresenter) phases() []Phase {
	out := make([]Phase, len(p.snaps))
	for i, s := range p.snaps {
		out[i] = s.Phase
	}
	return out
}

type harness struct {
	t     *testing.T
	clock *loop.Manual
	fac   *fakeFacility
	media *fakeMedia
	sig   *fakeSignaler
	pres  *recPresenter
	m     *Machine
	self  string
}

func newHarness(t *testing.T, self string) *harness {
	h := &harness{
		t:     t,
		clock: loop.NewManual(time.Unix(1_700_000_000, 0)),
		fac:   &fakeFacility{},
		media: &fakeMedia{},
		sig:   &fakeSignaler{},
		pres:  &recPresenter{},
		self:  self,
	}
	h.m = New(Options{
		Room:           "d1",
		Self:           self,
		EndpointPrefix: "msgdrop",
		Constraints:    Constraints{Video: true, Audio: true},
		Timing:         DefaultTiming(),
		Sched:          h.clock,
		Signal:         h.sig,
		Facility:       h.fac,
		Media:          h.media,
		Presenter:      h.pres,
	})
	return h
}

// run applies fn and drains posted continuations.
func (h *harness) run(fn func()) {
	fn()
	h.clock.Flush()
}

func (h *harness) signalFrom(op, peerID string) {
	h.run(func() {
		h.m.HandleSignal(proto.VideoSignal{Op: op, From: Other(h.self), PeerID: peerID})
	})
}

func (h *harness) event(ev MediaEvent) {
	h.run(func() { h.m.HandleMediaEvent(ev) })
}

var errCamera = errors.New("camera exploded")
