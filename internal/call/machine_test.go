package call

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petervdpas/msgdrop/internal/proto"
)

const (
	endpointE = "msgdrop-d1-E"
	endpointM = "msgdrop-d1-M"
)

func TestCallerHappyPath(t *testing.T) {
	h := newHarness(t, "E")

	h.run(h.m.Start)
	require.Equal(t, PhaseCalling, h.m.Phase())
	require.Equal(t, []string{endpointE}, h.fac.registered)
	require.Equal(t, []string{proto.OpIncoming}, h.sig.ops())
	require.Equal(t, endpointE, h.sig.last().PeerID)
	require.Len(t, h.fac.calls, 1)
	require.Equal(t, endpointM, h.fac.calls[0].remote)

	h.signalFrom(proto.OpAnswered, endpointM)
	require.Equal(t, PhaseConnecting, h.m.Phase())
	require.Len(t, h.fac.calls, 1, "handle held, no re-call")

	h.event(MediaEvent{Kind: EventRemoteStream, Conn: h.fac.calls[0], Stream: &fakeStream{id: "remote"}})
	require.Equal(t, PhaseActive, h.m.Phase())
	require.False(t, h.m.Snapshot().StartedAt.IsZero())

	h.clock.Advance(42*time.Second + 400*time.Millisecond)
	h.run(h.m.End)

	end := h.sig.last()
	require.Equal(t, proto.OpEnded, end.Op)
	require.Equal(t, 42, end.Duration)
	require.Equal(t, proto.ReasonEnded, end.Reason)

	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Equal(t, []Phase{PhaseCalling, PhaseConnecting, PhaseActive, PhaseEnded, PhaseIdle}, h.pres.phases())
	ended := h.pres.snaps[len(h.pres.snaps)-2]
	require.Equal(t, 42, ended.Duration)
	require.Equal(t, 1, h.media.streams[0].stopped)
	require.Contains(t, h.fac.closed, Connection(h.fac.calls[0]))
}

func TestLateJoinRecallsOnce(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.Start)
	first := h.fac.lastCall()

	// Callee not registered yet: stay calling, drop the handle.
	h.event(MediaEvent{Kind: EventUnavailable, ID: endpointM})
	require.Equal(t, PhaseCalling, h.m.Phase())
	require.Contains(t, h.pres.notices, NoticeWaiting)

	h.signalFrom(proto.OpAnswered, endpointM+"-a1b2c3")
	require.Len(t, h.fac.calls, 2)
	require.Equal(t, endpointM+"-a1b2c3", h.fac.lastCall().remote)
	require.NotSame(t, first, h.fac.lastCall())

	h.signalFrom(proto.OpAnswered, endpointM+"-a1b2c3")
	require.Len(t, h.fac.calls, 2, "duplicate answered must not re-call")

	h.event(MediaEvent{Kind: EventRemoteStream, Conn: h.fac.lastCall(), Stream: &fakeStream{}})
	require.Equal(t, PhaseActive, h.m.Phase())
}

func TestStaleRemoteStreamIgnored(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.Start)
	stale := &fakeStream{}
	h.event(MediaEvent{Kind: EventRemoteStream, Conn: &fakeConn{remote: "other"}, Stream: stale})
	require.Equal(t, PhaseCalling, h.m.Phase())
	require.Equal(t, 1, stale.stopped)
}

func TestCalleeAcceptWaitsForInboundCall(t *testing.T) {
	h := newHarness(t, "M")

	h.signalFrom(proto.OpIncoming, endpointE)
	require.Equal(t, PhaseRinging, h.m.Phase())
	require.Equal(t, endpointE, h.m.RemoteEndpoint())

	h.run(h.m.Accept)
	require.Equal(t, PhaseConnecting, h.m.Phase())
	require.Equal(t, proto.OpAnswered, h.sig.last().Op)
	require.Equal(t, endpointM, h.sig.last().PeerID)

	h.clock.Advance(2 * time.Second)
	require.Empty(t, h.fac.accepted)

	inbound := &fakeConn{remote: endpointE}
	h.event(MediaEvent{Kind: EventIncoming, Conn: inbound})
	h.clock.Advance(500 * time.Millisecond)
	require.Equal(t, []Connection{inbound}, h.fac.accepted)

	h.event(MediaEvent{Kind: EventRemoteStream, Conn: inbound, Stream: &fakeStream{}})
	require.Equal(t, PhaseActive, h.m.Phase())

	// Nothing left polling.
	h.clock.Advance(time.Minute)
	require.Equal(t, PhaseActive, h.m.Phase())
}

func TestCalleeAcceptsHeldCallImmediately(t *testing.T) {
	h := newHarness(t, "M")
	inbound := &fakeConn{remote: endpointE}
	h.event(MediaEvent{Kind: EventIncoming, Conn: inbound})
	h.signalFrom(proto.OpIncoming, endpointE)
	h.run(h.m.Accept)
	require.Equal(t, []Connection{inbound}, h.fac.accepted)
}

func TestCalleeAnswerTimeout(t *testing.T) {
	h := newHarness(t, "M")
	h.signalFrom(proto.OpIncoming, endpointE)
	h.run(h.m.Accept)

	h.clock.Advance(14900 * time.Millisecond)
	require.Equal(t, PhaseConnecting, h.m.Phase())

	h.clock.Advance(100 * time.Millisecond)
	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Contains(t, h.pres.notices, NoticeCouldNotConnect)
	require.Contains(t, h.pres.phases(), PhaseDisconnected)
	require.Equal(t, proto.OpEnded, h.sig.last().Op)
	require.Equal(t, proto.ReasonDisconnected, h.sig.last().Reason)
	require.Equal(t, 1, h.media.streams[0].stopped)
}

func TestCalleeDecline(t *testing.T) {
	h := newHarness(t, "M")
	inbound := &fakeConn{remote: endpointE}
	h.event(MediaEvent{Kind: EventIncoming, Conn: inbound})
	h.signalFrom(proto.OpIncoming, endpointE)

	h.run(h.m.Decline)
	require.Equal(t, proto.OpDeclined, h.sig.last().Op)
	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Equal(t, []Phase{PhaseRinging, PhaseDeclined, PhaseIdle}, h.pres.phases())
	require.Equal(t, []Connection{inbound}, h.fac.closed)
}

func TestCallerSeesDeclinedThenIdle(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.Start)
	sent := len(h.sig.sent)

	h.signalFrom(proto.OpDeclined, "")
	require.Equal(t, PhaseDeclined, h.m.Phase())
	require.Contains(t, h.pres.notices, NoticeDeclined)

	h.clock.Advance(2 * time.Second)
	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Len(t, h.sig.sent, sent, "no re-signal on declined teardown")
	require.Equal(t, 1, h.media.streams[0].stopped)
}

func TestEndBeforeActiveIsMissed(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.Start)
	h.clock.Advance(10 * time.Second)
	h.run(h.m.End)

	end := h.sig.last()
	require.Equal(t, proto.OpEnded, end.Op)
	require.Zero(t, end.Duration)
	require.Equal(t, proto.ReasonMissed, end.Reason)
	require.Contains(t, h.pres.phases(), PhaseMissed)
}

func TestEndWhileAcquiringIsSilent(t *testing.T) {
	h := newHarness(t, "E")
	h.media.hold = true
	h.run(h.m.Start)
	require.Len(t, h.media.held, 1)

	h.run(h.m.End)
	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Empty(t, h.sig.sent, "callee never invited, nothing to end")
	require.NotContains(t, h.pres.phases(), PhaseMissed)

	// The late stream is released and no call is placed.
	h.run(func() { h.media.resolve(h.media.held[0]) })
	require.Equal(t, 1, h.media.streams[0].stopped)
	require.Empty(t, h.fac.calls)
	require.Empty(t, h.sig.sent)
}

func TestRemoteEnded(t *testing.T) {
	t.Run("stale while idle", func(t *testing.T) {
		h := newHarness(t, "E")
		h.signalFrom(proto.OpEnded, "")
		require.Empty(t, h.pres.snaps)
		require.Empty(t, h.sig.sent)
	})
	t.Run("while ringing is missed", func(t *testing.T) {
		h := newHarness(t, "M")
		h.signalFrom(proto.OpIncoming, endpointE)
		h.signalFrom(proto.OpEnded, "")
		require.Equal(t, []Phase{PhaseRinging, PhaseMissed, PhaseIdle}, h.pres.phases())
		require.Empty(t, h.sig.sent)
	})
	t.Run("while active keeps remote duration", func(t *testing.T) {
		h := newHarness(t, "E")
		h.run(h.m.Start)
		h.event(MediaEvent{Kind: EventRemoteStream, Conn: h.fac.lastCall(), Stream: &fakeStream{}})
		sent := len(h.sig.sent)
		h.run(func() {
			h.m.HandleSignal(proto.VideoSignal{Op: proto.OpEnded, From: "M", Duration: 7, Reason: proto.ReasonEnded})
		})
		require.Len(t, h.sig.sent, sent)
		ended := h.pres.snaps[len(h.pres.snaps)-2]
		require.Equal(t, PhaseEnded, ended.Phase)
		require.Equal(t, 7, ended.Duration)
	})
}

func TestMediaFailuresReturnToIdle(t *testing.T) {
	cases := map[string]struct {
		err    error
		notice string
	}{
		"permission": {ErrPermissionDenied, NoticePermission},
		"no device":  {ErrNoDevice, NoticeNoDevice},
		"generic":    {errCamera, NoticeMediaFailed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, "E")
			h.media.err = tc.err
			h.run(h.m.Start)
			require.Equal(t, PhaseIdle, h.m.Phase())
			require.Empty(t, h.sig.sent)
			require.Len(t, h.pres.notices, 1)
			require.True(t, strings.HasPrefix(h.pres.notices[0], tc.notice), h.pres.notices[0])

			// A new attempt is possible afterwards.
			h.media.err = nil
			h.run(h.m.Start)
			require.Equal(t, PhaseCalling, h.m.Phase())
		})
	}
}

func TestCalleeMediaFailureDeclines(t *testing.T) {
	h := newHarness(t, "M")
	h.signalFrom(proto.OpIncoming, endpointE)
	h.media.err = ErrNoDevice
	h.run(h.m.Accept)
	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Equal(t, proto.OpDeclined, h.sig.last().Op)
}

func TestSecondStartRejected(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.Start)
	h.run(h.m.Start)
	require.Len(t, h.fac.calls, 1)
	require.Len(t, h.media.streams, 1)
	require.Contains(t, h.pres.notices, NoticeInProgress)
	require.Equal(t, PhaseCalling, h.pres.snaps[len(h.pres.snaps)-1].Phase)
}

func TestChannelLostIsLocalOnly(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.Start)
	h.event(MediaEvent{Kind: EventRemoteStream, Conn: h.fac.lastCall(), Stream: &fakeStream{}})
	sent := len(h.sig.sent)

	h.run(h.m.ChannelLost)
	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Len(t, h.sig.sent, sent)
	require.Equal(t, 1, h.media.streams[0].stopped)
}

func TestStaleAcquisitionReleased(t *testing.T) {
	h := newHarness(t, "E")
	h.media.hold = true
	h.run(h.m.Start)
	require.Len(t, h.media.held, 1)

	h.run(h.m.ChannelLost)
	h.run(func() { h.media.resolve(h.media.held[0]) })

	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Equal(t, 1, h.media.streams[0].stopped)
	require.Empty(t, h.sig.sent)
}

func TestMediaDisconnectMidCall(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.Start)
	conn := h.fac.lastCall()
	h.event(MediaEvent{Kind: EventRemoteStream, Conn: conn, Stream: &fakeStream{}})
	h.clock.Advance(3 * time.Second)

	h.event(MediaEvent{Kind: EventClosed, Conn: conn})
	require.Equal(t, PhaseIdle, h.m.Phase())
	end := h.sig.last()
	require.Equal(t, proto.ReasonDisconnected, end.Reason)
	require.Equal(t, 3, end.Duration)
}

func TestCalleeConnectionClosedMidCall(t *testing.T) {
	h := newHarness(t, "M")
	h.signalFrom(proto.OpIncoming, endpointE)
	in := &fakeConn{remote: endpointE}
	h.event(MediaEvent{Kind: EventIncoming, ID: endpointE, Conn: in})
	h.run(h.m.Accept)
	h.event(MediaEvent{Kind: EventRemoteStream, Conn: in, Stream: &fakeStream{}})
	require.Equal(t, PhaseActive, h.m.Phase())

	h.event(MediaEvent{Kind: EventClosed, Conn: in})
	require.Equal(t, PhaseIdle, h.m.Phase())
	require.Equal(t, proto.ReasonDisconnected, h.sig.last().Reason)
	require.Contains(t, h.pres.phases(), PhaseDisconnected)
}

func TestEndpointCollisionRetries(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.EnsureRegistered)
	h.event(MediaEvent{Kind: EventRegisterFailed, Err: ErrEndpointTaken})

	require.Len(t, h.fac.registered, 2)
	retry := h.fac.registered[1]
	require.True(t, strings.HasPrefix(retry, endpointE+"-"))
	require.Len(t, retry, len(endpointE)+7)

	h.event(MediaEvent{Kind: EventRegistered, ID: retry})
	require.True(t, h.m.Registered())
	require.Equal(t, proto.OpPeerReady, h.sig.last().Op)
	require.Equal(t, retry, h.sig.last().PeerID)

	// Re-announced on channel reopen.
	h.run(h.m.ChannelOpened)
	require.Equal(t, []string{proto.OpPeerReady, proto.OpPeerReady}, h.sig.ops())
}

func TestPeerReadyUpdatesRemoteEndpoint(t *testing.T) {
	h := newHarness(t, "E")
	require.Equal(t, endpointM, h.m.RemoteEndpoint())
	h.signalFrom(proto.OpPeerReady, "msgdrop-d1-M-x")
	require.Equal(t, "msgdrop-d1-M-x", h.m.RemoteEndpoint())

	h.run(h.m.Start)
	require.Equal(t, "msgdrop-d1-M-x", h.fac.lastCall().remote)
}

func TestSimultaneousCall(t *testing.T) {
	t.Run("lower label keeps calling", func(t *testing.T) {
		h := newHarness(t, "E")
		h.run(h.m.Start)
		h.signalFrom(proto.OpIncoming, endpointM)
		require.Equal(t, PhaseCalling, h.m.Phase())
		require.True(t, h.m.Snapshot().IsCaller)
	})
	t.Run("higher label yields", func(t *testing.T) {
		h := newHarness(t, "M")
		h.run(h.m.Start)
		outgoing := h.fac.lastCall()
		h.signalFrom(proto.OpIncoming, endpointE)
		require.Equal(t, PhaseConnecting, h.m.Phase())
		require.False(t, h.m.Snapshot().IsCaller)
		require.Equal(t, proto.OpAnswered, h.sig.last().Op)
		require.Contains(t, h.fac.closed, Connection(outgoing))
	})
}

func TestOwnEchoIgnored(t *testing.T) {
	h := newHarness(t, "E")
	h.run(func() { h.m.HandleSignal(proto.VideoSignal{Op: proto.OpIncoming, From: "E", PeerID: endpointE}) })
	require.Equal(t, PhaseIdle, h.m.Phase())
}

func TestDisabledWithoutFacility(t *testing.T) {
	h := newHarness(t, "E")
	h.m = New(Options{Room: "d1", Self: "E", Sched: h.clock, Signal: h.sig, Presenter: h.pres})
	h.run(h.m.Start)
	require.Equal(t, []string{NoticeDisabled}, h.pres.notices)
	h.signalFrom(proto.OpIncoming, endpointM)
	require.Equal(t, PhaseIdle, h.m.Phase())
}

func TestShutdownDestroysFacility(t *testing.T) {
	h := newHarness(t, "E")
	h.run(h.m.Start)
	h.run(h.m.Shutdown)
	require.True(t, h.fac.destroyed)
	require.Equal(t, PhaseIdle, h.m.Phase())
	h.run(h.m.Start)
	require.Len(t, h.fac.calls, 1)
}
