// Package call negotiates one peer-to-peer call between the two participants
// of a room. The Machine is driven from the session loop by video_signal
// payloads, media facility events and local user actions.
//
// Signalling sequence (video_signal ops over the session channel):
//
//	caller                          callee
//	─────────────────────────────────────────────────────
//	peer_ready  ◄──────────────────► peer_ready  (on every endpoint change)
//	incoming    ────────────────────► ringing
//	            ◄──────────────────── answered   (on accept)
//	facility Call ──────────────────► facility Accept
//	ended       ◄──────────────────► ended       (either side)
//
// The caller places the facility call as soon as it has local media. If the
// callee's endpoint is not registered yet that call is reported unavailable
// and the caller keeps waiting; the first answered re-places it (late join).
package call

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/loop"
	"github.com/petervdpas/msgdrop/internal/proto"
)

var log = logging.Logger("call")

// Notices shown to the user.
const (
	NoticeInProgress      = "a call is already in progress"
	NoticeWaiting         = "waiting for answer"
	NoticeDeclined        = "call declined"
	NoticeCouldNotConnect = "could not connect"
	NoticeNoDevice        = "no camera or microphone found"
	NoticePermission      = "camera or microphone permission denied"
	NoticeMediaFailed     = "could not start camera or microphone"
	NoticeDisabled        = "calls are disabled"
)

// Options configures a Machine. Sched, Signal and Self are required; the
// rest have usable zero values.
type Options struct {
	Room           string
	Self           string // participant label, E or M
	EndpointPrefix string
	Constraints    Constraints
	Timing         Timing

	Sched     loop.Scheduler
	Signal    Signaler
	Facility  Facility    // nil disables calls
	Media     MediaSource // nil disables calls
	Presenter Presenter   // nil is a no-op
}

type session struct {
	isCaller      bool
	acquiring     bool
	local         Stream
	remote        Stream
	conn          Connection
	startedAt     time.Time
	reachedActive bool
	pollDeadline  time.Time
}

// Machine negotiates one video call at a time between the two participants
// of a room. Every method, and every MediaEvent, must run on Sched.
type Machine struct {
	opts      Options
	presenter Presenter

	phase Phase
	sess  *session

	endpoint       string
	registered     bool
	registering    bool
	remoteEndpoint string
	pending        Connection

	acquireSeq uint64
	poll       loop.Timer
	linger     loop.Timer
	shut       bool
}

// New returns an idle machine. Empty Timing, EndpointPrefix and Constraints
// fall back to their defaults.
func New(opts Options) *Machine {
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	if opts.EndpointPrefix == "" {
		opts.EndpointPrefix = "msgdrop"
	}
	if !opts.Constraints.Video && !opts.Constraints.Audio {
		opts.Constraints = Constraints{Video: true, Audio: true}
	}
	p := opts.Presenter
	if p == nil {
		p = nopPresenter{}
	}
	return &Machine{
		opts:      opts,
		presenter: p,
		phase:     PhaseIdle,
		endpoint:  EndpointID(opts.EndpointPrefix, opts.Room, opts.Self),
	}
}

// EndpointID is the deterministic media endpoint id for a participant.
func EndpointID(prefix, room, participant string) string {
	return prefix + "-" + room + "-" + participant
}

// Other returns the other participant label.
func Other(self string) string {
	if self == "E" {
		return "M"
	}
	return "E"
}

func (m *Machine) enabled() bool {
	return !m.shut && m.opts.Facility != nil && m.opts.Media != nil
}

func (m *Machine) remote() string { return Other(m.opts.Self) }

// Endpoint returns the current local endpoint id.
func (m *Machine) Endpoint() string { return m.endpoint }

// Registered reports whether the local endpoint is registered.
func (m *Machine) Registered() bool { return m.registered }

// RemoteEndpoint is the last endpoint id the other side announced, falling
// back to its deterministic id.
func (m *Machine) RemoteEndpoint() string {
	if m.remoteEndpoint != "" {
		return m.remoteEndpoint
	}
	return EndpointID(m.opts.EndpointPrefix, m.opts.Room, m.remote())
}

func (m *Machine) Phase() Phase { return m.phase }

func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		Phase:          m.phase,
		Remote:         m.remote(),
		RemoteEndpoint: m.RemoteEndpoint(),
	}
	if m.sess != nil {
		s.IsCaller = m.sess.isCaller
		s.Local = m.sess.local
		s.RemoteStream = m.sess.remote
		if m.sess.reachedActive {
			s.StartedAt = m.sess.startedAt
		}
	}
	return s
}

func (m *Machine) setPhase(p Phase) {
	if m.phase == p {
		return
	}
	log.Debugf("%s → %s", m.phase, p)
	m.phase = p
	m.presenter.CallChanged(m.Snapshot())
}

func (m *Machine) signal(op string, fill func(*proto.VideoSignal)) {
	sig := proto.VideoSignal{Op: op, From: m.opts.Self}
	if fill != nil {
		fill(&sig)
	}
	if !m.opts.Signal.SendVideoSignal(sig) {
		log.Warnf("video_signal %s not sent", op)
	}
}

// ── Endpoint registration ────────────────────────────────────────────────────

// EnsureRegistered starts registration of the local endpoint if needed.
func (m *Machine) EnsureRegistered() {
	if !m.enabled() || m.registered || m.registering {
		return
	}
	m.registering = true
	log.Infof("registering endpoint %s", m.endpoint)
	m.opts.Facility.Register(m.endpoint)
}

// ChannelOpened re-announces the endpoint after the session channel (re)opens.
func (m *Machine) ChannelOpened() {
	if !m.enabled() {
		return
	}
	if m.registered {
		m.announce()
		return
	}
	m.EnsureRegistered()
}

func (m *Machine) announce() {
	id := m.endpoint
	m.signal(proto.OpPeerReady, func(s *proto.VideoSignal) { s.PeerID = id })
}

// ── Local actions ────────────────────────────────────────────────────────────

// Start initiates a call as caller. A second call while one exists is
// rejected and the current one re-presented.
func (m *Machine) Start() {
	if !m.enabled() {
		m.presenter.CallNotice(NoticeDisabled)
		return
	}
	if m.sess != nil {
		m.presenter.CallNotice(NoticeInProgress)
		m.presenter.CallChanged(m.Snapshot())
		return
	}
	m.EnsureRegistered()
	m.sess = &session{isCaller: true}
	sess := m.sess
	m.acquire(sess, func(stream Stream) {
		sess.local = stream
		m.setPhase(PhaseCalling)
		id := m.endpoint
		m.signal(proto.OpIncoming, func(s *proto.VideoSignal) { s.PeerID = id })
		m.dial()
	})
}

// Accept answers a ringing invitation.
func (m *Machine) Accept() {
	if m.sess == nil || m.sess.isCaller || m.phase != PhaseRinging || m.sess.acquiring {
		return
	}
	m.EnsureRegistered()
	sess := m.sess
	m.acquire(sess, func(stream Stream) {
		sess.local = stream
		m.setPhase(PhaseConnecting)
		id := m.endpoint
		m.signal(proto.OpAnswered, func(s *proto.VideoSignal) { s.PeerID = id })
		m.startAnswerWait()
	})
}

// Decline rejects a ringing invitation.
func (m *Machine) Decline() {
	if m.sess == nil || m.sess.isCaller || m.phase != PhaseRinging {
		return
	}
	m.signal(proto.OpDeclined, nil)
	m.teardown(proto.ReasonDeclined, 0)
}

// End hangs up. While ringing it declines; a caller still calling cancels
// (reason missed). A caller whose media is not ready yet has told nobody,
// so it just drops the attempt.
func (m *Machine) End() {
	if m.sess == nil {
		return
	}
	if m.phase == PhaseRinging && !m.sess.isCaller {
		m.Decline()
		return
	}
	if m.sess.isCaller && m.phase == PhaseIdle {
		// Media is still being acquired and the callee was never invited.
		log.Infof("call cancelled before media was ready")
		m.teardown("", 0)
		return
	}
	m.endLocal(proto.ReasonEnded)
}

// endLocal tears down, reports ended to the other side and computes the
// duration: seconds since active, or 0 with reason missed if never active.
func (m *Machine) endLocal(reason string) {
	duration := 0
	if m.sess.reachedActive {
		duration = int(math.Round(m.opts.Sched.Now().Sub(m.sess.startedAt).Seconds()))
	} else if reason == proto.ReasonEnded {
		reason = proto.ReasonMissed
	}
	m.signal(proto.OpEnded, func(s *proto.VideoSignal) {
		s.Duration = duration
		s.Reason = reason
	})
	m.teardown(reason, duration)
}

// ChannelLost performs local-only teardown after the session channel closed.
func (m *Machine) ChannelLost() {
	if m.sess == nil {
		m.closePending()
		return
	}
	log.Infof("session channel lost during %s call", m.phase)
	m.teardown("", 0)
}

// Shutdown tears everything down locally and releases the facility.
func (m *Machine) Shutdown() {
	m.ChannelLost()
	if m.opts.Facility != nil {
		m.opts.Facility.Destroy()
	}
	m.registered = false
	m.registering = false
	m.shut = true
}

// ── Media acquisition ────────────────────────────────────────────────────────

func (m *Machine) acquire(sess *session, then func(Stream)) {
	m.acquireSeq++
	seq := m.acquireSeq
	sess.acquiring = true
	m.opts.Media.Acquire(m.opts.Constraints, func(stream Stream, err error) {
		m.opts.Sched.Post(func() {
			if seq != m.acquireSeq || m.sess != sess {
				if stream != nil {
					stream.Stop()
				}
				return
			}
			sess.acquiring = false
			if err != nil {
				m.mediaFailed(err)
				return
			}
			then(stream)
		})
	})
}

func (m *Machine) mediaFailed(err error) {
	log.Warnf("media acquisition failed: %v", err)
	switch {
	case errors.Is(err, ErrPermissionDenied):
		m.presenter.CallNotice(NoticePermission)
	case errors.Is(err, ErrNoDevice):
		m.presenter.CallNotice(NoticeNoDevice)
	default:
		m.presenter.CallNotice(NoticeMediaFailed + ": " + err.Error())
	}
	if !m.sess.isCaller && m.phase == PhaseRinging {
		// The caller is still waiting on us.
		m.signal(proto.OpDeclined, nil)
	}
	m.sess = nil
	m.closePending()
	m.phase = PhaseIdle
	m.presenter.CallChanged(m.Snapshot())
}

// ── Facility calls ───────────────────────────────────────────────────────────

func (m *Machine) dial() {
	target := m.RemoteEndpoint()
	log.Infof("calling %s", target)
	conn := m.opts.Facility.Call(target, m.sess.local)
	if conn == nil {
		log.Warnf("facility could not place call to %s", target)
		return
	}
	m.sess.conn = conn
}

// startAnswerWait polls for the caller's inbound call object.
func (m *Machine) startAnswerWait() {
	m.sess.pollDeadline = m.opts.Sched.Now().Add(m.opts.Timing.AnswerWait)
	m.pollOnce()
}

func (m *Machine) pollOnce() {
	sess := m.sess
	if m.pending != nil {
		conn := m.pending
		m.pending = nil
		if err := m.opts.Facility.Accept(conn, sess.local); err != nil {
			log.Warnf("accept %s: %v", conn.RemoteID(), err)
			m.presenter.CallNotice(NoticeCouldNotConnect)
			m.endLocal(proto.ReasonDisconnected)
			return
		}
		sess.conn = conn
		log.Infof("accepted call from %s", conn.RemoteID())
		return
	}
	if !m.opts.Sched.Now().Before(sess.pollDeadline) {
		log.Warnf("no inbound call within %s", m.opts.Timing.AnswerWait)
		m.presenter.CallNotice(NoticeCouldNotConnect)
		m.endLocal(proto.ReasonDisconnected)
		return
	}
	var t loop.Timer
	t = m.opts.Sched.AfterFunc(m.opts.Timing.AnswerPoll, func() {
		if m.poll != t || m.sess != sess {
			return
		}
		m.poll = nil
		m.pollOnce()
	})
	m.poll = t
}

func (m *Machine) closePending() {
	if m.pending != nil {
		m.opts.Facility.Close(m.pending)
		m.pending = nil
	}
}

func (m *Machine) stopTimers() {
	if m.poll != nil {
		m.poll.Stop()
		m.poll = nil
	}
	if m.linger != nil {
		m.linger.Stop()
		m.linger = nil
	}
}

// teardown releases everything the call holds and returns to idle. A
// non-empty reason shows the matching terminal phase first.
func (m *Machine) teardown(reason string, duration int) {
	sess := m.sess
	if sess == nil {
		return
	}
	m.stopTimers()
	m.acquireSeq++
	if sess.local != nil {
		sess.local.Stop()
	}
	if sess.remote != nil {
		sess.remote.Stop()
	}
	if sess.conn != nil {
		m.opts.Facility.Close(sess.conn)
	}
	m.closePending()

	if reason != "" {
		snap := m.Snapshot()
		snap.Phase = phaseForReason(reason)
		snap.Reason = reason
		snap.Duration = duration
		snap.Local, snap.RemoteStream = nil, nil
		m.phase = snap.Phase
		log.Infof("call %s (%ds)", reason, duration)
		m.presenter.CallChanged(snap)
	}
	m.sess = nil
	m.setPhase(PhaseIdle)
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// HandleSignal is the dispatcher fast path for video_signal.
func (m *Machine) HandleSignal(sig proto.VideoSignal) {
	if sig.From == m.opts.Self || m.shut {
		return
	}
	if sig.PeerID != "" {
		m.remoteEndpoint = sig.PeerID
	}

	switch sig.Op {
	case proto.OpPeerReady:
		// A callee that re-registered under a new id after answering.
		if m.sess != nil && m.sess.isCaller && m.phase == PhaseConnecting && m.sess.conn == nil && m.sess.local != nil {
			m.dial()
		}

	case proto.OpIncoming:
		m.onIncoming()

	case proto.OpAnswered:
		if m.sess == nil || !m.sess.isCaller || m.sess.local == nil {
			return
		}
		if m.phase != PhaseCalling && m.phase != PhaseConnecting {
			return
		}
		m.setPhase(PhaseConnecting)
		if m.sess.conn == nil {
			m.dial()
		}

	case proto.OpDeclined:
		if m.sess == nil || !m.sess.isCaller || (m.phase != PhaseCalling && m.phase != PhaseConnecting) {
			return
		}
		m.presenter.CallNotice(NoticeDeclined)
		m.setPhase(PhaseDeclined)
		sess := m.sess
		var t loop.Timer
		t = m.opts.Sched.AfterFunc(m.opts.Timing.DeclineLinger, func() {
			if m.linger != t || m.sess != sess {
				return
			}
			m.linger = nil
			m.teardown(proto.ReasonDeclined, 0)
		})
		m.linger = t

	case proto.OpEnded:
		if m.sess == nil {
			return
		}
		reason := sig.Reason
		if reason == "" {
			reason = proto.ReasonEnded
		}
		if m.phase == PhaseRinging {
			reason = proto.ReasonMissed
		}
		m.teardown(reason, sig.Duration)
	}
}

func (m *Machine) onIncoming() {
	if !m.enabled() {
		return
	}
	if m.sess == nil {
		m.EnsureRegistered()
		m.sess = &session{}
		m.setPhase(PhaseRinging)
		return
	}
	// Both sides pressed call at once. The lower label stays caller; the
	// other side turns into the callee and answers with the media it has.
	if m.sess.isCaller && m.phase == PhaseCalling && strings.Compare(m.opts.Self, m.remote()) > 0 {
		log.Infof("simultaneous call, yielding to %s", m.remote())
		if m.sess.conn != nil {
			m.opts.Facility.Close(m.sess.conn)
			m.sess.conn = nil
		}
		m.sess.isCaller = false
		m.setPhase(PhaseConnecting)
		id := m.endpoint
		m.signal(proto.OpAnswered, func(s *proto.VideoSignal) { s.PeerID = id })
		m.startAnswerWait()
	}
}

// HandleMediaEvent applies one facility event.
func (m *Machine) HandleMediaEvent(ev MediaEvent) {
	if m.shut {
		return
	}
	switch ev.Kind {
	case EventRegistered:
		m.registering = false
		m.registered = true
		m.endpoint = ev.ID
		log.Infof("endpoint %s registered", ev.ID)
		m.announce()

	case EventRegisterFailed:
		m.registering = false
		m.registered = false
		if errors.Is(ev.Err, ErrEndpointTaken) {
			base := EndpointID(m.opts.EndpointPrefix, m.opts.Room, m.opts.Self)
			m.endpoint = base + "-" + uuid.NewString()[:6]
			log.Infof("endpoint id taken, retrying as %s", m.endpoint)
			m.EnsureRegistered()
			return
		}
		log.Warnf("endpoint registration failed: %v", ev.Err)

	case EventBrokerLost:
		m.registered = false
		m.registering = false
		m.EnsureRegistered()

	case EventIncoming:
		if ev.Conn == nil {
			return
		}
		if m.sess != nil && m.sess.isCaller {
			log.Warnf("dropping inbound call from %s while calling", ev.Conn.RemoteID())
			m.opts.Facility.Close(ev.Conn)
			return
		}
		if m.pending != nil && m.pending != ev.Conn {
			m.opts.Facility.Close(m.pending)
		}
		m.pending = ev.Conn

	case EventRemoteStream:
		if m.sess == nil || ev.Conn == nil || ev.Conn != m.sess.conn {
			if ev.Stream != nil {
				ev.Stream.Stop()
			}
			return
		}
		m.sess.remote = ev.Stream
		if !m.sess.reachedActive {
			m.sess.reachedActive = true
			m.sess.startedAt = m.opts.Sched.Now()
		}
		m.stopTimers()
		if m.phase == PhaseActive {
			// Renegotiated stream on a running call.
			m.presenter.CallChanged(m.Snapshot())
			return
		}
		m.setPhase(PhaseActive)

	case EventUnavailable:
		if m.sess == nil || !m.sess.isCaller || m.sess.conn == nil {
			return
		}
		if ev.ID != "" && ev.ID != m.sess.conn.RemoteID() {
			return
		}
		log.Infof("%s not registered yet, waiting", m.sess.conn.RemoteID())
		m.sess.conn = nil
		if m.phase == PhaseCalling {
			m.presenter.CallNotice(NoticeWaiting)
		}

	case EventClosed:
		if ev.Conn == nil {
			return
		}
		if ev.Conn == m.pending {
			m.pending = nil
			return
		}
		if m.sess == nil || ev.Conn != m.sess.conn {
			return
		}
		switch m.phase {
		case PhaseConnecting, PhaseActive:
			m.sess.conn = nil
			m.endLocal(proto.ReasonDisconnected)
		default:
			m.sess.conn = nil
		}
	}
}
