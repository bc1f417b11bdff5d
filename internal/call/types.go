package call

import (
	"errors"
	"time"

	"github.com/petervdpas/msgdrop/internal/proto"
)

// Phase of the one call a client can hold.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseCalling      Phase = "calling" // caller: invited, waiting for answer
	PhaseRinging      Phase = "ringing" // callee: invitation on screen
	PhaseConnecting   Phase = "connecting"
	PhaseActive       Phase = "active"
	PhaseEnded        Phase = "ended"
	PhaseMissed       Phase = "missed"
	PhaseDeclined     Phase = "declined"
	PhaseDisconnected Phase = "disconnected"
)

// Terminal reports whether p is one of the short-lived end states.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseEnded, PhaseMissed, PhaseDeclined, PhaseDisconnected:
		return true
	}
	return false
}

func phaseForReason(reason string) Phase {
	switch reason {
	case proto.ReasonMissed:
		return PhaseMissed
	case proto.ReasonDeclined:
		return PhaseDeclined
	case proto.ReasonDisconnected:
		return PhaseDisconnected
	default:
		return PhaseEnded
	}
}

// Media acquisition failures. Anything else is reported as a generic failure.
var (
	ErrPermissionDenied = errors.New("camera or microphone permission denied")
	ErrNoDevice         = errors.New("no camera or microphone available")
)

// ErrEndpointTaken is reported by a Facility when the requested endpoint id
// is already registered by someone else.
var ErrEndpointTaken = errors.New("media endpoint id taken")

// Stream is a local or remote media stream.
type Stream interface {
	ID() string
	// Stop releases every track. Safe to call more than once.
	Stop()
}

// Connection is a media facility handle for one peer-to-peer call.
type Connection interface {
	RemoteID() string
}

// Constraints select which local tracks to request.
type Constraints struct {
	Video bool
	Audio bool
}

// MediaSource acquires local camera/microphone. Acquire returns at once;
// done is called exactly once, from any goroutine.
type MediaSource interface {
	Acquire(c Constraints, done func(Stream, error))
}

// Facility is the peer-to-peer media layer (register an endpoint id, place
// and answer calls). Results arrive as MediaEvents.
type Facility interface {
	Register(id string)
	// Call returns a handle at once. An unregistered remote is reported later
	// as EventUnavailable. A nil handle means the call could not be placed.
	Call(remoteID string, local Stream) Connection
	Accept(conn Connection, local Stream) error
	Close(conn Connection)
	Destroy()
}

type EventKind int

const (
	EventRegistered     EventKind = iota + 1 // ID is now ours
	EventRegisterFailed                      // Err, possibly ErrEndpointTaken
	EventBrokerLost                          // registration dropped, must re-register
	EventIncoming                            // Conn is an inbound call object
	EventRemoteStream                        // Conn produced Stream
	EventUnavailable                         // ID is not registered
	EventClosed                              // Conn closed or failed
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventRegisterFailed:
		return "register-failed"
	case EventBrokerLost:
		return "broker-lost"
	case EventIncoming:
		return "incoming"
	case EventRemoteStream:
		return "remote-stream"
	case EventUnavailable:
		return "unavailable"
	case EventClosed:
		return "closed"
	}
	return "unknown"
}

type MediaEvent struct {
	Kind   EventKind
	ID     string
	Conn   Connection
	Stream Stream
	Err    error
}

// Signaler is the only surface the call package needs from the session
// channel: it sends video_signal payloads to the other participant.
type Signaler interface {
	SendVideoSignal(sig proto.VideoSignal) bool
}

// Snapshot is what a presenter sees. Presenters never keep their own call
// state; each snapshot replaces the previous one.
type Snapshot struct {
	Phase          Phase
	IsCaller       bool
	Remote         string // participant label of the other side
	RemoteEndpoint string
	StartedAt      time.Time
	Duration       int    // seconds, set on terminal phases
	Reason         string // set on terminal phases
	Local          Stream
	RemoteStream   Stream
}

// Presenter renders call state. Both methods run on the session loop.
type Presenter interface {
	CallChanged(s Snapshot)
	CallNotice(msg string)
}

type nopPresenter struct{}

func (nopPresenter) CallChanged(Snapshot) {}
func (nopPresenter) CallNotice(string)    {}

// Timing of the callee answer wait and the declined display.
type Timing struct {
	AnswerWait    time.Duration
	AnswerPoll    time.Duration
	DeclineLinger time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		AnswerWait:    15 * time.Second,
		AnswerPoll:    500 * time.Millisecond,
		DeclineLinger: 2 * time.Second,
	}
}
