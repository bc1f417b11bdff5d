package session

import (
	"github.com/petervdpas/msgdrop/internal/call"
	"github.com/petervdpas/msgdrop/internal/presence"
	"github.com/petervdpas/msgdrop/internal/proto"
)

// Typing receives the other participant's typing state.
type Typing interface {
	TypingChanged(user, state string)
}

// Games receives game, game_list and streak envelopes untouched.
type Games interface {
	HandleGame(env proto.Envelope)
}

// PresenceView is told whenever a remote participant changes state.
type PresenceView interface {
	PresenceChanged(user string, rec presence.Record)
}

// Redirector sends the user to re-authenticate. target keeps the return path.
type Redirector interface {
	Reauthenticate(target string)
}

// FacilityFactory builds the media facility for one identity. emit may be
// called from any goroutine.
type FacilityFactory func(token string, emit func(call.MediaEvent)) (call.Facility, error)

type nopTyping struct{}

func (nopTyping) TypingChanged(string, string) {}

type nopGames struct{}

func (nopGames) HandleGame(proto.Envelope) {}

type nopPresence struct{}

func (nopPresence) PresenceChanged(string, presence.Record) {}

type logRedirector struct{}

func (logRedirector) Reauthenticate(target string) {
	log.Warnf("session credential rejected; re-authenticate at %s", target)
}
