// Package dispatch decodes inbound socket frames, routes them by kind and
// serialises outbound actions.
package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/proto"
)

var log = logging.Logger("dispatch")

// Sender is the transport side; Send serialises v and reports success.
type Sender interface {
	Send(v any) bool
}

// Handler receives one decoded envelope on the session loop.
type Handler func(env proto.Envelope)

// Inbound kinds a handler may be registered for.
var Kinds = []string{
	proto.KindUpdate,
	proto.KindTyping,
	proto.KindPresence,
	proto.KindPresenceRequest,
	proto.KindGame,
	proto.KindGameList,
	proto.KindStreak,
	proto.KindDelivery,
	proto.KindRead,
	proto.KindVideoSignal,
	proto.KindError,
	proto.KindPong,
}

var validate = validator.New()

type Dispatcher struct {
	send     Sender
	self     string
	handlers map[string]Handler
	video    func(proto.VideoSignal)
}

// New returns a dispatcher sending through send as participant self.
func New(send Sender, self string) *Dispatcher {
	d := &Dispatcher{
		send:     send,
		self:     self,
		handlers: make(map[string]Handler),
	}
	d.handlers[proto.KindError] = logHubError
	d.handlers[proto.KindPong] = func(proto.Envelope) {}
	return d
}

// SetSender swaps the transport, e.g. after a role switch.
func (d *Dispatcher) SetSender(send Sender, self string) {
	d.send = send
	d.self = self
}

func (d *Dispatcher) Self() string { return d.self }

// Handle registers h as the one handler for kind, replacing any previous one.
func (d *Dispatcher) Handle(kind string, h Handler) error {
	if !knownKind(kind) {
		return fmt.Errorf("unknown inbound kind %q", kind)
	}
	d.handlers[kind] = h
	return nil
}

// OnVideoSignal sets the fast path for validated video_signal payloads.
func (d *Dispatcher) OnVideoSignal(fn func(proto.VideoSignal)) {
	d.video = fn
}

func knownKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Deliver routes one raw frame. Malformed frames and handler panics are
// logged; nothing escapes to the caller.
func (d *Dispatcher) Deliver(frame []byte) {
	env, err := proto.Decode(frame)
	if err != nil {
		log.Warnf("malformed frame dropped: %v", err)
		return
	}
	kind := env.Kind()

	if kind == proto.KindVideoSignal && d.video != nil {
		if sig, err := DecodeVideoSignal(env); err != nil {
			log.Warnf("video_signal dropped: %v", err)
		} else {
			d.guard(kind, func() { d.video(sig) })
		}
	}

	h, ok := d.handlers[kind]
	if !ok || h == nil {
		return
	}
	d.guard(kind, func() { h(env) })
}

func (d *Dispatcher) guard(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("handler for %s panicked: %v", kind, r)
		}
	}()
	fn()
}

// DecodeVideoSignal reads and validates the payload of a video_signal.
func DecodeVideoSignal(env proto.Envelope) (proto.VideoSignal, error) {
	var sig proto.VideoSignal
	if err := json.Unmarshal(env.Body(), &sig); err != nil {
		return proto.VideoSignal{}, fmt.Errorf("decode: %w", err)
	}
	if err := validate.Struct(sig); err != nil {
		return proto.VideoSignal{}, fmt.Errorf("validate: %w", err)
	}
	return sig, nil
}

func logHubError(env proto.Envelope) {
	msg := env.Error
	if msg == "" {
		msg = env.Message
	}
	if msg == "" {
		msg = string(env.Body())
	}
	log.Warnf("hub error: %s", msg)
}

// ── Outbound actions ─────────────────────────────────────────────────────────
// Each returns false if the frame could not be queued. No retry.

func (d *Dispatcher) emit(action string, payload any) bool {
	if d.send == nil {
		return false
	}
	env, err := proto.NewAction(action, payload)
	if err != nil {
		log.Warnf("encode %s: %v", action, err)
		return false
	}
	return d.send.Send(env)
}

func (d *Dispatcher) SendChat(text, clientID string, replyTo int64) bool {
	return d.emit(proto.ActionChat, proto.Chat{Text: text, User: d.self, ClientID: clientID, ReplyTo: replyTo})
}

func (d *Dispatcher) SendTyping(state string, ts int64) bool {
	return d.emit(proto.ActionTyping, proto.Typing{State: state, TS: ts})
}

func (d *Dispatcher) SendRead(upToSeq int64) bool {
	return d.emit(proto.ActionRead, proto.Read{UpToSeq: upToSeq, Reader: d.self})
}

// SendVideoSignal stamps From with the local participant.
func (d *Dispatcher) SendVideoSignal(sig proto.VideoSignal) bool {
	sig.From = d.self
	return d.emit(proto.ActionVideoSignal, sig)
}

func (d *Dispatcher) SendGame(payload any) bool {
	return d.emit(proto.ActionGame, payload)
}

func (d *Dispatcher) SendPresence(state string, ts int64) bool {
	return d.emit(proto.ActionPresence, proto.Presence{User: d.self, State: state, TS: ts})
}

func (d *Dispatcher) SendPresenceRequest() bool {
	return d.emit(proto.ActionPresenceRequest, nil)
}

func (d *Dispatcher) SendPing() bool {
	return d.emit(proto.ActionPing, nil)
}
