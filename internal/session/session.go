// Package session is the context object a client builds once: it owns the
// serial loop and wires the channel, reconnect policy, dispatcher, presence
// tracker, call machine and chat sync together.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/auth"
	"github.com/petervdpas/msgdrop/internal/call"
	"github.com/petervdpas/msgdrop/internal/chat"
	"github.com/petervdpas/msgdrop/internal/dispatch"
	"github.com/petervdpas/msgdrop/internal/loop"
	"github.com/petervdpas/msgdrop/internal/presence"
	"github.com/petervdpas/msgdrop/internal/proto"
	"github.com/petervdpas/msgdrop/internal/reconnect"
	"github.com/petervdpas/msgdrop/internal/transport"
	"github.com/petervdpas/msgdrop/internal/util"
)

var log = logging.Logger("session")

// ErrNotSent means the socket refused the frame and no fallback exists.
var ErrNotSent = errors.New("message not sent")

type Options struct {
	ServerURL  string
	UnlockPath string
	ReturnTo   string // path handed to re-authentication
	Identity   transport.Identity

	ReconnectBase, ReconnectMax time.Duration
	Heartbeat, Expiry           time.Duration

	// Calls are enabled when both NewFacility and Media are set.
	NewFacility    FacilityFactory
	Media          call.MediaSource
	EndpointPrefix string
	Constraints    call.Constraints
	CallTiming     call.Timing

	// Optional collaborators.
	Presenter  call.Presenter
	Typing     Typing
	Games      Games
	Presence   PresenceView
	Redirector Redirector
	Fallback   *chat.Client

	// Exec replaces the built-in loop, e.g. loop.Manual in tests.
	Exec loop.Executor
}

type Session struct {
	opts Options
	exec loop.Executor
	lp   *loop.Loop // nil when Exec was injected

	id       transport.Identity
	ch       *transport.Channel
	policy   *reconnect.Policy
	disp     *dispatch.Dispatcher
	presence *presence.Tracker
	calls    *call.Machine
	chat     *chat.Sync
}

func New(opts Options) (*Session, error) {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 60 * time.Second
	}
	if opts.UnlockPath == "" {
		opts.UnlockPath = "/unlock"
	}
	if opts.Typing == nil {
		opts.Typing = nopTyping{}
	}
	if opts.Games == nil {
		opts.Games = nopGames{}
	}
	if opts.Presence == nil {
		opts.Presence = nopPresence{}
	}
	if opts.Redirector == nil {
		opts.Redirector = logRedirector{}
	}

	s := &Session{opts: opts, exec: opts.Exec, id: opts.Identity}
	if s.exec == nil {
		s.lp = loop.New(nil)
		s.exec = s.lp
	}

	s.disp = dispatch.New(nil, s.id.Participant)
	s.policy = reconnect.New(s.exec, opts.ReconnectBase, opts.ReconnectMax, s.connectNow)
	s.presence = s.newTracker(s.id.Participant)
	s.chat = chat.NewSync(s.id.Participant)
	s.route()

	if err := s.bind(s.id); err != nil {
		return nil, err
	}
	return s, nil
}

// route registers handlers that always reach the current tracker and
// call machine, so an identity switch needs no re-registration.
func (s *Session) route() {
	handlers := map[string]dispatch.Handler{
		proto.KindUpdate:          func(env proto.Envelope) { s.chat.HandleUpdate(env) },
		proto.KindDelivery:        func(env proto.Envelope) { s.chat.HandleDelivery(env) },
		proto.KindRead:            func(env proto.Envelope) { s.chat.HandleRead(env) },
		proto.KindPresence:        func(env proto.Envelope) { s.presence.HandlePresence(env) },
		proto.KindPresenceRequest: func(env proto.Envelope) { s.presence.HandleRequest(env) },
		proto.KindTyping:          s.onTyping,
		proto.KindGame:            s.onGame,
		proto.KindGameList:        s.onGame,
		proto.KindStreak:          s.onGame,
	}
	for kind, h := range handlers {
		if err := s.disp.Handle(kind, h); err != nil {
			log.Errorf("register %s: %v", kind, err)
		}
	}
	s.disp.OnVideoSignal(func(sig proto.VideoSignal) {
		if s.calls != nil {
			s.calls.HandleSignal(sig)
		}
	})
}

func (s *Session) newTracker(self string) *presence.Tracker {
	t := presence.New(s.exec, s.disp, self, s.opts.Heartbeat, s.opts.Expiry)
	t.OnChange(func(user string, rec presence.Record) {
		s.opts.Presence.PresenceChanged(user, rec)
	})
	return t
}

// bind builds the channel and call machine for id. Events from a channel
// or facility that is no longer current are dropped.
func (s *Session) bind(id transport.Identity) error {
	var ch *transport.Channel
	ch, err := transport.New(s.opts.ServerURL, s.exec, transport.Events{
		Open: func() {
			if s.ch == ch {
				s.opened()
			}
		},
		Message: func(frame []byte) {
			if s.ch == ch {
				s.disp.Deliver(frame)
			}
		},
		Close: func(code int, reason string) {
			if s.ch == ch {
				s.closed(code, reason)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("session channel: %w", err)
	}

	var m *call.Machine
	opts := call.Options{
		Room:           id.Room,
		Self:           id.Participant,
		EndpointPrefix: s.opts.EndpointPrefix,
		Constraints:    s.opts.Constraints,
		Timing:         s.opts.CallTiming,
		Sched:          s.exec,
		Signal:         s.disp,
		Presenter:      s.opts.Presenter,
	}
	if s.opts.NewFacility != nil && s.opts.Media != nil {
		fac, err := s.opts.NewFacility(id.Token, func(ev call.MediaEvent) {
			s.exec.Post(func() {
				if s.calls == m {
					m.HandleMediaEvent(ev)
				}
			})
		})
		if err != nil {
			log.Warnf("media facility unavailable, calls disabled: %v", err)
		} else {
			opts.Facility = fac
			opts.Media = s.opts.Media
		}
	}
	m = call.New(opts)

	s.id = id
	s.ch = ch
	s.calls = m
	s.disp.SetSender(ch, id.Participant)
	return nil
}

// ── Lifecycle (loop goroutine) ───────────────────────────────────────────────

func (s *Session) connectNow() {
	if s.ch.State() == transport.StateClosing {
		// Connect retires a closing socket without a Close event.
		s.calls.ChannelLost()
		s.presence.Stop()
	}
	err := s.ch.Connect(s.id)
	if errors.Is(err, transport.ErrNoCredential) {
		log.Warnf("no usable credential for %s/%s", s.id.Room, s.id.Participant)
		s.policy.Disconnect()
		s.reauthenticate()
	}
}

// opened runs the post-open sequence: heartbeat, presence request, read
// flush, media endpoint re-announce.
func (s *Session) opened() {
	s.policy.Opened()
	s.presence.Start()
	s.flushRead()
	s.calls.ChannelOpened()
}

func (s *Session) closed(code int, reason string) {
	s.calls.ChannelLost()
	s.presence.Stop()
	if proto.IsAuthClose(code) {
		log.Warnf("channel rejected (%d %s)", code, reason)
		s.policy.Disconnect()
		s.reauthenticate()
		return
	}
	s.policy.Closed(code)
}

func (s *Session) reauthenticate() {
	s.opts.Redirector.Reauthenticate(auth.ReauthURL(s.opts.UnlockPath, s.opts.ReturnTo))
}

func (s *Session) flushRead() {
	seq, pending := s.chat.PendingRead()
	if !pending {
		return
	}
	if s.disp.SendRead(seq) {
		s.chat.MarkAcked(seq)
		return
	}
	if s.opts.Fallback == nil {
		return
	}
	// Socket down: acknowledge over HTTP off the loop.
	id := s.id
	s.chat.MarkAcked(seq)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
		defer cancel()
		if _, err := s.opts.Fallback.MarkRead(ctx, id.Token, id.Room, seq); err != nil {
			log.Warnf("read fallback: %v", err)
		}
	}()
}

func (s *Session) teardown() {
	s.calls.Shutdown()
	s.presence.Reset()
	s.policy.Disconnect()
}

// ── Inbound handlers ─────────────────────────────────────────────────────────

func (s *Session) onTyping(env proto.Envelope) {
	var t proto.Typing
	if err := json.Unmarshal(env.Body(), &t); err != nil {
		log.Debugf("bad typing payload: %v", err)
		return
	}
	if t.User == "" || t.User == s.id.Participant {
		return
	}
	s.opts.Typing.TypingChanged(t.User, t.State)
}

func (s *Session) onGame(env proto.Envelope) {
	s.opts.Games.HandleGame(env)
}

// ── Public API (any goroutine) ───────────────────────────────────────────────

// Run connects and drives the loop until ctx ends, then tears down.
func (s *Session) Run(ctx context.Context) error {
	s.exec.Post(s.connectNow)
	if s.lp == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	err := s.lp.Run(ctx)
	s.teardown()
	s.ch.Abort()
	return err
}

// Connect re-enables reconnection and dials.
func (s *Session) Connect() {
	s.exec.Post(func() {
		s.policy.Resume()
		s.connectNow()
	})
}

// Disconnect closes the channel and suppresses reconnection until Connect.
func (s *Session) Disconnect() {
	s.exec.Post(func() {
		s.policy.Disconnect()
		s.ch.Close()
	})
}

// SwitchIdentity closes the current channel and call machine, then
// connects as id.
func (s *Session) SwitchIdentity(id transport.Identity) {
	s.exec.Post(func() {
		log.Infof("switching identity %s/%s → %s/%s", s.id.Room, s.id.Participant, id.Room, id.Participant)
		s.teardown()
		old := s.ch
		if err := s.bind(id); err != nil {
			log.Errorf("switch identity: %v", err)
			return
		}
		old.Close()
		s.presence = s.newTracker(id.Participant)
		s.chat.Reset(id.Participant)
		s.policy.Resume()
		s.connectNow()
	})
}

// SendChat sends text over the socket, falling back to HTTP when the
// socket is not open.
func (s *Session) SendChat(ctx context.Context, text string) error {
	return s.Reply(ctx, text, 0)
}

// Reply is SendChat quoting replyTo.
func (s *Session) Reply(ctx context.Context, text string, replyTo int64) error {
	clientID := uuid.NewString()
	var (
		sent bool
		id   transport.Identity
	)
	if err := s.exec.Do(ctx, func() {
		sent = s.disp.SendChat(text, clientID, replyTo)
		id = s.id
	}); err != nil {
		return err
	}
	if sent {
		return nil
	}
	if s.opts.Fallback == nil {
		return ErrNotSent
	}
	log.Infof("socket unavailable, posting over http")
	drop, err := s.opts.Fallback.Post(ctx, id.Token, id.Room, proto.Chat{
		Text: text, User: id.Participant, ClientID: clientID, ReplyTo: replyTo,
	})
	if err != nil {
		return fmt.Errorf("chat fallback: %w", err)
	}
	s.chat.Apply(drop)
	return nil
}

// Edits, deletes, reactions and history have no socket action; they go
// over HTTP and the hub broadcasts the resulting snapshot.

func (s *Session) httpIdentity(ctx context.Context) (transport.Identity, error) {
	if s.opts.Fallback == nil {
		return transport.Identity{}, ErrNotSent
	}
	var id transport.Identity
	if err := s.exec.Do(ctx, func() { id = s.id }); err != nil {
		return transport.Identity{}, err
	}
	return id, nil
}

func (s *Session) change(ctx context.Context, what string, fn func(transport.Identity) (proto.Drop, error)) error {
	id, err := s.httpIdentity(ctx)
	if err != nil {
		return err
	}
	drop, err := fn(id)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	s.chat.Apply(drop)
	return nil
}

// EditMessage replaces the text of one of our own messages.
func (s *Session) EditMessage(ctx context.Context, seq int64, text string) error {
	return s.change(ctx, "edit", func(id transport.Identity) (proto.Drop, error) {
		return s.opts.Fallback.Edit(ctx, id.Token, id.Room, seq, text)
	})
}

// DeleteMessage removes one of our own messages.
func (s *Session) DeleteMessage(ctx context.Context, seq int64) error {
	return s.change(ctx, "delete", func(id transport.Identity) (proto.Drop, error) {
		return s.opts.Fallback.Delete(ctx, id.Token, id.Room, seq)
	})
}

// React adds emoji to message seq, or takes one away when add is false.
func (s *Session) React(ctx context.Context, seq int64, emoji string, add bool) error {
	return s.change(ctx, "react", func(id transport.Identity) (proto.Drop, error) {
		return s.opts.Fallback.React(ctx, id.Token, id.Room, seq, emoji, add)
	})
}

// History fetches an older page without touching the live snapshot.
func (s *Session) History(ctx context.Context, limit int, before int64) (proto.Drop, error) {
	id, err := s.httpIdentity(ctx)
	if err != nil {
		return proto.Drop{}, err
	}
	return s.opts.Fallback.History(ctx, id.Token, id.Room, limit, before)
}

func (s *Session) SetTyping(state string) {
	s.exec.Post(func() { s.disp.SendTyping(state, s.exec.Now().UnixMilli()) })
}

// MarkRead acknowledges every remote message seen so far.
func (s *Session) MarkRead() {
	s.exec.Post(s.flushRead)
}

func (s *Session) SendGame(payload any) {
	s.exec.Post(func() { s.disp.SendGame(payload) })
}

func (s *Session) StartCall()   { s.exec.Post(func() { s.calls.Start() }) }
func (s *Session) AcceptCall()  { s.exec.Post(func() { s.calls.Accept() }) }
func (s *Session) DeclineCall() { s.exec.Post(func() { s.calls.Decline() }) }
func (s *Session) EndCall()     { s.exec.Post(func() { s.calls.End() }) }

// Presence returns the last known state of user.
func (s *Session) Presence(user string) presence.Record {
	rec := presence.Record{State: presence.Unknown}
	_ = s.exec.Do(context.Background(), func() { rec = s.presence.Get(user) })
	return rec
}

func (s *Session) CallSnapshot() call.Snapshot {
	var snap call.Snapshot
	_ = s.exec.Do(context.Background(), func() { snap = s.calls.Snapshot() })
	return snap
}

func (s *Session) ChannelState() transport.State {
	st := transport.StateClosed
	_ = s.exec.Do(context.Background(), func() { st = s.ch.State() })
	return st
}

func (s *Session) Identity() transport.Identity {
	var id transport.Identity
	_ = s.exec.Do(context.Background(), func() { id = s.id })
	return id
}

// Chat is the snapshot holder; safe from any goroutine.
func (s *Session) Chat() *chat.Sync { return s.chat }
