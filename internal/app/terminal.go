package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/msgdrop/internal/call"
	"github.com/petervdpas/msgdrop/internal/presence"
	"github.com/petervdpas/msgdrop/internal/proto"
)

// terminal renders session events as lines of text. It is every optional
// collaborator the session accepts.
type terminal struct {
	mu     sync.Mutex
	out    io.Writer
	server string
	self   string

	drop    string
	lastSeq int64
	oldest  int64 // ts the next /history page ends before
}

func newTerminal(out io.Writer, serverURL, self string) *terminal {
	return &terminal{out: out, server: strings.TrimRight(serverURL, "/"), self: self}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) setSelf(p string) {
	t.mu.Lock()
	t.self = p
	t.mu.Unlock()
}

func (t *terminal) CallChanged(snap call.Snapshot) {
	switch {
	case snap.Phase == call.PhaseIdle:
		t.printf("[call] idle")
	case snap.Phase.Terminal():
		t.printf("[call] %s with %s (%ds)", snap.Phase, snap.Remote, snap.Duration)
	case snap.Phase == call.PhaseRinging:
		t.printf("[call] %s is calling, /accept or /decline", snap.Remote)
	default:
		t.printf("[call] %s %s", snap.Phase, snap.Remote)
	}
}

func (t *terminal) CallNotice(msg string) {
	t.printf("[call] %s", msg)
}

func (t *terminal) TypingChanged(user, state string) {
	if state == "typing" {
		t.printf("… %s is typing", user)
	}
}

func (t *terminal) PresenceChanged(user string, rec presence.Record) {
	t.printf("[presence] %s %s", user, rec.State)
}

func (t *terminal) Reauthenticate(target string) {
	t.printf("[auth] credential rejected, unlock at %s%s and update the token file", t.server, target)
}

func (t *terminal) HandleGame(env proto.Envelope) {
	switch env.Kind() {
	case proto.KindStreak:
		var s proto.Streak
		if err := json.Unmarshal(env.Body(), &s); err != nil {
			return
		}
		if s.BrokeStreak {
			t.printf("[streak] broken after %d days", s.PreviousStreak)
			return
		}
		t.printf("[streak] %d days (both today: %v)", s.Streak, s.BothPostedToday)
	case proto.KindGameList:
		var l proto.GameList
		if err := json.Unmarshal(env.Body(), &l); err != nil {
			return
		}
		t.printf("[game] %d active", len(l.Games))
	default:
		var g proto.Game
		if err := json.Unmarshal(env.Body(), &g); err != nil {
			return
		}
		t.printf("[game] %s %s %s", g.Op, g.GameType, g.GameID)
	}
}

// show prints messages newer than the last one shown and reports whether
// any of them came from the other participant.
func (t *terminal) show(drop proto.Drop) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if drop.DropID != t.drop {
		t.drop = drop.DropID
		t.lastSeq = 0
		t.oldest = 0
	}
	if t.oldest == 0 && len(drop.Messages) > 0 {
		t.oldest = drop.Messages[0].TS
	}
	remote := false
	for _, m := range drop.Messages {
		if m.Seq <= t.lastSeq {
			continue
		}
		t.lastSeq = m.Seq
		fmt.Fprintln(t.out, formatMessage(m))
		if m.User != t.self {
			remote = true
		}
	}
	return remote
}

func formatMessage(m proto.Message) string {
	line := fmt.Sprintf("#%d %s %s: %s", m.Seq, time.UnixMilli(m.TS).Format("15:04"), m.User, m.Text)
	if m.UpdatedAt != 0 {
		line += " (edited)"
	}
	for emoji, n := range m.Reactions {
		line += fmt.Sprintf(" %s%d", emoji, n)
	}
	return line
}

// follow prints chat snapshots as they change, acknowledging remote
// messages once they are on screen.
func (t *terminal) follow(ctx context.Context, s chatSession) {
	ch, cancel := s.Chat().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case drop, ok := <-ch:
			if !ok {
				return
			}
			if t.show(drop) {
				s.MarkRead()
			}
		}
	}
}

func (t *terminal) currentSelf() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.self
}
