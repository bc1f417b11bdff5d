package app

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/msgdrop/internal/call"
	"github.com/petervdpas/msgdrop/internal/chat"
	"github.com/petervdpas/msgdrop/internal/presence"
	"github.com/petervdpas/msgdrop/internal/proto"
)

// chatSession is the part of session.Session the terminal drives.
type chatSession interface {
	Chat() *chat.Sync
	MarkRead()
	SendChat(ctx context.Context, text string) error
	EditMessage(ctx context.Context, seq int64, text string) error
	DeleteMessage(ctx context.Context, seq int64) error
	React(ctx context.Context, seq int64, emoji string, add bool) error
	History(ctx context.Context, limit int, before int64) (proto.Drop, error)
	SetTyping(state string)
	SendGame(payload any)
	StartCall()
	AcceptCall()
	DeclineCall()
	EndCall()
	Presence(user string) presence.Record
	CallSnapshot() call.Snapshot
}

const help = "/call /accept /decline /end /typing /games /who /quit, " +
	"/edit N text, /delete N, /react N emoji, /unreact N emoji, /history, anything else is sent"

const historyPage = 20

// commandLoop reads lines from in until EOF, /quit or ctx ends.
func commandLoop(ctx context.Context, in io.Reader, s chatSession, t *terminal) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if quit := runCommand(ctx, line, s, t); quit {
				return nil
			}
		}
	}
}

// runCommand handles one input line and reports whether to quit.
func runCommand(ctx context.Context, line string, s chatSession, t *terminal) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := s.SendChat(ctx, line); err != nil {
			t.printf("[error] not sent: %v", err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true
	case "/call":
		s.StartCall()
	case "/accept":
		s.AcceptCall()
	case "/decline":
		s.DeclineCall()
	case "/end":
		s.EndCall()
	case "/typing":
		s.SetTyping("typing")
	case "/games":
		s.SendGame(proto.Game{Op: proto.GameRequestList})
	case "/who":
		other := call.Other(t.currentSelf())
		rec := s.Presence(other)
		snap := s.CallSnapshot()
		t.printf("[who] %s %s, call %s", other, rec.State, snap.Phase)
	case "/edit", "/delete", "/react", "/unreact":
		changeMessage(ctx, cmd, rest, s, t)
	case "/history":
		showHistory(ctx, s, t)
	default:
		t.printf("%s", help)
	}
	return false
}

// changeMessage runs "/edit N text", "/delete N", "/react N emoji" and
// "/unreact N emoji".
func changeMessage(ctx context.Context, cmd, rest string, s chatSession, t *terminal) {
	num, arg, _ := strings.Cut(strings.TrimSpace(rest), " ")
	arg = strings.TrimSpace(arg)
	seq, err := strconv.ParseInt(strings.TrimPrefix(num, "#"), 10, 64)
	if err != nil || seq <= 0 || (cmd != "/delete" && arg == "") {
		t.printf("%s", help)
		return
	}
	switch cmd {
	case "/edit":
		err = s.EditMessage(ctx, seq, arg)
	case "/delete":
		err = s.DeleteMessage(ctx, seq)
	case "/react":
		err = s.React(ctx, seq, arg, true)
	case "/unreact":
		err = s.React(ctx, seq, arg, false)
	}
	if err != nil {
		t.printf("[error] %s #%d: %v", strings.TrimPrefix(cmd, "/"), seq, err)
	}
}

// showHistory prints the page before the oldest message seen so far, or
// the newest page when nothing was seen yet.
func showHistory(ctx context.Context, s chatSession, t *terminal) {
	t.mu.Lock()
	before := t.oldest
	t.mu.Unlock()

	drop, err := s.History(ctx, historyPage, before)
	if err != nil {
		t.printf("[error] history: %v", err)
		return
	}
	if len(drop.Messages) == 0 {
		t.printf("[history] nothing older")
		return
	}
	for _, m := range drop.Messages {
		t.printf("[history] %s", formatMessage(m))
	}
	t.mu.Lock()
	t.oldest = drop.Messages[0].TS
	t.mu.Unlock()
}
