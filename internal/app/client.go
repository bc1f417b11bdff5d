package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/petervdpas/msgdrop/internal/call"
	"github.com/petervdpas/msgdrop/internal/chat"
	"github.com/petervdpas/msgdrop/internal/config"
	"github.com/petervdpas/msgdrop/internal/peer"
	"github.com/petervdpas/msgdrop/internal/session"
	"github.com/petervdpas/msgdrop/internal/transport"
	"github.com/petervdpas/msgdrop/internal/util"
)

// loadIdentity reads the participant and room from cfg and the credential
// from its token file. A missing token file yields an empty token.
func loadIdentity(dir string, cfg config.Config) (transport.Identity, error) {
	id := transport.Identity{
		Room:        cfg.Identity.Room,
		Participant: cfg.Identity.Participant,
		Edge:        cfg.Hub.EdgeToken, // shared with the hub section
	}
	b, err := os.ReadFile(util.ResolvePath(dir, cfg.Identity.TokenFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return id, fmt.Errorf("read token file: %w", err)
	default:
		id.Token = strings.TrimSpace(string(util.StripBOM(b)))
	}
	return id, nil
}

func sessionOptions(cfg config.Config, id transport.Identity, term *terminal) session.Options {
	opts := session.Options{
		ServerURL:      cfg.Server.URL,
		UnlockPath:     cfg.Server.UnlockPath,
		ReturnTo:       "/chat/" + id.Room,
		Identity:       id,
		ReconnectBase:  cfg.Reconnect.Base(),
		ReconnectMax:   cfg.Reconnect.Max(),
		Heartbeat:      cfg.Presence.Heartbeat(),
		Expiry:         cfg.Presence.Expiry(),
		EndpointPrefix: cfg.Call.EndpointPrefix,
		Constraints:    call.Constraints{Video: cfg.Call.Video, Audio: cfg.Call.Audio},
		CallTiming: call.Timing{
			AnswerWait:    cfg.Call.AnswerWait(),
			AnswerPoll:    cfg.Call.AnswerPoll(),
			DeclineLinger: cfg.Call.DeclineLinger(),
		},
		Presenter:  term,
		Typing:     term,
		Games:      term,
		Presence:   term,
		Redirector: term,
		Fallback:   chat.NewClient(cfg.Server.URL),
	}
	if cfg.Call.Enabled {
		peerCfg := peer.Config{ServerURL: cfg.Server.URL, ICEServers: cfg.Call.ICEServers}
		opts.NewFacility = func(token string, emit func(call.MediaEvent)) (call.Facility, error) {
			c := peerCfg
			c.Token = token
			return peer.New(c, emit)
		}
		opts.Media = peer.NewDeviceSource()
	}
	return opts
}

func runClient(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	id, err := loadIdentity(opt.Dir, cfg)
	if err != nil {
		return err
	}

	term := newTerminal(opt.Out, cfg.Server.URL, id.Participant)
	s, err := session.New(sessionOptions(cfg, id, term))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	w, err := watchIdentity(opt.Dir, opt.CfgPath, cfg, func(next transport.Identity) {
		term.setSelf(next.Participant)
		s.SwitchIdentity(next)
	})
	if err != nil {
		log.Warnf("identity watcher disabled: %v", err)
	} else {
		go w.run(ctx)
	}

	go term.follow(ctx, s)

	if err := commandLoop(ctx, opt.In, s, term); err != nil {
		log.Warnf("input: %v", err)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
