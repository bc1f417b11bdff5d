// Package app wires config, logging and the long-running parts of a
// client or hub directory together.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/auth"
	"github.com/petervdpas/msgdrop/internal/config"
	"github.com/petervdpas/msgdrop/internal/hub"
	"github.com/petervdpas/msgdrop/internal/storage"
	"github.com/petervdpas/msgdrop/internal/util"
)

var log = logging.Logger("app")

type Mode string

const (
	ModeClient Mode = "client"
	ModeHub    Mode = "hub"
)

type Options struct {
	Mode    Mode
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Terminal for client mode; default stdin/stdout.
	In  io.Reader
	Out io.Writer
}

func Run(ctx context.Context, opt Options) error {
	if err := SetupLogging(opt.Cfg.Log); err != nil {
		return err
	}
	if opt.In == nil {
		opt.In = os.Stdin
	}
	if opt.Out == nil {
		opt.Out = os.Stdout
	}
	logBanner(opt)

	switch opt.Mode {
	case ModeHub:
		return runHub(ctx, opt)
	case ModeClient:
		return runClient(ctx, opt)
	}
	return fmt.Errorf("unknown mode %q", opt.Mode)
}

// SetupLogging applies the configured level and format to every subsystem.
func SetupLogging(c config.Log) error {
	lvl, err := logging.LevelFromString(c.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	format := logging.PlaintextOutput
	switch c.Format {
	case "color":
		format = logging.ColorizedOutput
	case "json":
		format = logging.JSONOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})
	return nil
}

func runHub(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.ValidateHub(); err != nil {
		return err
	}

	logs := hub.NewLogBuffer(cfg.Hub.LogLines)
	logs.Follow(ctx)

	dbPath := util.ResolvePath(opt.Dir, cfg.Hub.DBPath)
	db, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	h := hub.New(hub.Options{
		Addr:       cfg.Hub.Addr,
		Verifier:   auth.NewVerifier(cfg.Hub.SessionSecret),
		Issuer:     auth.NewIssuer(cfg.Hub.SessionSecret, cfg.Hub.SessionTTL()),
		Store:      db,
		Logs:       logs,
		EdgeToken:  cfg.Hub.EdgeToken,
		UnlockCode: cfg.Hub.UnlockCode,
		Keep:       cfg.Hub.KeepMessages,
		Zone:       cfg.Hub.Zone(),
	})
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start hub: %w", err)
	}
	log.Infof("store %s, keeping %d messages per room", dbPath, cfg.Hub.KeepMessages)

	<-ctx.Done()
	return nil
}

// IssueToken mints a session credential for participant using the hub
// config in dir, and writes it to the configured token file.
func IssueToken(dir, cfgPath, participant string) (string, string, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return "", "", err
	}
	if err := cfg.ValidateHub(); err != nil {
		return "", "", err
	}
	if participant == "" {
		participant = cfg.Identity.Participant
	}
	if !config.ValidParticipant(participant) {
		return "", "", fmt.Errorf("participant must be E or M, got %q", participant)
	}
	tok, err := auth.NewIssuer(cfg.Hub.SessionSecret, cfg.Hub.SessionTTL()).Issue(cfg.Identity.Room, participant)
	if err != nil {
		return "", "", err
	}
	path := util.ResolvePath(dir, cfg.Identity.TokenFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(path, []byte(tok+"\n"), 0o600); err != nil {
		return "", "", err
	}
	return tok, path, nil
}

func logBanner(opt Options) {
	log.Infof("────────────────────────────────────────")
	log.Infof("msgdrop %s", opt.Mode)
	log.Infof(" directory   : %s", opt.Dir)
	log.Infof(" config file : %s", opt.CfgPath)
	if opt.Mode == ModeClient {
		log.Infof(" identity    : %s/%s", opt.Cfg.Identity.Room, opt.Cfg.Identity.Participant)
		log.Infof(" hub         : %s", opt.Cfg.Server.URL)
	} else {
		log.Infof(" listen      : %s", opt.Cfg.Hub.Addr)
	}
	log.Infof("────────────────────────────────────────")
}
