package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/petervdpas/msgdrop/internal/util"
)

// FileName is the config file kept in every client and hub directory.
const FileName = "msgdrop.json"

type Config struct {
	Identity  Identity  `json:"identity"`
	Server    Server    `json:"server"`
	Reconnect Reconnect `json:"reconnect"`
	Presence  Presence  `json:"presence"`
	Call      Call      `json:"call"`
	Hub       Hub       `json:"hub"`
	Log       Log       `json:"log"`
}

type Identity struct {
	Room        string `json:"room" env:"MSGDROP_ROOM"`
	Participant string `json:"participant" env:"MSGDROP_PARTICIPANT"`

	// File holding the session credential. Relative to the client dir.
	// Rewriting it (or the participant) triggers a role switch.
	TokenFile string `json:"token_file" env:"MSGDROP_TOKEN_FILE"`
}

type Server struct {
	// Base URL of the hub, e.g. "http://127.0.0.1:8686". The socket URL is derived.
	URL string `json:"url" env:"MSGDROP_SERVER_URL"`

	// Path the client is sent to when the hub rejects the credential.
	UnlockPath string `json:"unlock_path"`
}

type Reconnect struct {
	BaseMS int `json:"base_ms" env:"MSGDROP_RECONNECT_BASE_MS"`
	MaxMS  int `json:"max_ms" env:"MSGDROP_RECONNECT_MAX_MS"`
}

type Presence struct {
	HeartbeatSec int `json:"heartbeat_seconds"`
	ExpirySec    int `json:"expiry_seconds"`
}

type Call struct {
	Enabled         bool     `json:"enabled" env:"MSGDROP_CALLS"`
	Video           bool     `json:"video"`
	Audio           bool     `json:"audio"`
	AnswerWaitMS    int      `json:"answer_wait_ms"`
	AnswerPollMS    int      `json:"answer_poll_ms"`
	DeclineLingerMS int      `json:"decline_linger_ms"`
	EndpointPrefix  string   `json:"endpoint_prefix"`
	ICEServers      []string `json:"ice_servers"`
}

type Hub struct {
	Addr          string `json:"addr" env:"MSGDROP_HUB_ADDR"`
	DBPath        string `json:"db_path"`
	SessionSecret string `json:"session_secret" env:"MSGDROP_SESSION_SECRET"`
	SessionTTLSec int    `json:"session_ttl_seconds"`

	// Optional shared token required as ?edge= on /ws. Mismatch closes with 4401.
	EdgeToken    string `json:"edge_token" env:"MSGDROP_EDGE_TOKEN"`
	KeepMessages int    `json:"keep_messages"`
	LogLines     int    `json:"log_lines"`

	// Shared code exchanged for a session credential on /unlock. Empty disables it.
	UnlockCode string `json:"unlock_code" env:"MSGDROP_UNLOCK_CODE"`
	// IANA zone the daily streak is counted in.
	StreakZone string `json:"streak_zone"`
}

type Log struct {
	Level  string `json:"level" env:"MSGDROP_LOG_LEVEL"`
	Format string `json:"format" env:"MSGDROP_LOG_FORMAT"` // plaintext, color or json
}

func Default() Config {
	return Config{
		Identity: Identity{
			Room:        "default",
			Participant: "E",
			TokenFile:   "data/session.token",
		},
		Server: Server{
			URL:        "http://127.0.0.1:8686",
			UnlockPath: "/unlock",
		},
		Reconnect: Reconnect{
			BaseMS: 1000,
			MaxMS:  30000,
		},
		Presence: Presence{
			HeartbeatSec: 30,
			ExpirySec:    60,
		},
		Call: Call{
			Enabled:         true,
			Video:           true,
			Audio:           true,
			AnswerWaitMS:    15000,
			AnswerPollMS:    500,
			DeclineLingerMS: 2000,
			EndpointPrefix:  "msgdrop",
			ICEServers:      []string{"stun:stun.l.google.com:19302"},
		},
		Hub: Hub{
			Addr:          "127.0.0.1:8686",
			DBPath:        "data/msgdrop.db",
			SessionTTLSec: 12 * 3600,
			KeepMessages:  30,
			LogLines:      800,
			StreakZone:    "America/New_York",
		},
		Log: Log{
			Level:  "info",
			Format: "plaintext",
		},
	}
}

func (c *Config) Validate() error {
	if _, err := util.ValidateRoomID(c.Identity.Room); err != nil {
		return fmt.Errorf("identity.room: %w", err)
	}
	if !ValidParticipant(c.Identity.Participant) {
		return errors.New("identity.participant must be E or M")
	}
	if strings.TrimSpace(c.Identity.TokenFile) == "" {
		return errors.New("identity.token_file is required")
	}
	if err := validateServerURL(c.Server.URL); err != nil {
		return fmt.Errorf("server.url: %w", err)
	}
	if !strings.HasPrefix(c.Server.UnlockPath, "/") {
		return errors.New("server.unlock_path must start with /")
	}

	if c.Reconnect.BaseMS < 1 {
		return errors.New("reconnect.base_ms must be > 0")
	}
	if c.Reconnect.MaxMS < c.Reconnect.BaseMS {
		return errors.New("reconnect.max_ms must be >= reconnect.base_ms")
	}

	if c.Presence.HeartbeatSec < 1 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.ExpirySec <= c.Presence.HeartbeatSec {
		return errors.New("presence.expiry_seconds must be > presence.heartbeat_seconds")
	}

	if c.Call.AnswerPollMS < 1 {
		return errors.New("call.answer_poll_ms must be > 0")
	}
	if c.Call.AnswerWaitMS < c.Call.AnswerPollMS {
		return errors.New("call.answer_wait_ms must be >= call.answer_poll_ms")
	}
	if c.Call.DeclineLingerMS < 0 {
		return errors.New("call.decline_linger_ms must be >= 0")
	}
	if strings.TrimSpace(c.Call.EndpointPrefix) == "" {
		return errors.New("call.endpoint_prefix is required")
	}
	if c.Call.Enabled && !c.Call.Video && !c.Call.Audio {
		return errors.New("call: at least one of video or audio must be enabled")
	}

	if c.Hub.SessionTTLSec < 60 {
		return errors.New("hub.session_ttl_seconds must be >= 60")
	}
	if c.Hub.KeepMessages < 1 {
		return errors.New("hub.keep_messages must be > 0")
	}
	if c.Hub.LogLines < 1 {
		return errors.New("hub.log_lines must be > 0")
	}

	switch c.Log.Format {
	case "plaintext", "color", "json":
	default:
		return errors.New("log.format must be plaintext, color or json")
	}
	return nil
}

// ValidateHub checks the fields only the hub needs.
func (c *Config) ValidateHub() error {
	if strings.TrimSpace(c.Hub.Addr) == "" {
		return errors.New("hub.addr is required")
	}
	if len(c.Hub.SessionSecret) < 16 {
		return errors.New("hub.session_secret must be at least 16 characters")
	}
	return nil
}

// ValidParticipant reports whether p is one of the two participant labels.
func ValidParticipant(p string) bool {
	return p == "E" || p == "M"
}

func validateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Durations derived from the millisecond/second fields.

func (r Reconnect) Base() time.Duration { return time.Duration(r.BaseMS) * time.Millisecond }
func (r Reconnect) Max() time.Duration  { return time.Duration(r.MaxMS) * time.Millisecond }

func (p Presence) Heartbeat() time.Duration { return time.Duration(p.HeartbeatSec) * time.Second }
func (p Presence) Expiry() time.Duration    { return time.Duration(p.ExpirySec) * time.Second }

func (c Call) AnswerWait() time.Duration    { return time.Duration(c.AnswerWaitMS) * time.Millisecond }
func (c Call) AnswerPoll() time.Duration    { return time.Duration(c.AnswerPollMS) * time.Millisecond }
func (c Call) DeclineLinger() time.Duration { return time.Duration(c.DeclineLingerMS) * time.Millisecond }

func (h Hub) SessionTTL() time.Duration { return time.Duration(h.SessionTTLSec) * time.Second }

// Zone resolves StreakZone, falling back to UTC.
func (h Hub) Zone() *time.Location {
	if h.StreakZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(h.StreakZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file and applies MSGDROP_* environment
// overrides without validation.
func LoadPartial(path string) (Config, error) {
	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := util.ReadJSONFile(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
