// Package proto defines the MSGDrop socket envelope and the payloads carried
// inside it. Hub and client share these definitions.
package proto

import (
	"encoding/json"
	"errors"
	"time"
)

// Socket query parameters.
const (
	QueryToken       = "sessionToken"
	QueryRoom        = "drop"
	QueryParticipant = "user"
	QueryEdge        = "edge"

	// SessionCookie carries the credential on HTTP fallback requests.
	SessionCookie = "msgdrop_sess"
)

// Close codes.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseAuthRejected  = 1008 // policy violation: bad or expired credential
	CloseEdgeRejected  = 4401 // edge token mismatch
	CloseAbnormal      = 1006
	CloseHandshakeAuth = 4403 // synthetic: handshake refused with HTTP 401/403
)

// IsAuthClose reports whether a close code means the credential was rejected.
func IsAuthClose(code int) bool {
	return code == CloseAuthRejected || code == CloseEdgeRejected || code == CloseHandshakeAuth
}

// Inbound kinds (server → client), read from "type" falling back to "action".
const (
	KindUpdate          = "update"
	KindTyping          = "typing"
	KindPresence        = "presence"
	KindPresenceRequest = "presence_request"
	KindGame            = "game"
	KindGameList        = "game_list"
	KindStreak          = "streak"
	KindDelivery        = "delivery_receipt"
	KindRead            = "read_receipt"
	KindVideoSignal     = "video_signal"
	KindError           = "error"
	KindPong            = "pong"
)

// Outbound actions (client → server).
const (
	ActionChat            = "chat"
	ActionTyping          = "typing"
	ActionRead            = "read"
	ActionVideoSignal     = "video_signal"
	ActionGame            = "game"
	ActionPresence        = "presence"
	ActionPresenceRequest = "presence_request"
	ActionPing            = "ping"
)

// Presence states.
const (
	StateActive   = "active"
	StateInactive = "inactive"
	StateOffline  = "offline"
)

// Envelope is the one JSON object exchanged over the socket.
type Envelope struct {
	Action  string          `json:"action,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	// Top-level extras some server frames carry.
	Online  *int   `json:"online,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Kind is the routing key: type, else action.
func (e Envelope) Kind() string {
	if e.Type != "" {
		return e.Type
	}
	return e.Action
}

var ErrNoKind = errors.New("envelope has neither type nor action")

// Decode parses one frame. A frame without a kind is an error.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Kind() == "" {
		return Envelope{}, ErrNoKind
	}
	return env, nil
}

// NewAction builds an outbound envelope with payload marshalled into place.
func NewAction(action string, payload any) (Envelope, error) {
	env := Envelope{Action: action}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = b
	}
	return env, nil
}

// NewEvent builds a server envelope with data marshalled into place.
func NewEvent(kind string, data any) (Envelope, error) {
	env := Envelope{Type: kind}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = b
	}
	return env, nil
}

// Body returns data when present, else payload.
func (e Envelope) Body() json.RawMessage {
	if len(e.Data) > 0 {
		return e.Data
	}
	return e.Payload
}

// Presence is carried as data on "presence" and as payload on the action.
type Presence struct {
	User  string `json:"user,omitempty"`
	State string `json:"state"`
	TS    int64  `json:"ts"`
}

// Typing is the payload of "typing" in both directions; the hub fills User.
type Typing struct {
	State string `json:"state"` // typing|idle
	TS    int64  `json:"ts"`
	User  string `json:"user,omitempty"`
}

// Chat is the payload of the "chat" action.
type Chat struct {
	Text     string `json:"text"`
	User     string `json:"user"`
	ClientID string `json:"clientId,omitempty"`
	ReplyTo  int64  `json:"replyToSeq,omitempty"`
}

// Read is the payload of the "read" action.
type Read struct {
	UpToSeq int64  `json:"upToSeq"`
	Reader  string `json:"reader"`
}

// Edit is the body of PATCH /api/chat/{room}.
type Edit struct {
	Seq  int64  `json:"seq"`
	Text string `json:"text"`
}

// Remove is the body of DELETE /api/chat/{room}.
type Remove struct {
	Seq int64 `json:"seq"`
}

// Reaction ops.
const (
	ReactAdd    = "add"
	ReactRemove = "remove"
)

// React is the body of POST /api/chat/{room}/react.
type React struct {
	Seq   int64  `json:"seq"`
	Emoji string `json:"emoji"`
	Op    string `json:"op,omitempty"` // add (default) or remove
}

// ReadResult answers POST /api/chat/{room}/read.
type ReadResult struct {
	Success bool  `json:"success"`
	Updated int64 `json:"updated"`
}

// ReadReceipt is the data of "read_receipt".
type ReadReceipt struct {
	UpToSeq int64  `json:"upToSeq"`
	Reader  string `json:"reader"`
	ReadAt  int64  `json:"readAt"`
}

// DeliveryReceipt is the data of "delivery_receipt".
type DeliveryReceipt struct {
	Seq         int64 `json:"seq"`
	DeliveredAt int64 `json:"deliveredAt"`
}

// Message is one chat line inside a Drop snapshot.
type Message struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	TS          int64  `json:"ts"`
	CreatedAt   int64  `json:"createdAt"`
	User        string `json:"user"`
	Text        string `json:"message"`
	ClientID    string `json:"clientId,omitempty"`
	ReplyTo     int64  `json:"replyToSeq,omitempty"`
	DeliveredAt int64  `json:"deliveredAt,omitempty"`
	ReadAt      int64  `json:"readAt,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`

	Reactions map[string]int `json:"reactions"` // emoji → count
}

// Drop is the data of "update": the room snapshot.
type Drop struct {
	DropID   string    `json:"dropId"`
	Version  int64     `json:"version"`
	Messages []Message `json:"messages"`
}

// Streak is the data of "streak": consecutive days both participants posted.
type Streak struct {
	Streak          int  `json:"streak"`
	BothPostedToday bool `json:"bothPostedToday"`
	MPostedToday    bool `json:"mPostedToday"`
	EPostedToday    bool `json:"ePostedToday"`
	BrokeStreak     bool `json:"brokeStreak"`
	PreviousStreak  int  `json:"previousStreak"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
