package proto

import "encoding/json"

// Video signal ops.
const (
	OpPeerReady = "peer_ready"
	OpIncoming  = "incoming"
	OpAnswered  = "answered"
	OpDeclined  = "declined"
	OpEnded     = "ended"
)

// End reasons carried on "ended".
const (
	ReasonEnded        = "ended"
	ReasonMissed       = "missed"
	ReasonDeclined     = "declined"
	ReasonDisconnected = "disconnected"
)

// VideoSignal is the payload of "video_signal". Field sets per op:
//
//	peer_ready, incoming, answered: PeerID, From
//	declined:                       From
//	ended:                          From, Duration, Reason
type VideoSignal struct {
	Op       string `json:"op" validate:"required,oneof=peer_ready incoming answered declined ended"`
	From     string `json:"from" validate:"required,oneof=E M"`
	PeerID   string `json:"peerId,omitempty" validate:"required_if=Op peer_ready,required_if=Op incoming,required_if=Op answered,max=128"`
	Duration int    `json:"duration,omitempty" validate:"gte=0"`
	Reason   string `json:"reason,omitempty" validate:"omitempty,oneof=ended missed declined disconnected"`
}

// Game ops understood by the hub. Anything else is passed through.
const (
	GameStart        = "start"
	GameStarted      = "started"
	GameJoin         = "join"
	GameJoined       = "joined"
	GameMove         = "move"
	GameEnd          = "end_game"
	GameEnded        = "game_ended"
	GameRequestList  = "request_game_list"
	GamePlayerOpened = "player_opened"
	GamePlayerClosed = "player_closed"
)

// Game is the payload of "game". Game data is opaque to the hub.
type Game struct {
	Op       string          `json:"op"`
	GameID   string          `json:"gameId,omitempty"`
	GameType string          `json:"gameType,omitempty"`
	GameData json.RawMessage `json:"gameData,omitempty"`
	MoveData json.RawMessage `json:"moveData,omitempty"`
	Player   string          `json:"player,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// GameInfo is one active game in "game_list".
type GameInfo struct {
	GameID   string          `json:"gameId"`
	GameType string          `json:"gameType"`
	Created  int64           `json:"created"`
	GameData json.RawMessage `json:"gameData,omitempty"`
}

// GameList is the data of "game_list".
type GameList struct {
	Games []GameInfo `json:"games"`
}
