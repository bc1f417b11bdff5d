package proto

// Media broker messages exchanged on /peer. The broker only relays session
// descriptions between registered endpoint ids; media flows peer-to-peer.
const (
	BrokerOpen        = "OPEN"     // registration accepted
	BrokerIDTaken     = "ID-TAKEN" // id already registered, socket closes
	BrokerOffer       = "OFFER"
	BrokerAnswer      = "ANSWER"
	BrokerLeave       = "LEAVE"
	BrokerUnavailable = "EXPIRE" // dst not registered
	BrokerError       = "ERROR"

	// Query parameters on /peer.
	BrokerQueryID    = "id"
	BrokerQueryToken = "token"
)

type BrokerMessage struct {
	Type    string         `json:"type"`
	Src     string         `json:"src,omitempty"`
	Dst     string         `json:"dst,omitempty"`
	Payload *BrokerPayload `json:"payload,omitempty"`
}

type BrokerPayload struct {
	ConnectionID string `json:"connectionId"`
	SDP          string `json:"sdp,omitempty"`
	Message      string `json:"msg,omitempty"`
}
