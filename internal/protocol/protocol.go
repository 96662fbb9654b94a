package protocol

import "encoding/json"

const Version = "1"

// Message kinds, client to relay.
const (
	TypeAuth          = "auth"
	TypeAuthResponse  = "auth_response"
	TypeJoin          = "join"
	TypePosition      = "position"
	TypeChat          = "chat"
	TypeDirectMessage = "direct_message"
	TypeEmoji         = "emoji"
	TypePing          = "ping"
)

// Message kinds, relay to client.
const (
	TypeAuthChallenge     = "auth_challenge"
	TypeWelcome           = "welcome"
	TypePeerJoin          = "peer_join"
	TypePeerLeave         = "peer_leave"
	TypePeerPosition      = "peer_position"
	TypePeerChat          = "peer_chat"
	TypePeerDirectMessage = "peer_direct_message"
	TypePeerEmoji         = "peer_emoji"
	TypePong              = "pong"
	TypeError             = "error"
	TypeCustomEvent       = "custom_event"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type string `json:"type"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
