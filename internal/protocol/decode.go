package protocol

import (
	"encoding/json"
	"fmt"
)

// Decode parses one wire frame into its typed message. Every known
// kind is matched here; callers switch on the concrete type and never
// inspect raw JSON. Unknown kinds and malformed frames return an
// error, which receivers treat as "drop this frame".
func Decode(b []byte) (Message, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	var msg Message
	switch base.Type {
	case TypeAuth:
		msg = &AuthMsg{}
	case TypeAuthChallenge:
		msg = &AuthChallengeMsg{}
	case TypeAuthResponse:
		msg = &AuthResponseMsg{}
	case TypeWelcome:
		msg = &WelcomeMsg{}
	case TypeJoin:
		msg = &JoinMsg{}
	case TypePosition:
		msg = &PositionMsg{}
	case TypeChat:
		msg = &ChatMsg{}
	case TypeDirectMessage:
		msg = &DirectMessageMsg{}
	case TypeEmoji:
		msg = &EmojiMsg{}
	case TypePing:
		msg = &PingMsg{}
	case TypePong:
		msg = &PongMsg{}
	case TypePeerJoin:
		msg = &PeerJoinMsg{}
	case TypePeerLeave:
		msg = &PeerLeaveMsg{}
	case TypePeerPosition:
		msg = &PeerPositionMsg{}
	case TypePeerChat:
		msg = &PeerChatMsg{}
	case TypePeerDirectMessage:
		msg = &PeerDirectMessageMsg{}
	case TypePeerEmoji:
		msg = &PeerEmojiMsg{}
	case TypeError:
		msg = &ErrorMsg{}
	case TypeCustomEvent:
		msg = &CustomEventMsg{}
	default:
		return nil, fmt.Errorf("decode frame: unknown type %q", base.Type)
	}
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", base.Type, err)
	}
	return msg, nil
}
