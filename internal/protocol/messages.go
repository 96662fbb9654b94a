package protocol

import "encoding/json"

// Message is a decoded wire frame. Concrete types are the *Msg
// structs in this file; Decode produces them.
type Message interface {
	Kind() string
}

// Identified is a broadcast message carrying a dedup id. Relays
// preserve the id when rebroadcasting, so redundant connections
// deliver copies with the same id.
type Identified interface {
	Message
	MessageID() string
}

// auth (client -> relay): opens the handshake.
type AuthMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Identity        string `json:"identity"`
}

func (*AuthMsg) Kind() string { return TypeAuth }

// auth_challenge (relay -> client): nonce the client must sign.
type AuthChallengeMsg struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

func (*AuthChallengeMsg) Kind() string { return TypeAuthChallenge }

// auth_response (client -> relay)
type AuthResponseMsg struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
}

func (*AuthResponseMsg) Kind() string { return TypeAuthResponse }

// welcome (relay -> client): handshake complete, session established.
type WelcomeMsg struct {
	Type   string     `json:"type"`
	SelfID string     `json:"self_id"`
	Map    string     `json:"map"`
	Peers  []PeerInfo `json:"peers"`
}

func (*WelcomeMsg) Kind() string { return TypeWelcome }

type PeerInfo struct {
	ID     string          `json:"id"`
	X      float64         `json:"x"`
	Y      float64         `json:"y"`
	Z      float64         `json:"z"`
	Facing float64         `json:"facing"`
	Avatar json.RawMessage `json:"avatar,omitempty"`
}

// join (client -> relay): announce presence with an opaque avatar
// config. The relay passes the avatar through untouched.
type JoinMsg struct {
	Type   string          `json:"type"`
	MsgID  string          `json:"msg_id"`
	Avatar json.RawMessage `json:"avatar,omitempty"`
}

func (*JoinMsg) Kind() string        { return TypeJoin }
func (m *JoinMsg) MessageID() string { return m.MsgID }

// position (client -> relay): continuous state, sent at the movement
// rate. No msg_id: position is never deduped, only primary-routed.
type PositionMsg struct {
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Facing float64 `json:"facing"`
}

func (*PositionMsg) Kind() string { return TypePosition }

// chat (client -> relay)
type ChatMsg struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
	Text  string `json:"text"`
}

func (*ChatMsg) Kind() string        { return TypeChat }
func (m *ChatMsg) MessageID() string { return m.MsgID }

// direct_message (client -> relay): addressed to a single peer.
type DirectMessageMsg struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
	To    string `json:"to"`
	Text  string `json:"text"`
}

func (*DirectMessageMsg) Kind() string        { return TypeDirectMessage }
func (m *DirectMessageMsg) MessageID() string { return m.MsgID }

// emoji (client -> relay)
type EmojiMsg struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
	Emoji string `json:"emoji"`
}

func (*EmojiMsg) Kind() string        { return TypeEmoji }
func (m *EmojiMsg) MessageID() string { return m.MsgID }

// ping (client -> relay): keepalive probe. sent_at is a client
// wall-clock in unix milliseconds, echoed back verbatim in pong.
type PingMsg struct {
	Type   string `json:"type"`
	SentAt int64  `json:"sent_at"`
}

func (*PingMsg) Kind() string { return TypePing }

// pong (relay -> client)
type PongMsg struct {
	Type string `json:"type"`
	Echo int64  `json:"echo"`
}

func (*PongMsg) Kind() string { return TypePong }

// peer_join (relay -> client)
type PeerJoinMsg struct {
	Type   string          `json:"type"`
	MsgID  string          `json:"msg_id"`
	ID     string          `json:"id"`
	Avatar json.RawMessage `json:"avatar,omitempty"`
}

func (*PeerJoinMsg) Kind() string        { return TypePeerJoin }
func (m *PeerJoinMsg) MessageID() string { return m.MsgID }

// peer_leave (relay -> client)
type PeerLeaveMsg struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
	ID    string `json:"id"`
}

func (*PeerLeaveMsg) Kind() string        { return TypePeerLeave }
func (m *PeerLeaveMsg) MessageID() string { return m.MsgID }

// peer_position (relay -> client): continuous state for one peer.
type PeerPositionMsg struct {
	Type   string  `json:"type"`
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Facing float64 `json:"facing"`
}

func (*PeerPositionMsg) Kind() string { return TypePeerPosition }

// peer_chat (relay -> client)
type PeerChatMsg struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

func (*PeerChatMsg) Kind() string        { return TypePeerChat }
func (m *PeerChatMsg) MessageID() string { return m.MsgID }

// peer_direct_message (relay -> client)
type PeerDirectMessageMsg struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
	ID    string `json:"id"`
	Text  string `json:"text"`
}

func (*PeerDirectMessageMsg) Kind() string        { return TypePeerDirectMessage }
func (m *PeerDirectMessageMsg) MessageID() string { return m.MsgID }

// peer_emoji (relay -> client)
type PeerEmojiMsg struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
}

func (*PeerEmojiMsg) Kind() string        { return TypePeerEmoji }
func (m *PeerEmojiMsg) MessageID() string { return m.MsgID }

// error (relay -> client): per-connection, never deduped.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (*ErrorMsg) Kind() string { return TypeError }

// custom_event (relay -> client): application-defined broadcast.
// Relays also use it to announce siblings (name "relay_heartbeat").
type CustomEventMsg struct {
	Type  string          `json:"type"`
	MsgID string          `json:"msg_id"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (*CustomEventMsg) Kind() string        { return TypeCustomEvent }
func (m *CustomEventMsg) MessageID() string { return m.MsgID }
