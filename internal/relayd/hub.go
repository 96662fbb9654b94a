package relayd

import (
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldsync.gg/internal/protocol"
)

// client is one authenticated connection. The hub goroutine owns all
// fields after registration; the transport handler only reads id and
// out.
type client struct {
	id   string
	conn *websocket.Conn
	out  chan []byte

	avatar json.RawMessage
	x      float64
	y      float64
	z      float64
	facing float64

	chatWindow time.Time
	chatCount  int
}

type joinReq struct {
	c    *client
	resp chan joinResp
}

type joinResp struct {
	full  bool
	peers []protocol.PeerInfo
}

type frame struct {
	from *client
	msg  protocol.Message
}

// Metrics is a point-in-time view of hub load.
type Metrics struct {
	Clients     int64
	FramesTotal int64
	DropsTotal  int64
}

// Hub keeps the roster of one relay and rebroadcasts traffic between
// clients. All state is confined to the Run goroutine; the transport
// side talks to it over channels, exactly one frame at a time per
// connection.
type Hub struct {
	cfg Config
	log *log.Logger

	joinCh  chan joinReq
	leaveCh chan *client
	frameCh chan frame
	quit    chan struct{}
	done    chan struct{}

	nclients    atomic.Int64
	framesTotal atomic.Int64
	dropsTotal  atomic.Int64

	// Owned by Run.
	clients map[string]*client
}

func NewHub(cfg Config, logger *log.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		log:     logger,
		joinCh:  make(chan joinReq),
		leaveCh: make(chan *client, 64),
		frameCh: make(chan frame, 1024),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		clients: make(map[string]*client),
	}
}

func (h *Hub) Run() {
	defer close(h.done)

	var heartbeat <-chan time.Time
	if h.cfg.HeartbeatEveryMs > 0 && len(h.cfg.Siblings) > 0 {
		t := time.NewTicker(time.Duration(h.cfg.HeartbeatEveryMs) * time.Millisecond)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		select {
		case <-h.quit:
			for _, c := range h.clients {
				_ = c.conn.Close()
			}
			h.clients = make(map[string]*client)
			h.nclients.Store(0)
			return
		case req := <-h.joinCh:
			req.resp <- h.handleJoin(req.c)
		case c := <-h.leaveCh:
			h.handleLeave(c)
		case f := <-h.frameCh:
			h.handleFrame(f.from, f.msg)
		case <-heartbeat:
			h.broadcastHeartbeat()
		}
	}
}

// Stop disconnects every client and ends the Run loop.
func (h *Hub) Stop() {
	close(h.quit)
	<-h.done
}

// Stats reads the load counters. Safe from any goroutine.
func (h *Hub) Stats() Metrics {
	return Metrics{
		Clients:     h.nclients.Load(),
		FramesTotal: h.framesTotal.Load(),
		DropsTotal:  h.dropsTotal.Load(),
	}
}

func (h *Hub) handleJoin(c *client) joinResp {
	if old, ok := h.clients[c.id]; ok {
		// Same identity reconnecting: the newest connection wins and
		// the stale one is closed without a peer_leave.
		_ = old.conn.Close()
	} else if len(h.clients) >= h.cfg.MaxClients {
		return joinResp{full: true}
	}

	peers := make([]protocol.PeerInfo, 0, len(h.clients))
	for id, p := range h.clients {
		if id == c.id {
			continue
		}
		peers = append(peers, protocol.PeerInfo{
			ID: id, X: p.x, Y: p.y, Z: p.z, Facing: p.facing, Avatar: p.avatar,
		})
	}
	h.clients[c.id] = c
	h.nclients.Store(int64(len(h.clients)))
	h.log.Printf("join id=%s clients=%d", c.id, len(h.clients))
	return joinResp{peers: peers}
}

func (h *Hub) handleLeave(c *client) {
	// A replaced connection leaves after its successor registered;
	// only the current registration may announce the departure.
	if h.clients[c.id] != c {
		return
	}
	delete(h.clients, c.id)
	h.nclients.Store(int64(len(h.clients)))
	h.log.Printf("leave id=%s clients=%d", c.id, len(h.clients))
	h.broadcast(c.id, &protocol.PeerLeaveMsg{
		Type:  protocol.TypePeerLeave,
		MsgID: uuid.NewString(),
		ID:    c.id,
	})
}

func (h *Hub) handleFrame(c *client, msg protocol.Message) {
	if h.clients[c.id] != c {
		return
	}
	h.framesTotal.Add(1)
	switch m := msg.(type) {
	case *protocol.JoinMsg:
		c.avatar = m.Avatar
		h.broadcast(c.id, &protocol.PeerJoinMsg{
			Type:   protocol.TypePeerJoin,
			MsgID:  m.MsgID,
			ID:     c.id,
			Avatar: m.Avatar,
		})
	case *protocol.PositionMsg:
		c.x, c.y, c.z, c.facing = m.X, m.Y, m.Z, m.Facing
		h.broadcast(c.id, &protocol.PeerPositionMsg{
			Type: protocol.TypePeerPosition,
			ID:   c.id,
			X:    m.X, Y: m.Y, Z: m.Z, Facing: m.Facing,
		})
	case *protocol.ChatMsg:
		if h.overChatLimit(c) {
			h.send(c, &protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrRateLimit, Message: "chat rate limit"})
			return
		}
		h.broadcast(c.id, &protocol.PeerChatMsg{
			Type:  protocol.TypePeerChat,
			MsgID: m.MsgID,
			ID:    c.id,
			Text:  m.Text,
		})
	case *protocol.EmojiMsg:
		if h.overChatLimit(c) {
			h.send(c, &protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrRateLimit, Message: "chat rate limit"})
			return
		}
		h.broadcast(c.id, &protocol.PeerEmojiMsg{
			Type:  protocol.TypePeerEmoji,
			MsgID: m.MsgID,
			ID:    c.id,
			Emoji: m.Emoji,
		})
	case *protocol.DirectMessageMsg:
		// Unknown targets are dropped silently: with redundant relays
		// the sender fans out to every relay and only the ones holding
		// the target deliver.
		target, ok := h.clients[m.To]
		if !ok {
			return
		}
		h.send(target, &protocol.PeerDirectMessageMsg{
			Type:  protocol.TypePeerDirectMessage,
			MsgID: m.MsgID,
			ID:    c.id,
			Text:  m.Text,
		})
	}
}

// overChatLimit counts discrete broadcasts per fixed window.
func (h *Hub) overChatLimit(c *client) bool {
	if h.cfg.ChatWindowMs <= 0 {
		return false
	}
	now := time.Now()
	window := time.Duration(h.cfg.ChatWindowMs) * time.Millisecond
	if now.Sub(c.chatWindow) >= window {
		c.chatWindow = now
		c.chatCount = 0
	}
	c.chatCount++
	return c.chatCount > h.cfg.ChatMax
}

func (h *Hub) broadcastHeartbeat() {
	data, err := json.Marshal(struct {
		Relays []string `json:"relays"`
	}{Relays: h.cfg.Siblings})
	if err != nil {
		return
	}
	h.broadcast("", &protocol.CustomEventMsg{
		Type:  protocol.TypeCustomEvent,
		MsgID: uuid.NewString(),
		Name:  "relay_heartbeat",
		Data:  data,
	})
}

// broadcast sends to every client except the one named. Slow clients
// drop frames rather than stall the hub.
func (h *Hub) broadcast(except string, msg protocol.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Printf("marshal %s: %v", msg.Kind(), err)
		return
	}
	for id, c := range h.clients {
		if id == except {
			continue
		}
		select {
		case c.out <- b:
		default:
			h.dropsTotal.Add(1)
		}
	}
}

func (h *Hub) send(c *client, msg protocol.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
	}
}
