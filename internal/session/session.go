// Package session composes the client stack behind one facade: relay
// connection management, endpoint discovery, remote-player
// interpolation, area-of-interest scoping, endpoint statistics, and
// the local event log. The embedding application drives it with pose
// updates and reads back rendered peer states.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"worldsync.gg/internal/discovery"
	"worldsync.gg/internal/eventlog"
	"worldsync.gg/internal/grid"
	"worldsync.gg/internal/interp"
	"worldsync.gg/internal/protocol"
	"worldsync.gg/internal/relay"
	"worldsync.gg/internal/statsdb"
)

// pruneEvery re-ranks discovery even when no heartbeat arrives, so
// expired endpoints get dropped from the connection set.
const pruneEvery = 30 * time.Second

// Handler receives application-facing session events. Methods are
// invoked from internal goroutines and must not block.
type Handler interface {
	OnStatus(status relay.Status)
	OnPeerJoin(id string)
	OnPeerLeave(id string)
	OnChat(id, text string)
	OnDirectMessage(id, text string)
	OnEmoji(id, emoji string)
	OnCustomEvent(name string, data []byte)
}

type nopHandler struct{}

func (nopHandler) OnStatus(relay.Status)          {}
func (nopHandler) OnPeerJoin(string)              {}
func (nopHandler) OnPeerLeave(string)             {}
func (nopHandler) OnChat(string, string)          {}
func (nopHandler) OnDirectMessage(string, string) {}
func (nopHandler) OnEmoji(string, string)         {}
func (nopHandler) OnCustomEvent(string, []byte)   {}

// Peer is one remote player's rendered view at a point in time.
// HasPos is false while the peer is on the roster but outside the
// watched area (or has not moved yet).
type Peer struct {
	ID     string
	Avatar json.RawMessage
	State  interp.State
	HasPos bool
}

type pose struct {
	x, y, z, facing float64
}

// Session is one client's presence on one map.
type Session struct {
	cfg     Config
	handler Handler
	log     *log.Logger

	dir    *discovery.Directory
	mgr    *relay.Manager
	engine *interp.Engine
	stats  *statsdb.Store
	events *eventlog.SessionLogger

	minSendGap time.Duration
	joinID     string

	mu          sync.Mutex
	selfID      string
	mapName     string
	self        pose
	lastSent    time.Time
	avatars     map[string]json.RawMessage
	peerCells   map[string]grid.Cell
	watchCenter grid.Cell
	watch       map[grid.Cell]bool
	watchList   []grid.Cell

	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a session from config. Nothing connects until Start.
func New(cfg Config, handler Handler, logger *log.Logger) (*Session, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = nopHandler{}
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Session{
		cfg:        cfg,
		handler:    handler,
		log:        logger,
		engine:     interp.NewEngine(interp.Config{}),
		minSendGap: time.Second / time.Duration(cfg.PositionRateHz),
		joinID:     uuid.NewString(),
		avatars:    make(map[string]json.RawMessage),
		peerCells:  make(map[string]grid.Cell),
		quit:       make(chan struct{}),
	}
	s.setWatchLocked(grid.CellOf(0, 0))

	if cfg.DataDir != "" {
		st, err := statsdb.Open(filepath.Join(cfg.DataDir, "stats.db"))
		if err != nil {
			return nil, fmt.Errorf("open stats db: %w", err)
		}
		s.stats = st
		s.events = eventlog.NewSessionLogger(filepath.Join(cfg.DataDir, "logs"))
	}

	s.dir = discovery.New(discovery.Config{
		Static: cfg.Relays,
		Max:    cfg.MaxConns,
	})
	s.warmStart()

	secret := cfg.Secret
	sign := func(_ context.Context, challenge string) (string, error) {
		return protocol.SignHMAC(secret, challenge), nil
	}
	s.mgr = relay.NewManager(relay.Config{
		MaxConns:     cfg.MaxConns,
		DedupCap:     cfg.DedupCapacity,
		PingInterval: time.Duration(cfg.PingIntervalMs) * time.Millisecond,
		PongTimeout:  time.Duration(cfg.PongTimeoutMs) * time.Millisecond,
		BackoffMin:   time.Duration(cfg.BackoffMinMs) * time.Millisecond,
		BackoffMax:   time.Duration(cfg.BackoffMaxMs) * time.Millisecond,
		ReelectEvery: time.Duration(cfg.ReelectEveryMs) * time.Millisecond,
	}, cfg.Identity, sign, &managerListener{s: s}, logger)

	return s, nil
}

// warmStart feeds persisted RTT history into ranking so the first
// election is informed before any live measurement lands.
func (s *Session) warmStart() {
	if s.stats == nil {
		return
	}
	stats, err := s.stats.Stats()
	if err != nil {
		s.log.Printf("stats warm start: %v", err)
		return
	}
	for _, st := range stats {
		if st.LastRTT > 0 {
			s.dir.ReportRTT(st.URL, st.LastRTT)
		}
	}
}

// Start dials the highest-ranked relays and begins feeding discovery
// updates into the connection manager.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.mgr.Connect(s.dir.RankedURLs())
		s.wg.Add(1)
		go s.discoveryLoop()
	})
}

// Close tears down every connection and flushes local state. Safe to
// call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		s.mgr.Destroy()
		s.wg.Wait()
		if s.events != nil {
			err = s.events.Close()
		}
		if s.stats != nil {
			if cerr := s.stats.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (s *Session) discoveryLoop() {
	defer s.wg.Done()
	prune := time.NewTicker(pruneEvery)
	defer prune.Stop()
	for {
		select {
		case <-s.quit:
			return
		case urls := <-s.dir.Updates():
			s.mgr.UpdateEndpoints(urls)
		case <-prune.C:
			s.mgr.UpdateEndpoints(s.dir.RankedURLs())
		}
	}
}

// MoveTo reports the local avatar's pose. Outbound position frames
// are throttled to the configured rate; the newest pose always wins
// locally, so a dropped frame only delays what peers see.
func (s *Session) MoveTo(x, y, z, facing float64) {
	s.mu.Lock()
	s.self = pose{x: x, y: y, z: z, facing: facing}
	if cell := grid.CellOf(x, z); cell != s.watchCenter {
		s.setWatchLocked(cell)
	}
	now := time.Now()
	send := now.Sub(s.lastSent) >= s.minSendGap
	if send {
		s.lastSent = now
	}
	s.mu.Unlock()

	if send {
		s.mgr.Send(&protocol.PositionMsg{Type: protocol.TypePosition, X: x, Y: y, Z: z, Facing: facing})
	}
}

// Self returns the local pose last passed to MoveTo.
func (s *Session) Self() (x, y, z, facing float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self.x, s.self.y, s.self.z, s.self.facing
}

// SendChat broadcasts text to everyone on the map.
func (s *Session) SendChat(text string) {
	s.mgr.Send(&protocol.ChatMsg{Type: protocol.TypeChat, MsgID: uuid.NewString(), Text: text})
	s.record(eventlog.Event{Kind: eventlog.KindChat, Peer: s.SelfID(), Text: text})
}

// SendDirect sends text to a single peer.
func (s *Session) SendDirect(to, text string) {
	s.mgr.Send(&protocol.DirectMessageMsg{Type: protocol.TypeDirectMessage, MsgID: uuid.NewString(), To: to, Text: text})
	s.record(eventlog.Event{Kind: eventlog.KindDirect, Peer: to, Text: text})
}

// SendEmoji broadcasts an emote.
func (s *Session) SendEmoji(emoji string) {
	s.mgr.Send(&protocol.EmojiMsg{Type: protocol.TypeEmoji, MsgID: uuid.NewString(), Emoji: emoji})
	s.record(eventlog.Event{Kind: eventlog.KindEmoji, Peer: s.SelfID(), Text: emoji})
}

// Peers returns every roster peer with its interpolated state at the
// given render time, sorted by id.
func (s *Session) Peers(at time.Time) []Peer {
	s.mu.Lock()
	ids := make([]string, 0, len(s.avatars))
	for id := range s.avatars {
		ids = append(ids, id)
	}
	avatars := make(map[string]json.RawMessage, len(ids))
	for id, av := range s.avatars {
		avatars[id] = av
	}
	s.mu.Unlock()

	sort.Strings(ids)
	out := make([]Peer, 0, len(ids))
	for _, id := range ids {
		st, ok := s.engine.State(id, at)
		out = append(out, Peer{ID: id, Avatar: avatars[id], State: st, HasPos: ok})
	}
	return out
}

// WatchedCells returns the cells currently inside the local area of
// interest, in grid order.
func (s *Session) WatchedCells() []grid.Cell {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]grid.Cell, len(s.watchList))
	copy(out, s.watchList)
	return out
}

func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Session) Map() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapName
}

func (s *Session) Status() relay.Status               { return s.mgr.Status() }
func (s *Session) Primary() string                    { return s.mgr.Primary() }
func (s *Session) ConnStates() map[string]relay.State { return s.mgr.ConnStates() }

// setWatchLocked recenters the area of interest and forgets tracked
// peers that fall outside it. Their roster entries stay; tracking
// resumes with their next in-range position.
func (s *Session) setWatchLocked(center grid.Cell) {
	s.watchCenter = center
	s.watchList = grid.Neighborhood(center, s.cfg.WatchRadius)
	s.watch = make(map[grid.Cell]bool, len(s.watchList))
	for _, c := range s.watchList {
		s.watch[c] = true
	}
	for id, c := range s.peerCells {
		if !s.watch[c] {
			delete(s.peerCells, id)
			s.engine.Remove(id)
		}
	}
}

func (s *Session) record(e eventlog.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.WriteEvent(e); err != nil {
		s.log.Printf("event log: %v", err)
	}
}

func (s *Session) handleMessage(endpoint string, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.WelcomeMsg:
		s.handleWelcome(endpoint, m)
	case *protocol.PeerJoinMsg:
		s.handlePeerJoin(m)
	case *protocol.PeerLeaveMsg:
		s.handlePeerLeave(m)
	case *protocol.PeerPositionMsg:
		s.handlePeerPosition(m)
	case *protocol.PeerChatMsg:
		s.record(eventlog.Event{Kind: eventlog.KindChat, Peer: m.ID, Text: m.Text})
		s.handler.OnChat(m.ID, m.Text)
	case *protocol.PeerDirectMessageMsg:
		s.record(eventlog.Event{Kind: eventlog.KindDirect, Peer: m.ID, Text: m.Text})
		s.handler.OnDirectMessage(m.ID, m.Text)
	case *protocol.PeerEmojiMsg:
		s.record(eventlog.Event{Kind: eventlog.KindEmoji, Peer: m.ID, Text: m.Emoji})
		s.handler.OnEmoji(m.ID, m.Emoji)
	case *protocol.CustomEventMsg:
		if m.Name == "relay_heartbeat" {
			s.handleHeartbeat(m.Data)
			return
		}
		s.handler.OnCustomEvent(m.Name, m.Data)
	case *protocol.ErrorMsg:
		s.record(eventlog.Event{Kind: eventlog.KindError, Endpoint: endpoint, Detail: strings.TrimSpace(m.Code + " " + m.Message)})
		s.log.Printf("relay %s: %s %s", endpoint, m.Code, m.Message)
	}
}

func (s *Session) handleWelcome(endpoint string, m *protocol.WelcomeMsg) {
	type push struct {
		id string
		ss interp.Sample
	}
	now := time.Now()

	s.mu.Lock()
	s.selfID = m.SelfID
	s.mapName = m.Map
	var pushes []push
	for _, p := range m.Peers {
		if p.ID == m.SelfID || p.ID == "" {
			continue
		}
		if _, known := s.avatars[p.ID]; !known {
			s.avatars[p.ID] = p.Avatar
		}
		cell := grid.CellOf(p.X, p.Z)
		if s.watch[cell] {
			s.peerCells[p.ID] = cell
			pushes = append(pushes, push{id: p.ID, ss: interp.Sample{X: p.X, Y: p.Y, Z: p.Z, Facing: p.Facing, At: now}})
		}
	}
	avatar := json.RawMessage(s.cfg.Avatar)
	s.mu.Unlock()

	for _, p := range pushes {
		s.engine.Push(p.id, p.ss)
	}
	s.mgr.Send(&protocol.JoinMsg{Type: protocol.TypeJoin, MsgID: s.joinID, Avatar: avatar})
	s.record(eventlog.Event{Kind: eventlog.KindWelcome, Endpoint: endpoint, Detail: m.Map})
}

func (s *Session) handlePeerJoin(m *protocol.PeerJoinMsg) {
	s.mu.Lock()
	if m.ID == "" || m.ID == s.selfID {
		s.mu.Unlock()
		return
	}
	_, known := s.avatars[m.ID]
	s.avatars[m.ID] = m.Avatar
	s.mu.Unlock()

	if known {
		return
	}
	s.record(eventlog.Event{Kind: eventlog.KindPeerJoin, Peer: m.ID})
	s.handler.OnPeerJoin(m.ID)
}

func (s *Session) handlePeerLeave(m *protocol.PeerLeaveMsg) {
	s.mu.Lock()
	_, known := s.avatars[m.ID]
	delete(s.avatars, m.ID)
	delete(s.peerCells, m.ID)
	s.mu.Unlock()

	s.engine.Remove(m.ID)
	if !known {
		return
	}
	s.record(eventlog.Event{Kind: eventlog.KindPeerLeave, Peer: m.ID})
	s.handler.OnPeerLeave(m.ID)
}

func (s *Session) handlePeerPosition(m *protocol.PeerPositionMsg) {
	s.mu.Lock()
	if m.ID == "" || m.ID == s.selfID {
		s.mu.Unlock()
		return
	}
	cell := grid.CellOf(m.X, m.Z)
	if !s.watch[cell] {
		delete(s.peerCells, m.ID)
		s.mu.Unlock()
		s.engine.Remove(m.ID)
		return
	}
	// A position for an unknown id recreates presence: roster state
	// heals even if a leave was wrong or a join was missed.
	if _, known := s.avatars[m.ID]; !known {
		s.avatars[m.ID] = nil
	}
	s.peerCells[m.ID] = cell
	s.mu.Unlock()

	s.engine.Push(m.ID, interp.Sample{X: m.X, Y: m.Y, Z: m.Z, Facing: m.Facing, At: time.Now()})
}

type heartbeat struct {
	Relays []string `json:"relays"`
}

func (s *Session) handleHeartbeat(data []byte) {
	var hb heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return
	}
	for _, u := range hb.Relays {
		if u != "" {
			s.dir.Announce(u)
		}
	}
}

// managerListener adapts relay notifications onto the session without
// exporting the listener methods on Session itself.
type managerListener struct{ s *Session }

func (l *managerListener) OnStatus(st relay.Status) {
	l.s.record(eventlog.Event{Kind: eventlog.KindStatus, Detail: st.String()})
	l.s.handler.OnStatus(st)
}

func (l *managerListener) OnPrimary(endpoint string) {
	l.s.record(eventlog.Event{Kind: eventlog.KindPrimary, Endpoint: endpoint})
}

func (l *managerListener) OnConnState(endpoint string, state relay.State) {
	if state == relay.StateConnected {
		l.s.stats.RecordConnect(endpoint)
	}
	l.s.record(eventlog.Event{Kind: eventlog.KindConn, Endpoint: endpoint, Detail: state.String()})
}

func (l *managerListener) OnMessage(endpoint string, msg protocol.Message) {
	l.s.handleMessage(endpoint, msg)
}

func (l *managerListener) OnRTT(endpoint string, rtt time.Duration) {
	l.s.dir.ReportRTT(endpoint, rtt)
	l.s.stats.RecordRTT(endpoint, rtt)
	l.s.record(eventlog.Event{Kind: eventlog.KindConn, Endpoint: endpoint, RTTMs: rtt.Milliseconds(), Detail: "rtt"})
}

func (l *managerListener) OnError(endpoint string, err error) {
	l.s.stats.RecordFailure(endpoint)
	l.s.record(eventlog.Event{Kind: eventlog.KindError, Endpoint: endpoint, Detail: err.Error()})
	l.s.log.Printf("relay %s: %v", endpoint, err)
}
