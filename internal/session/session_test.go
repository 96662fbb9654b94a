package session

import (
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"worldsync.gg/internal/eventlog"
	"worldsync.gg/internal/grid"
	"worldsync.gg/internal/relay"
	"worldsync.gg/internal/relayd"
	"worldsync.gg/internal/statsdb"
)

func startRelay(t *testing.T, cfg relayd.Config) (url string, shutdown func()) {
	t.Helper()
	s := relayd.NewServer(cfg, log.New(io.Discard, "", 0))
	ts := httptest.NewServer(s.Handler())
	shutdown = func() {
		ts.Close()
		s.Close()
	}
	t.Cleanup(shutdown)
	return "ws" + strings.TrimPrefix(ts.URL, "http"), shutdown
}

func testConfig(identity string, urls ...string) Config {
	cfg := Defaults()
	cfg.Identity = identity
	cfg.Relays = urls
	cfg.PositionRateHz = 1000
	cfg.PingIntervalMs = 50
	cfg.PongTimeoutMs = 300
	cfg.BackoffMinMs = 25
	cfg.BackoffMaxMs = 100
	cfg.ReelectEveryMs = 25
	return cfg
}

func startSession(t *testing.T, cfg Config, h Handler) *Session {
	t.Helper()
	s, err := New(cfg, h, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.Start()
	return s
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recHandler records handler callbacks for assertions.
type recHandler struct {
	mu      sync.Mutex
	joins   []string
	leaves  []string
	chats   []string
	dms     []string
	emojis  []string
	customs []string
}

func (h *recHandler) OnStatus(relay.Status) {}

func (h *recHandler) OnPeerJoin(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joins = append(h.joins, id)
}

func (h *recHandler) OnPeerLeave(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaves = append(h.leaves, id)
}

func (h *recHandler) OnChat(id, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chats = append(h.chats, id+":"+text)
}

func (h *recHandler) OnDirectMessage(id, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dms = append(h.dms, id+":"+text)
}

func (h *recHandler) OnEmoji(id, emoji string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emojis = append(h.emojis, id+":"+emoji)
}

func (h *recHandler) OnCustomEvent(name string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.customs = append(h.customs, name)
}

func (h *recHandler) count(kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch kind {
	case "join":
		return len(h.joins)
	case "leave":
		return len(h.leaves)
	case "chat":
		return len(h.chats)
	case "dm":
		return len(h.dms)
	case "emoji":
		return len(h.emojis)
	}
	return 0
}

func TestSessionConnectsAndAnnouncesJoin(t *testing.T) {
	url, _ := startRelay(t, relayd.Config{Map: "plaza"})

	aliceH := &recHandler{}
	alice := startSession(t, testConfig("alice", url), aliceH)

	waitFor(t, 3*time.Second, "alice connected", func() bool {
		return alice.Status() == relay.StatusConnected
	})
	waitFor(t, time.Second, "alice welcomed", func() bool {
		return alice.SelfID() == "alice"
	})
	if alice.Map() != "plaza" {
		t.Fatalf("map = %s, want plaza", alice.Map())
	}

	bobCfg := testConfig("bob", url)
	bobCfg.Avatar = `{"skin":"blue"}`
	startSession(t, bobCfg, nil)

	waitFor(t, 3*time.Second, "alice sees bob join", func() bool {
		return aliceH.count("join") == 1
	})

	peers := alice.Peers(time.Now())
	if len(peers) != 1 || peers[0].ID != "bob" {
		t.Fatalf("peers = %+v, want [bob]", peers)
	}
	if string(peers[0].Avatar) != `{"skin":"blue"}` {
		t.Fatalf("avatar = %s", peers[0].Avatar)
	}
}

func TestSessionDedupsChatAcrossRelays(t *testing.T) {
	urlA, _ := startRelay(t, relayd.Config{Map: "plaza"})
	urlB, _ := startRelay(t, relayd.Config{Map: "plaza"})

	aliceH := &recHandler{}
	alice := startSession(t, testConfig("alice", urlA, urlB), aliceH)
	bob := startSession(t, testConfig("bob", urlA, urlB), nil)

	bothConnected := func(s *Session) func() bool {
		return func() bool {
			states := s.ConnStates()
			return states[urlA] == relay.StateConnected && states[urlB] == relay.StateConnected
		}
	}
	waitFor(t, 3*time.Second, "alice on both relays", bothConnected(alice))
	waitFor(t, 3*time.Second, "bob on both relays", bothConnected(bob))

	bob.SendChat("hello")

	waitFor(t, 3*time.Second, "chat delivered", func() bool {
		return aliceH.count("chat") >= 1
	})
	time.Sleep(300 * time.Millisecond)
	if n := aliceH.count("chat"); n != 1 {
		t.Fatalf("chat delivered %d times, want exactly 1", n)
	}
	aliceH.mu.Lock()
	got := aliceH.chats[0]
	aliceH.mu.Unlock()
	if got != "bob:hello" {
		t.Fatalf("chat = %s, want bob:hello", got)
	}
}

func TestSessionInterpolatesPeerMovement(t *testing.T) {
	url, _ := startRelay(t, relayd.Config{Map: "plaza"})

	alice := startSession(t, testConfig("alice", url), nil)
	bob := startSession(t, testConfig("bob", url), nil)

	waitFor(t, 3*time.Second, "both connected", func() bool {
		return alice.Status() == relay.StatusConnected && bob.Status() == relay.StatusConnected
	})

	bob.MoveTo(10, 0, 10, 0)
	time.Sleep(150 * time.Millisecond)
	bob.MoveTo(20, 0, 10, 0)

	// The render target trails by the interpolation delay, so polling
	// lands inside the window where both samples straddle the target.
	var snap Peer
	waitFor(t, 3*time.Second, "interpolated state between samples", func() bool {
		for _, p := range alice.Peers(time.Now()) {
			if p.ID == "bob" && p.HasPos && !p.State.Extrapolated && p.State.X > 10 && p.State.X <= 20 {
				snap = p
				return true
			}
		}
		return false
	})
	if snap.State.Z != 10 {
		t.Fatalf("z = %v, want 10", snap.State.Z)
	}
	if snap.State.Y != 0 {
		t.Fatalf("y = %v, want 0", snap.State.Y)
	}
}

func TestSessionScopesTrackingToWatchedCells(t *testing.T) {
	url, _ := startRelay(t, relayd.Config{Map: "plaza"})

	alice := startSession(t, testConfig("alice", url), nil)
	bob := startSession(t, testConfig("bob", url), nil)

	waitFor(t, 3*time.Second, "both connected", func() bool {
		return alice.Status() == relay.StatusConnected && bob.Status() == relay.StatusConnected
	})

	// Alice watches around the origin; (90,90) is far outside.
	bob.MoveTo(90, 0, 90, 0)
	time.Sleep(200 * time.Millisecond)

	for _, p := range alice.Peers(time.Now()) {
		if p.ID == "bob" && p.HasPos {
			t.Fatalf("far peer tracked: %+v", p)
		}
	}

	// Moving into the watched neighborhood resumes tracking.
	bob.MoveTo(5, 0, 5, 0)
	waitFor(t, 3*time.Second, "near peer tracked", func() bool {
		for _, p := range alice.Peers(time.Now()) {
			if p.ID == "bob" && p.HasPos {
				return true
			}
		}
		return false
	})
}

func TestSessionFailsOverWhenPrimaryRelayDies(t *testing.T) {
	urlA, shutdownA := startRelay(t, relayd.Config{Map: "plaza"})
	urlB, shutdownB := startRelay(t, relayd.Config{Map: "plaza"})

	alice := startSession(t, testConfig("alice", urlA, urlB), nil)

	waitFor(t, 3*time.Second, "both relays connected", func() bool {
		states := alice.ConnStates()
		return states[urlA] == relay.StateConnected && states[urlB] == relay.StateConnected
	})
	waitFor(t, time.Second, "primary elected", func() bool {
		return alice.Primary() != ""
	})

	first := alice.Primary()
	if first == urlA {
		shutdownA()
	} else {
		shutdownB()
	}

	waitFor(t, 3*time.Second, "primary fails over", func() bool {
		p := alice.Primary()
		return p != "" && p != first
	})
	if alice.Status() != relay.StatusConnected {
		t.Fatalf("status = %v, want connected via the survivor", alice.Status())
	}
}

func TestSessionDiscoversSiblingRelays(t *testing.T) {
	urlB, _ := startRelay(t, relayd.Config{Map: "plaza"})
	urlA, _ := startRelay(t, relayd.Config{
		Map:              "plaza",
		Siblings:         []string{urlB},
		HeartbeatEveryMs: 20,
	})

	alice := startSession(t, testConfig("alice", urlA), nil)

	waitFor(t, 3*time.Second, "sibling discovered and connected", func() bool {
		return alice.ConnStates()[urlB] == relay.StateConnected
	})
}

func TestSessionRecordsStatsAndEvents(t *testing.T) {
	url, _ := startRelay(t, relayd.Config{Map: "plaza"})

	dir := t.TempDir()
	aliceH := &recHandler{}
	aliceCfg := testConfig("alice", url)
	aliceCfg.DataDir = dir
	alice := startSession(t, aliceCfg, aliceH)
	bob := startSession(t, testConfig("bob", url), nil)

	waitFor(t, 3*time.Second, "both connected", func() bool {
		return alice.Status() == relay.StatusConnected && bob.Status() == relay.StatusConnected
	})
	bob.SendChat("for the record")
	waitFor(t, 3*time.Second, "chat delivered", func() bool {
		return aliceH.count("chat") == 1
	})

	if err := alice.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err := statsdb.Open(filepath.Join(dir, "stats.db"))
	if err != nil {
		t.Fatalf("reopen stats: %v", err)
	}
	defer store.Close()
	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 || stats[0].URL != url || stats[0].Connects < 1 {
		t.Fatalf("stats = %+v, want %s with a connect", stats, url)
	}

	files, err := eventlog.ListFiles(filepath.Join(dir, "logs"), "session")
	if err != nil || len(files) == 0 {
		t.Fatalf("log files = %v (%v)", files, err)
	}
	kinds := map[string]int{}
	for _, f := range files {
		if err := eventlog.ReadFile(f, func(e eventlog.Event) error {
			kinds[e.Kind]++
			return nil
		}); err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
	}
	if kinds[eventlog.KindWelcome] == 0 {
		t.Fatalf("no welcome event recorded: %v", kinds)
	}
	if kinds[eventlog.KindChat] == 0 {
		t.Fatalf("no chat event recorded: %v", kinds)
	}
}

func TestMoveToThrottlesOutboundPositions(t *testing.T) {
	cfg := Defaults()
	cfg.Identity = "alice"
	cfg.Relays = []string{"ws://127.0.0.1:1/ws"}
	cfg.PositionRateHz = 10

	s, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.MoveTo(1, 0, 1, 0)
	s.mu.Lock()
	first := s.lastSent
	s.mu.Unlock()
	if first.IsZero() {
		t.Fatalf("first MoveTo did not send")
	}

	s.MoveTo(2, 0, 2, 0)
	s.mu.Lock()
	second := s.lastSent
	s.mu.Unlock()
	if !second.Equal(first) {
		t.Fatalf("second MoveTo sent within the rate window")
	}

	x, _, z, _ := s.Self()
	if x != 2 || z != 2 {
		t.Fatalf("self pose = (%v,%v), latest pose must win locally", x, z)
	}
}

func TestMoveToRecentersWatchedCells(t *testing.T) {
	cfg := Defaults()
	cfg.Identity = "alice"
	cfg.Relays = []string{"ws://127.0.0.1:1/ws"}
	cfg.WatchRadius = 1

	s, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.MoveTo(55, 0, 55, 0)

	want := grid.Neighborhood(grid.CellOf(55, 55), 1)
	got := s.WatchedCells()
	if len(got) != len(want) {
		t.Fatalf("watched = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("watched[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	url, _ := startRelay(t, relayd.Config{Map: "plaza"})

	alice := startSession(t, testConfig("alice", url), nil)
	waitFor(t, 3*time.Second, "connected", func() bool {
		return alice.Status() == relay.StatusConnected
	})

	if err := alice.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	alice.SendChat("after close")
	alice.MoveTo(1, 0, 1, 0)
}
