package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldsync.gg/internal/protocol"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// testRelay speaks just enough of the relay protocol for connection
// tests: the auth handshake, delayed pong replies for RTT shaping,
// and raw broadcast injection.
type testRelay struct {
	t   *testing.T
	srv *httptest.Server

	pongDelayMs atomic.Int64
	rejectAuth  atomic.Bool

	mu            sync.Mutex
	clients       map[*websocket.Conn]*sync.Mutex
	handshakes    int
	lastSignature string
	frames        [][]byte
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{t: t, clients: map[*websocket.Conn]*sync.Mutex{}}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *testRelay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := testUpgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	wmu := &sync.Mutex{}

	kind, _ := r.read(ws)
	if kind != protocol.TypeAuth {
		return
	}
	r.write(ws, wmu, &protocol.AuthChallengeMsg{Type: protocol.TypeAuthChallenge, Challenge: "nonce"})
	kind, raw := r.read(ws)
	if kind != protocol.TypeAuthResponse {
		return
	}
	var resp protocol.AuthResponseMsg
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	r.mu.Lock()
	r.lastSignature = resp.Signature
	r.mu.Unlock()
	if r.rejectAuth.Load() {
		r.write(ws, wmu, &protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrAuthFailed, Message: "rejected"})
		return
	}
	r.write(ws, wmu, &protocol.WelcomeMsg{Type: protocol.TypeWelcome, SelfID: "self", Map: "plaza", Peers: []protocol.PeerInfo{}})

	r.mu.Lock()
	r.handshakes++
	r.clients[ws] = wmu
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clients, ws)
		r.mu.Unlock()
	}()

	for {
		kind, raw := r.read(ws)
		if kind == "" {
			return
		}
		if kind == protocol.TypePing {
			var ping protocol.PingMsg
			if err := json.Unmarshal(raw, &ping); err != nil {
				continue
			}
			delay := time.Duration(r.pongDelayMs.Load()) * time.Millisecond
			go func() {
				if delay > 0 {
					time.Sleep(delay)
				}
				r.write(ws, wmu, &protocol.PongMsg{Type: protocol.TypePong, Echo: ping.SentAt})
			}()
			continue
		}
		r.mu.Lock()
		r.frames = append(r.frames, raw)
		r.mu.Unlock()
	}
}

func (r *testRelay) read(ws *websocket.Conn) (string, []byte) {
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", nil
	}
	base, err := protocol.DecodeBase(data)
	if err != nil {
		return "", nil
	}
	return base.Type, data
}

func (r *testRelay) write(ws *websocket.Conn, wmu *sync.Mutex, msg any) {
	wmu.Lock()
	defer wmu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = ws.WriteJSON(msg)
}

// broadcast pushes one message to every authed client.
func (r *testRelay) broadcast(msg any) {
	r.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(r.clients))
	for ws, wmu := range r.clients {
		conns[ws] = wmu
	}
	r.mu.Unlock()
	for ws, wmu := range conns {
		r.write(ws, wmu, msg)
	}
}

func (r *testRelay) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *testRelay) handshakeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handshakes
}

func (r *testRelay) signature() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSignature
}

// inboundKinds lists the message types received after the handshake,
// keepalive pings excluded.
func (r *testRelay) inboundKinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		base, err := protocol.DecodeBase(f)
		if err != nil {
			continue
		}
		kinds = append(kinds, base.Type)
	}
	return kinds
}

// recListener records every manager notification.
type recListener struct {
	mu         sync.Mutex
	statuses   []Status
	primaries  []string
	connStates map[string][]State
	msgs       []routed
	errs       []error
	rtts       map[string]time.Duration
}

type routed struct {
	endpoint string
	msg      protocol.Message
}

func newRecListener() *recListener {
	return &recListener{
		connStates: map[string][]State{},
		rtts:       map[string]time.Duration{},
	}
}

func (l *recListener) OnStatus(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *recListener) OnPrimary(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.primaries = append(l.primaries, endpoint)
}

func (l *recListener) OnConnState(endpoint string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connStates[endpoint] = append(l.connStates[endpoint], s)
}

func (l *recListener) OnMessage(endpoint string, msg protocol.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, routed{endpoint: endpoint, msg: msg})
}

func (l *recListener) OnRTT(endpoint string, rtt time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rtts[endpoint] = rtt
}

func (l *recListener) OnError(endpoint string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recListener) primarySeq() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.primaries...)
}

func (l *recListener) messagesOfKind(kind string) []routed {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []routed
	for _, m := range l.msgs {
		if m.msg.Kind() == kind {
			out = append(out, m)
		}
	}
	return out
}

func (l *recListener) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
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

func testCfg() Config {
	return Config{
		PingInterval: 50 * time.Millisecond,
		PongTimeout:  250 * time.Millisecond,
		BackoffMin:   25 * time.Millisecond,
		BackoffMax:   100 * time.Millisecond,
		ReelectEvery: 25 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	}
}

func testSigner(_ context.Context, challenge string) (string, error) {
	return "sig:" + challenge, nil
}
