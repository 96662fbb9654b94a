package relay

import (
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"worldsync.gg/internal/protocol"
)

// Manager holds the redundant relay connections of one map session.
// It elects the lowest-latency connected endpoint as the primary
// source of continuous state, dedups discrete broadcasts across
// connections, and fans outbound messages to every live link.
//
// All internal state lives on a single event goroutine fed by
// channels; the exported methods only ever talk to that goroutine.
type Manager struct {
	cfg      Config
	identity string
	sign     SignFunc
	listener Listener
	log      *log.Logger

	events      chan event
	endpointsCh chan []string
	sendCh      chan protocol.Message
	statesReq   chan chan map[string]State
	quit        chan struct{}
	done        chan struct{}
	startOnce   sync.Once
	quitOnce    sync.Once
	started     atomic.Bool

	status  atomic.Int32
	primary atomic.Value

	// Owned by the run goroutine.
	conns     map[string]*conn
	states    map[string]State
	dedup     *DedupSet
	primaryEP string
}

// NewManager wires identity, signer and listener up front; none of
// them change over the manager's lifetime. A nil listener or logger
// is replaced with a no-op.
func NewManager(cfg Config, identity string, sign SignFunc, listener Listener, lg *log.Logger) *Manager {
	cfg = cfg.withDefaults()
	if listener == nil {
		listener = nopListener{}
	}
	if lg == nil {
		lg = log.New(io.Discard, "", 0)
	}
	m := &Manager{
		cfg:         cfg,
		identity:    identity,
		sign:        sign,
		listener:    listener,
		log:         lg,
		events:      make(chan event, 256),
		endpointsCh: make(chan []string),
		sendCh:      make(chan protocol.Message, cfg.SendBuffer),
		statesReq:   make(chan chan map[string]State),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		conns:       make(map[string]*conn),
		states:      make(map[string]State),
		dedup:       NewDedupSet(cfg.DedupCap),
	}
	m.primary.Store("")
	return m
}

// Connect applies an endpoint list and starts connecting. Endpoints
// already held keep their live connections; calling Connect twice
// with the same list changes nothing.
func (m *Manager) Connect(endpoints []string) {
	m.start()
	select {
	case m.endpointsCh <- endpoints:
	case <-m.quit:
	}
}

// UpdateEndpoints diffs a new endpoint list against the current one,
// destroying dropped connections and dialing added ones. Connections
// present in both survive untouched.
func (m *Manager) UpdateEndpoints(endpoints []string) {
	m.Connect(endpoints)
}

// Send fans a message out to every connected relay. It never blocks:
// with the queue full the message is dropped.
func (m *Manager) Send(msg protocol.Message) {
	select {
	case m.sendCh <- msg:
	case <-m.quit:
	default:
	}
}

// Destroy tears down every connection and stops the event goroutine.
// The manager is unusable afterwards.
func (m *Manager) Destroy() {
	m.quitOnce.Do(func() { close(m.quit) })
	if m.started.Load() {
		<-m.done
	}
}

// Status is the current aggregate health.
func (m *Manager) Status() Status {
	return Status(m.status.Load())
}

// Primary is the elected endpoint, empty while nothing is connected.
func (m *Manager) Primary() string {
	return m.primary.Load().(string)
}

// ConnStates snapshots the per-endpoint connection states.
func (m *Manager) ConnStates() map[string]State {
	if !m.started.Load() {
		return nil
	}
	req := make(chan map[string]State, 1)
	select {
	case m.statesReq <- req:
		return <-req
	case <-m.quit:
		return nil
	}
}

func (m *Manager) start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

func (m *Manager) run() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ReelectEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			for _, c := range m.conns {
				c.destroy()
			}
			m.conns = map[string]*conn{}
			m.states = map[string]State{}
			m.dedup = NewDedupSet(m.cfg.DedupCap)
			m.primaryEP = ""
			m.primary.Store("")
			m.status.Store(int32(StatusDisconnected))
			return
		case eps := <-m.endpointsCh:
			m.applyEndpoints(eps)
		case msg := <-m.sendCh:
			m.fanOut(msg)
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-ticker.C:
			m.elect()
		case req := <-m.statesReq:
			snap := make(map[string]State, len(m.states))
			for url, st := range m.states {
				snap[url] = st
			}
			req <- snap
		}
	}
}

func (m *Manager) applyEndpoints(endpoints []string) {
	ordered := make([]string, 0, len(endpoints))
	want := make(map[string]struct{}, len(endpoints))
	for _, url := range endpoints {
		if url == "" {
			continue
		}
		if _, dup := want[url]; dup {
			continue
		}
		want[url] = struct{}{}
		ordered = append(ordered, url)
		if len(ordered) == m.cfg.MaxConns {
			break
		}
	}
	if len(endpoints) > len(ordered) {
		m.log.Printf("endpoint list reduced from %d to %d", len(endpoints), len(ordered))
	}

	primaryLost := false
	for url, c := range m.conns {
		if _, keep := want[url]; keep {
			continue
		}
		c.destroy()
		delete(m.conns, url)
		delete(m.states, url)
		if url == m.primaryEP {
			primaryLost = true
		}
	}
	for _, url := range ordered {
		if _, ok := m.conns[url]; ok {
			continue
		}
		c := newConn(url, m.identity, m.sign, m.cfg, m.log, m.events)
		m.conns[url] = c
		m.states[url] = StateDisconnected
		c.connect()
	}
	if primaryLost {
		m.elect()
	}
	m.updateStatus()
}

func (m *Manager) handleEvent(ev event) {
	if _, ok := m.conns[ev.endpoint]; !ok {
		// Late event from a destroyed connection.
		return
	}
	switch ev.kind {
	case eventState:
		m.states[ev.endpoint] = ev.state
		m.listener.OnConnState(ev.endpoint, ev.state)
		if ev.state == StateConnected && m.primaryEP == "" {
			m.elect()
		} else if ev.endpoint == m.primaryEP && ev.state != StateConnected {
			// The primary dropped. Replace it within the same event
			// so a standby takes over with no primaryless window.
			m.elect()
		}
		m.updateStatus()
	case eventMessage:
		m.route(ev.endpoint, ev.msg)
	case eventRTT:
		m.listener.OnRTT(ev.endpoint, ev.rtt)
	case eventError:
		m.listener.OnError(ev.endpoint, ev.err)
	}
}

// route applies the delivery discipline: welcome and error frames are
// per-connection and always pass, continuous position state passes
// only from the primary, and identified broadcasts pass once per id.
func (m *Manager) route(endpoint string, msg protocol.Message) {
	switch msg.(type) {
	case *protocol.PeerPositionMsg:
		if endpoint != m.primaryEP {
			return
		}
	case *protocol.WelcomeMsg, *protocol.ErrorMsg:
	default:
		if ident, ok := msg.(protocol.Identified); ok {
			if id := ident.MessageID(); id != "" {
				if m.dedup.Has(id) {
					return
				}
				m.dedup.Add(id)
			}
		}
	}
	m.listener.OnMessage(endpoint, msg)
}

func (m *Manager) fanOut(msg protocol.Message) {
	for url, st := range m.states {
		if st != StateConnected {
			continue
		}
		m.conns[url].send(msg)
	}
}

// elect picks the connected endpoint with the lowest measured RTT.
// Unmeasured endpoints rank behind measured ones and exact ties break
// on the lexicographically smaller URL, so the outcome is
// deterministic for any input.
func (m *Manager) elect() {
	best := ""
	var bestRTT time.Duration
	for url, st := range m.states {
		if st != StateConnected {
			continue
		}
		rtt := m.conns[url].rtt()
		if best == "" || outranks(url, rtt, best, bestRTT) {
			best, bestRTT = url, rtt
		}
	}
	m.setPrimary(best)
}

func outranks(a string, aRTT time.Duration, b string, bRTT time.Duration) bool {
	am, bm := aRTT > 0, bRTT > 0
	switch {
	case am && !bm:
		return true
	case !am && bm:
		return false
	case am && bm && aRTT != bRTT:
		return aRTT < bRTT
	default:
		return a < b
	}
}

func (m *Manager) setPrimary(url string) {
	if url == m.primaryEP {
		return
	}
	m.primaryEP = url
	m.primary.Store(url)
	if url == "" {
		m.log.Printf("no primary: nothing connected")
	} else {
		m.log.Printf("primary relay: %s", url)
	}
	m.listener.OnPrimary(url)
}

func (m *Manager) updateStatus() {
	st := StatusDisconnected
	for _, s := range m.states {
		if s == StateConnected {
			st = StatusConnected
			break
		}
		if s == StateConnecting || s == StateAuthenticating {
			st = StatusConnecting
		}
	}
	if st == Status(m.status.Load()) {
		return
	}
	m.status.Store(int32(st))
	m.listener.OnStatus(st)
}

type nopListener struct{}

func (nopListener) OnStatus(Status)                    {}
func (nopListener) OnPrimary(string)                   {}
func (nopListener) OnConnState(string, State)          {}
func (nopListener) OnMessage(string, protocol.Message) {}
func (nopListener) OnRTT(string, time.Duration)        {}
func (nopListener) OnError(string, error)              {}
