package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"worldsync.gg/internal/protocol"
)

const writeTimeout = 5 * time.Second

// conn supervises one relay link: dial, handshake, read/write pumps,
// keepalive, reconnect with backoff. The manager owns it exclusively
// and holds at most one conn per endpoint. All coordination with the
// manager happens over the shared event channel.
type conn struct {
	endpoint string
	identity string
	sign     SignFunc
	cfg      Config
	log      *log.Logger
	events   chan<- event

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	sendCh    chan protocol.Message
	started   bool
	destroyed bool
	attempt   int

	rttNanos atomic.Int64 // 0 until the first pong lands
	lastPing atomic.Int64 // unix nanos of the latest ping write
}

func newConn(endpoint, identity string, sign SignFunc, cfg Config, lg *log.Logger, events chan<- event) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		endpoint: endpoint,
		identity: identity,
		sign:     sign,
		cfg:      cfg,
		log:      lg,
		events:   events,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateDisconnected,
	}
}

// connect starts the supervisor goroutine. Calling it again, or after
// destroy, does nothing.
func (c *conn) connect() {
	c.mu.Lock()
	if c.started || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// destroy permanently stops the connection. Idempotent.
func (c *conn) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	ws := c.ws
	c.mu.Unlock()
	c.cancel()
	if ws != nil {
		ws.Close()
	}
}

// send queues a message for the writer. Best effort: dropped without
// error when the link is not up or the queue is full, because stale
// real-time data is worse than missing data.
func (c *conn) send(msg protocol.Message) {
	c.mu.Lock()
	ch := c.sendCh
	open := c.state == StateAuthenticating || c.state == StateConnected
	c.mu.Unlock()
	if !open || ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *conn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// rtt is the latest round-trip measurement, zero until one exists.
func (c *conn) rtt() time.Duration {
	return time.Duration(c.rttNanos.Load())
}

func (c *conn) run() {
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.setState(StateConnecting)
		ws, err := c.dial()
		if err != nil {
			c.setState(StateDisconnected)
			if c.ctx.Err() == nil {
				c.log.Printf("conn %s: %v", c.endpoint, err)
			}
			if !c.backoffWait() {
				return
			}
			continue
		}
		c.setState(StateAuthenticating)
		if err := c.session(ws); err != nil && c.ctx.Err() == nil {
			c.log.Printf("conn %s: %v", c.endpoint, err)
		}
		c.setState(StateDisconnected)
		if !c.backoffWait() {
			return
		}
	}
}

func (c *conn) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	ws, _, err := dialer.DialContext(c.ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return ws, nil
}

// session drives one transport lifetime: handshake, pumps, teardown.
// It returns when the link dies for any reason.
func (c *conn) session(ws *websocket.Conn) error {
	sendCh := make(chan protocol.Message, c.cfg.SendBuffer)
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.sendCh = sendCh
	c.mu.Unlock()

	pongCh := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ws, sendCh, pongCh, readerDone)
	}()

	sendCh <- &protocol.AuthMsg{
		Type:            protocol.TypeAuth,
		ProtocolVersion: protocol.Version,
		Identity:        c.identity,
	}

	err := c.readLoop(ws, sendCh, pongCh)
	close(readerDone)
	ws.Close()
	<-writerDone

	c.mu.Lock()
	c.ws = nil
	c.sendCh = nil
	c.mu.Unlock()
	return err
}

// readLoop owns all reads. Pre-welcome frames get the short handshake
// deadline; afterwards the deadline covers a full keepalive cycle.
func (c *conn) readLoop(ws *websocket.Conn, sendCh chan protocol.Message, pongCh chan struct{}) error {
	authed := false
	for {
		idle := c.cfg.PingInterval + c.cfg.PongTimeout + 5*time.Second
		if !authed {
			idle = c.cfg.PongTimeout
		}
		ws.SetReadDeadline(time.Now().Add(idle))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			// Malformed frame: drop it, keep the link.
			continue
		}
		switch m := msg.(type) {
		case *protocol.AuthChallengeMsg:
			if authed {
				continue
			}
			sctx, cancel := context.WithTimeout(c.ctx, c.cfg.PongTimeout)
			sig, err := c.sign(sctx, m.Challenge)
			cancel()
			if err != nil {
				err = fmt.Errorf("sign challenge: %w", err)
				c.emit(event{kind: eventError, endpoint: c.endpoint, err: err})
				return err
			}
			select {
			case sendCh <- &protocol.AuthResponseMsg{Type: protocol.TypeAuthResponse, Signature: sig}:
			default:
			}
		case *protocol.WelcomeMsg:
			if !authed {
				authed = true
				c.mu.Lock()
				c.attempt = 0
				c.mu.Unlock()
				c.setState(StateConnected)
				// Probe immediately so the first RTT sample does not
				// wait a full keepalive interval.
				select {
				case sendCh <- &protocol.PingMsg{Type: protocol.TypePing, SentAt: time.Now().UnixMilli()}:
				default:
				}
			}
			c.emit(event{kind: eventMessage, endpoint: c.endpoint, msg: m})
		case *protocol.PongMsg:
			if sent := c.lastPing.Load(); sent > 0 {
				if rtt := time.Duration(time.Now().UnixNano() - sent); rtt > 0 {
					c.rttNanos.Store(int64(rtt))
					c.emit(event{kind: eventRTT, endpoint: c.endpoint, rtt: rtt})
				}
			}
			select {
			case pongCh <- struct{}{}:
			default:
			}
		case *protocol.ErrorMsg:
			if !authed {
				err := fmt.Errorf("auth rejected: %s %s", m.Code, m.Message)
				c.emit(event{kind: eventError, endpoint: c.endpoint, err: err})
				return err
			}
			c.emit(event{kind: eventMessage, endpoint: c.endpoint, msg: m})
		default:
			if !authed {
				continue
			}
			c.emit(event{kind: eventMessage, endpoint: c.endpoint, msg: m})
		}
	}
}

// writeLoop owns all writes, including keepalive probes and the pong
// deadline that detects half-open links.
func (c *conn) writeLoop(ws *websocket.Conn, sendCh <-chan protocol.Message, pongCh <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	pongTimer := time.NewTimer(c.cfg.PongTimeout)
	if !pongTimer.Stop() {
		<-pongTimer.C
	}
	defer pongTimer.Stop()
	outstanding := false

	writePing := func() bool {
		c.lastPing.Store(time.Now().UnixNano())
		ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteJSON(&protocol.PingMsg{Type: protocol.TypePing, SentAt: time.Now().UnixMilli()}); err != nil {
			ws.Close()
			return false
		}
		if !outstanding {
			outstanding = true
			pongTimer.Reset(c.cfg.PongTimeout)
		}
		return true
	}

	for {
		select {
		case <-done:
			return
		case msg := <-sendCh:
			if _, ok := msg.(*protocol.PingMsg); ok {
				if !writePing() {
					return
				}
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				ws.Close()
				return
			}
		case <-ticker.C:
			if !writePing() {
				return
			}
		case <-pongCh:
			outstanding = false
			if !pongTimer.Stop() {
				select {
				case <-pongTimer.C:
				default:
				}
			}
		case <-pongTimer.C:
			outstanding = false
			c.log.Printf("conn %s: pong timeout, closing", c.endpoint)
			ws.Close()
			return
		}
	}
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.emit(event{kind: eventState, endpoint: c.endpoint, state: s})
}

func (c *conn) emit(ev event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// backoffWait sleeps the current reconnect delay, doubling per
// consecutive failure between the configured bounds. It reports false
// when the connection was destroyed while waiting.
func (c *conn) backoffWait() bool {
	c.mu.Lock()
	c.attempt++
	n := c.attempt
	c.mu.Unlock()
	select {
	case <-time.After(backoffDelay(c.cfg.BackoffMin, c.cfg.BackoffMax, n)):
		return true
	case <-c.ctx.Done():
		return false
	}
}

func backoffDelay(min, max time.Duration, attempt int) time.Duration {
	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
