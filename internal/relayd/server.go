// Package relayd is the reference relay: a dumb mirror that checks a
// challenge handshake, keeps a per-map roster, and rebroadcasts
// traffic between its clients. Redundancy comes from running several
// relayds and letting clients hold one connection to each.
package relayd

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldsync.gg/internal/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
)

type Server struct {
	cfg Config
	hub *Hub
	log *log.Logger

	upgrader websocket.Upgrader
}

// NewServer starts the hub goroutine immediately; Close stops it.
func NewServer(cfg Config, logger *log.Logger) *Server {
	cfg.Normalize()
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &Server{
		cfg: cfg,
		hub: NewHub(cfg, logger),
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	go s.hub.Run()
	return s
}

// Close disconnects every client and stops the hub.
func (s *Server) Close() {
	s.hub.Stop()
}

// Stats reports hub load counters.
func (s *Server) Stats() Metrics {
	return s.hub.Stats()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(conn)
		if c == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			msg, err := protocol.Decode(raw)
			if err != nil {
				continue
			}
			switch m := msg.(type) {
			case *protocol.PingMsg:
				s.enqueue(c, &protocol.PongMsg{Type: protocol.TypePong, Echo: m.SentAt})
			case *protocol.JoinMsg, *protocol.PositionMsg, *protocol.ChatMsg,
				*protocol.EmojiMsg, *protocol.DirectMessageMsg:
				select {
				case s.hub.frameCh <- frame{from: c, msg: m}:
				case <-s.hub.done:
				}
			}
		}

		// Cleanup.
		select {
		case s.hub.leaveCh <- c:
		case <-s.hub.done:
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		s.reject(conn, protocol.ErrBadFrame, "malformed frame")
		return nil
	}
	auth, ok := msg.(*protocol.AuthMsg)
	if !ok {
		s.reject(conn, protocol.ErrAuthRequired, "auth required")
		return nil
	}
	if auth.ProtocolVersion != "" && auth.ProtocolVersion != protocol.Version {
		s.reject(conn, protocol.ErrBadFrame, "unsupported protocol_version")
		return nil
	}
	if auth.Identity == "" {
		s.reject(conn, protocol.ErrAuthFailed, "identity required")
		return nil
	}

	challenge := uuid.NewString()
	if err := writeJSON(conn, &protocol.AuthChallengeMsg{Type: protocol.TypeAuthChallenge, Challenge: challenge}); err != nil {
		return nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, raw, err = conn.ReadMessage()
	if err != nil {
		return nil
	}
	msg, err = protocol.Decode(raw)
	if err != nil {
		s.reject(conn, protocol.ErrBadFrame, "malformed frame")
		return nil
	}
	sig, ok := msg.(*protocol.AuthResponseMsg)
	if !ok {
		s.reject(conn, protocol.ErrAuthRequired, "auth_response required")
		return nil
	}
	if s.cfg.Secret != "" && !protocol.VerifyHMAC(s.cfg.Secret, challenge, sig.Signature) {
		s.reject(conn, protocol.ErrAuthFailed, "bad signature")
		return nil
	}

	c := &client{
		id:   auth.Identity,
		conn: conn,
		out:  make(chan []byte, 64),
	}
	resp := make(chan joinResp, 1)
	select {
	case s.hub.joinCh <- joinReq{c: c, resp: resp}:
	case <-s.hub.done:
		return nil
	}
	jr := <-resp
	if jr.full {
		s.reject(conn, protocol.ErrMapFull, "map full")
		return nil
	}

	welcome := &protocol.WelcomeMsg{
		Type:   protocol.TypeWelcome,
		SelfID: c.id,
		Map:    s.cfg.Map,
		Peers:  jr.peers,
	}
	if err := writeJSON(conn, welcome); err != nil {
		select {
		case s.hub.leaveCh <- c:
		case <-s.hub.done:
		}
		return nil
	}
	return c
}

func (s *Server) reject(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, &protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
}

// enqueue hands a reply to the client's writer; a full queue drops it.
func (s *Server) enqueue(c *client, msg protocol.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
