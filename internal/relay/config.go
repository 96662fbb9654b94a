package relay

import "time"

// Defaults match the tuning the wider client ships with.
const (
	DefaultMaxConns     = 5
	DefaultDedupCap     = 10000
	DefaultPingInterval = 15 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	DefaultBackoffMin   = 1500 * time.Millisecond
	DefaultBackoffMax   = 30 * time.Second
	DefaultReelectEvery = 30 * time.Second
	DefaultDialTimeout  = 10 * time.Second
	DefaultSendBuffer   = 64
)

// Config tunes a Manager and the connections it owns. The zero value
// means "use defaults" field by field.
type Config struct {
	// MaxConns caps how many relay endpoints are held at once;
	// endpoint lists are truncated beyond it.
	MaxConns int
	// DedupCap bounds the broadcast dedup window.
	DedupCap int
	// PingInterval is the keepalive probe cadence on each live link.
	PingInterval time.Duration
	// PongTimeout force-closes a link that does not answer a probe,
	// catching half-open TCP connections.
	PongTimeout time.Duration
	// BackoffMin/BackoffMax bound the reconnect delay, which doubles
	// per consecutive failure and resets on a completed handshake.
	BackoffMin time.Duration
	BackoffMax time.Duration
	// ReelectEvery is the periodic primary re-election cadence.
	// Elections also run immediately when the primary drops.
	ReelectEvery time.Duration
	// DialTimeout bounds the websocket dial plus HTTP upgrade.
	DialTimeout time.Duration
	// SendBuffer is the per-connection outbound queue; writes beyond
	// it are dropped, never blocked on.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.DedupCap <= 0 {
		c.DedupCap = DefaultDedupCap
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = DefaultBackoffMin
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.ReelectEvery <= 0 {
		c.ReelectEvery = DefaultReelectEvery
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
	return c
}
