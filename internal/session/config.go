package session

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"worldsync.gg/internal/relay"
)

// Config is the client-side session configuration, loaded from
// client.yaml. Zero or missing numeric fields fall back to defaults.
type Config struct {
	// Identity is the stable id presented during auth.
	Identity string `yaml:"identity"`
	// Avatar is an opaque JSON document relays pass through to peers.
	Avatar string `yaml:"avatar,omitempty"`
	// Secret is the shared HMAC secret for challenge signing. Empty
	// means sign with the empty secret; open relays accept that.
	Secret string `yaml:"secret,omitempty"`
	// Relays seeds the endpoint directory. Discovery heartbeats can
	// add more at runtime.
	Relays []string `yaml:"relays"`

	MaxConns       int `yaml:"max_conns"`
	WatchRadius    int `yaml:"watch_radius"`
	PositionRateHz int `yaml:"position_rate_hz"`
	DedupCapacity  int `yaml:"dedup_capacity"`

	// Link tuning in milliseconds. Zero keeps the built-in defaults;
	// only tests and unusual deployments touch these.
	PingIntervalMs int `yaml:"ping_interval_ms,omitempty"`
	PongTimeoutMs  int `yaml:"pong_timeout_ms,omitempty"`
	BackoffMinMs   int `yaml:"backoff_min_ms,omitempty"`
	BackoffMaxMs   int `yaml:"backoff_max_ms,omitempty"`
	ReelectEveryMs int `yaml:"reelect_every_ms,omitempty"`

	// DataDir holds stats.db and the session event logs. Empty
	// disables both.
	DataDir string `yaml:"data_dir,omitempty"`
}

func Defaults() Config {
	return Config{
		MaxConns:       relay.DefaultMaxConns,
		WatchRadius:    1,
		PositionRateHz: 10,
		DedupCapacity:  relay.DefaultDedupCap,
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("client.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("client.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c.MaxConns <= 0 {
		c.MaxConns = relay.DefaultMaxConns
	}
	if c.WatchRadius < 0 {
		c.WatchRadius = 0
	}
	if c.PositionRateHz <= 0 {
		c.PositionRateHz = 10
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = relay.DefaultDedupCap
	}

	seen := make(map[string]bool, len(c.Relays))
	urls := c.Relays[:0]
	for _, u := range c.Relays {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	c.Relays = urls
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return fmt.Errorf("identity is required")
	}
	if len(c.Relays) == 0 {
		return fmt.Errorf("at least one relay url is required")
	}
	for _, u := range c.Relays {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("relay %q: scheme must be ws:// or wss://", u)
		}
	}
	if c.Avatar != "" && !json.Valid([]byte(c.Avatar)) {
		return fmt.Errorf("avatar must be a JSON document")
	}
	return nil
}
