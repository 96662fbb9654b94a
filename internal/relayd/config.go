package relayd

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the relay daemon configuration, loaded from relayd.yaml.
type Config struct {
	// Addr is the listen address for the websocket endpoint.
	Addr string `yaml:"addr"`
	// Map names the world this relay serves; echoed in welcome.
	Map string `yaml:"map"`
	// Secret enables HMAC challenge verification. Empty accepts any
	// signature (open relay).
	Secret string `yaml:"secret,omitempty"`
	// Siblings are other relay URLs for the same map, announced to
	// clients in relay_heartbeat events so they can add redundancy.
	Siblings []string `yaml:"siblings,omitempty"`

	MaxClients       int `yaml:"max_clients"`
	HeartbeatEveryMs int `yaml:"heartbeat_every_ms"`

	// Chat rate limit per client: ChatMax messages per window. Zero
	// window disables the limit.
	ChatWindowMs int `yaml:"chat_window_ms"`
	ChatMax      int `yaml:"chat_max"`
}

func Defaults() Config {
	return Config{
		Addr:             ":9200",
		Map:              "plaza",
		MaxClients:       256,
		HeartbeatEveryMs: 30000,
		ChatWindowMs:     10000,
		ChatMax:          10,
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
		return cfg, fmt.Errorf("relayd.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("relayd.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c.Addr == "" {
		c.Addr = ":9200"
	}
	if c.Map == "" {
		c.Map = "plaza"
	}
	if c.MaxClients <= 0 {
		c.MaxClients = 256
	}
	if c.HeartbeatEveryMs < 0 {
		c.HeartbeatEveryMs = 0
	}
	if c.ChatMax <= 0 {
		c.ChatMax = 10
	}

	seen := make(map[string]bool, len(c.Siblings))
	urls := c.Siblings[:0]
	for _, u := range c.Siblings {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	c.Siblings = urls
}

func (c Config) Validate() error {
	for _, u := range c.Siblings {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			return fmt.Errorf("sibling %q: scheme must be ws:// or wss://", u)
		}
	}
	return nil
}
