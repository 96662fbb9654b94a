package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"time"

	"worldsync.gg/internal/relay"
	"worldsync.gg/internal/session"
)

const (
	stepEvery  = 100 * time.Millisecond
	walkSpeed  = 4.0 // world units per second
	roamRadius = 48.0
)

func main() {
	var (
		configPath = flag.String("config", "", "path to client.yaml (defaults apply when empty)")
		name       = flag.String("name", "", "identity (overrides config)")
		relays     = flag.String("relays", "", "comma-separated relay urls (overrides config)")
		dataDir    = flag.String("data", "", "directory for endpoint stats and event logs (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[roam] ", log.LstdFlags|log.Lmicroseconds)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	cfg, err := session.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*name) != "" {
		cfg.Identity = strings.TrimSpace(*name)
	}
	if cfg.Identity == "" {
		// Two roamers sharing an identity would keep evicting each
		// other, so the default must be unique.
		cfg.Identity = fmt.Sprintf("roam-%04d", r.Intn(10000))
	}
	if strings.TrimSpace(*relays) != "" {
		cfg.Relays = cfg.Relays[:0]
		for _, u := range strings.Split(*relays, ",") {
			cfg.Relays = append(cfg.Relays, strings.TrimSpace(u))
		}
	}
	if strings.TrimSpace(*dataDir) != "" {
		cfg.DataDir = strings.TrimSpace(*dataDir)
	}
	if cfg.Secret == "" {
		cfg.Secret = os.Getenv("WORLDSYNC_RELAY_SECRET")
	}
	if cfg.Avatar == "" {
		cfg.Avatar = fmt.Sprintf(`{"skin":"roam","hue":%d}`, r.Intn(360))
	}

	sess, err := session.New(cfg, watcher{log: logger}, logger)
	if err != nil {
		logger.Fatalf("session: %v", err)
	}
	defer sess.Close()
	sess.Start()
	logger.Printf("roaming as %s across %d relays", cfg.Identity, len(cfg.Relays))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	step := time.NewTicker(stepEvery)
	defer step.Stop()

	var x, z float64
	gx, gz := goal(r)
	n := 0
	for {
		select {
		case <-stop:
			return
		case <-step.C:
		}

		dx, dz := gx-x, gz-z
		dist := math.Hypot(dx, dz)
		if dist < 1 {
			gx, gz = goal(r)
			continue
		}
		stride := walkSpeed * stepEvery.Seconds()
		x += dx / dist * stride
		z += dz / dist * stride
		sess.MoveTo(x, 0, z, math.Atan2(dx, dz))

		// Occasionally chat and wave.
		n++
		if n%100 == 0 {
			sess.SendChat(fmt.Sprintf("strolling near (%.0f, %.0f)", x, z))
			logger.Printf("pos=(%.1f, %.1f) peers=%d primary=%s", x, z, len(sess.Peers(time.Now())), sess.Primary())
		}
		if n%137 == 0 {
			sess.SendEmoji("👋")
		}
	}
}

func goal(r *rand.Rand) (x, z float64) {
	return r.Float64()*2*roamRadius - roamRadius, r.Float64()*2*roamRadius - roamRadius
}

// watcher prints session events to the console.
type watcher struct {
	log *log.Logger
}

func (w watcher) OnStatus(status relay.Status)    { w.log.Printf("status=%s", status) }
func (w watcher) OnPeerJoin(id string)            { w.log.Printf("peer join id=%s", id) }
func (w watcher) OnPeerLeave(id string)           { w.log.Printf("peer leave id=%s", id) }
func (w watcher) OnChat(id, text string)          { w.log.Printf("chat <%s> %s", id, text) }
func (w watcher) OnDirectMessage(id, text string) { w.log.Printf("dm <%s> %s", id, text) }
func (w watcher) OnEmoji(id, emoji string)        { w.log.Printf("emoji <%s> %s", id, emoji) }
func (w watcher) OnCustomEvent(name string, data []byte) {
	w.log.Printf("event %s %s", name, data)
}
