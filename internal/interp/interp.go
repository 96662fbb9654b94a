package interp

import (
	"math"
	"sync"
	"time"
)

// Defaults. Render lag trades latency for smoothing headroom; the
// extrapolation window bounds how far dead reckoning may run ahead of
// real data before the avatar freezes.
const (
	DefaultDelay            = 100 * time.Millisecond
	DefaultMaxExtrapolation = 500 * time.Millisecond
	DefaultBufferCap        = 20
)

// Sample is one received position report for a remote player.
type Sample struct {
	X, Y, Z float64
	Facing  float64
	At      time.Time
}

// State is a renderable pose. Extrapolated marks poses produced
// beyond the last real sample, including the frozen fallback.
type State struct {
	X, Y, Z      float64
	Facing       float64
	Speed        float64
	Extrapolated bool
}

type Config struct {
	Delay            time.Duration
	MaxExtrapolation time.Duration
	BufferCap        int
}

func (c Config) withDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.MaxExtrapolation <= 0 {
		c.MaxExtrapolation = DefaultMaxExtrapolation
	}
	if c.BufferCap <= 0 {
		c.BufferCap = DefaultBufferCap
	}
	return c
}

// Engine holds a bounded sample buffer per remote player and renders
// a pose for any requested time: interpolated between samples when
// the render time is covered, dead reckoned briefly past the newest
// sample, frozen after that.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	players map[string]*buffer
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		players: make(map[string]*buffer),
	}
}

// Push appends a sample for a player, evicting the oldest when the
// buffer is full. Timestamps are expected to be non-decreasing; a
// late sample is still kept and tolerated by the straddle search.
func (e *Engine) Push(id string, s Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.players[id]
	if buf == nil {
		buf = &buffer{}
		e.players[id] = buf
	}
	buf.samples = append(buf.samples, s)
	if len(buf.samples) > e.cfg.BufferCap {
		buf.samples = buf.samples[1:]
	}
}

// Remove drops a player's buffer, typically on peer_leave.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.players, id)
}

// Clear drops every buffer.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.players = make(map[string]*buffer)
}

// Tracked lists players that currently have samples.
func (e *Engine) Tracked() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.players))
	for id := range e.players {
		out = append(out, id)
	}
	return out
}

// State renders player id at renderTime. The pose answers for
// renderTime minus the configured delay, so fresh samples normally
// bracket it. ok is false for unknown players.
func (e *Engine) State(id string, renderTime time.Time) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.players[id]
	if buf == nil || len(buf.samples) == 0 {
		return State{}, false
	}
	target := renderTime.Add(-e.cfg.Delay)

	before, after := buf.straddle(target)
	switch {
	case before != nil && after != nil:
		t := 1.0
		if span := after.At.Sub(before.At); span > 0 {
			t = float64(target.Sub(before.At)) / float64(span)
		}
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
		return State{
			X:      before.X + (after.X-before.X)*t,
			Y:      before.Y + (after.Y-before.Y)*t,
			Z:      before.Z + (after.Z-before.Z)*t,
			Facing: lerpAngle(before.Facing, after.Facing, t),
			Speed:  buf.planarSpeed(),
		}, true

	case before != nil:
		age := target.Sub(before.At)
		if age == 0 {
			return State{
				X: before.X, Y: before.Y, Z: before.Z,
				Facing: before.Facing,
				Speed:  buf.planarSpeed(),
			}, true
		}
		if age > e.cfg.MaxExtrapolation {
			return State{
				X: before.X, Y: before.Y, Z: before.Z,
				Facing:       before.Facing,
				Extrapolated: true,
			}, true
		}
		vx, vy, vz := buf.velocity()
		dt := age.Seconds()
		return State{
			X:            before.X + vx*dt,
			Y:            before.Y + vy*dt,
			Z:            before.Z + vz*dt,
			Facing:       before.Facing,
			Speed:        buf.planarSpeed(),
			Extrapolated: true,
		}, true

	default:
		// Only future samples: the player just appeared, show the
		// earliest pose as-is until the render time catches up.
		return State{
			X: after.X, Y: after.Y, Z: after.Z,
			Facing: after.Facing,
		}, true
	}
}

type buffer struct {
	samples []Sample
}

// straddle finds the latest sample at or before target and the
// earliest sample after it. Either may be nil, never both when the
// buffer is non-empty.
func (b *buffer) straddle(target time.Time) (before, after *Sample) {
	for i := len(b.samples) - 1; i >= 0; i-- {
		if !b.samples[i].At.After(target) {
			before = &b.samples[i]
			break
		}
	}
	for i := range b.samples {
		if b.samples[i].At.After(target) {
			after = &b.samples[i]
			break
		}
	}
	return before, after
}

// velocity is the finite difference of the last two samples, zero
// when fewer than two exist or their timestamps do not advance.
func (b *buffer) velocity() (vx, vy, vz float64) {
	n := len(b.samples)
	if n < 2 {
		return 0, 0, 0
	}
	a, c := b.samples[n-2], b.samples[n-1]
	dt := c.At.Sub(a.At).Seconds()
	if dt <= 0 {
		return 0, 0, 0
	}
	return (c.X - a.X) / dt, (c.Y - a.Y) / dt, (c.Z - a.Z) / dt
}

// planarSpeed estimates ground speed from the last two samples,
// ignoring the vertical axis.
func (b *buffer) planarSpeed() float64 {
	n := len(b.samples)
	if n < 2 {
		return 0
	}
	a, c := b.samples[n-2], b.samples[n-1]
	dt := c.At.Sub(a.At).Seconds()
	if dt <= 0 {
		return 0
	}
	return math.Hypot(c.X-a.X, c.Z-a.Z) / dt
}

// lerpAngle interpolates facing along the shortest arc. The delta is
// normalized into (-pi, pi] so a crossing through the wrap point
// never swings the long way around.
func lerpAngle(a, b, t float64) float64 {
	d := math.Mod(b-a, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d <= -math.Pi {
		d += 2 * math.Pi
	}
	return a + d*t
}
