// Package discovery maintains the candidate relay list for one map:
// statically configured endpoints merged with endpoints announced in
// relay heartbeats, ranked by what we know about their latency.
package discovery

import (
	"sort"
	"sync"
	"time"
)

const (
	SourceStatic    = "static"
	SourceHeartbeat = "heartbeat"

	DefaultTTL          = 90 * time.Second
	DefaultMaxEndpoints = 5
)

// Endpoint is one relay candidate.
type Endpoint struct {
	URL      string
	Source   string
	LastSeen time.Time
	RTT      time.Duration // 0 when never measured
}

type Config struct {
	// Static endpoints never expire and outrank heartbeat-announced
	// ones at equal RTT knowledge.
	Static []string
	// TTL expires heartbeat-announced endpoints that stop appearing.
	TTL time.Duration
	// Max bounds the ranked list, matching what a connection manager
	// will actually dial.
	Max int
}

// Directory is a passive index: callers feed announcements and RTT
// reports in, and read ranked candidate lists out. Ranked lists are
// also published on Updates whenever their order or content changes.
type Directory struct {
	ttl time.Duration
	max int

	mu            sync.Mutex
	static        []string
	dynamic       map[string]time.Time
	rtts          map[string]time.Duration
	lastPublished []string
	updates       chan []string
}

func New(cfg Config) *Directory {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxEndpoints
	}
	d := &Directory{
		ttl:     cfg.TTL,
		max:     cfg.Max,
		dynamic: make(map[string]time.Time),
		rtts:    make(map[string]time.Duration),
		updates: make(chan []string, 1),
	}
	seen := make(map[string]struct{}, len(cfg.Static))
	for _, url := range cfg.Static {
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		d.static = append(d.static, url)
	}
	return d
}

// Announce records a heartbeat sighting of a relay URL, refreshing
// its expiry. Static endpoints ignore announcements; they never
// expire anyway.
func (d *Directory) Announce(url string) {
	if url == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isStatic(url) {
		return
	}
	d.dynamic[url] = time.Now()
	d.publishLocked()
}

// ReportRTT feeds a latency measurement for an endpoint, live or from
// persisted history. Fresher reports overwrite older ones.
func (d *Directory) ReportRTT(url string, rtt time.Duration) {
	if url == "" || rtt <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rtts[url] = rtt
	d.publishLocked()
}

// Ranked returns the current candidates, best first: measured RTT
// ascending, then static before heartbeat, then URL order. Expired
// heartbeat entries are pruned on the way.
func (d *Directory) Ranked() []Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pruneLocked()
	return d.rankedLocked()
}

// RankedURLs is Ranked reduced to the URL list a connection manager
// consumes.
func (d *Directory) RankedURLs() []string {
	eps := d.Ranked()
	urls := make([]string, len(eps))
	for i, ep := range eps {
		urls[i] = ep.URL
	}
	return urls
}

// Updates delivers a ranked URL list whenever it changes. The channel
// holds only the latest list; a slow reader misses intermediate
// states, never the current one.
func (d *Directory) Updates() <-chan []string {
	return d.updates
}

func (d *Directory) isStatic(url string) bool {
	for _, s := range d.static {
		if s == url {
			return true
		}
	}
	return false
}

func (d *Directory) pruneLocked() {
	cutoff := time.Now().Add(-d.ttl)
	changed := false
	for url, seen := range d.dynamic {
		if seen.Before(cutoff) {
			delete(d.dynamic, url)
			changed = true
		}
	}
	if changed {
		d.publishLocked()
	}
}

func (d *Directory) rankedLocked() []Endpoint {
	eps := make([]Endpoint, 0, len(d.static)+len(d.dynamic))
	for _, url := range d.static {
		eps = append(eps, Endpoint{URL: url, Source: SourceStatic, RTT: d.rtts[url]})
	}
	for url, seen := range d.dynamic {
		eps = append(eps, Endpoint{URL: url, Source: SourceHeartbeat, LastSeen: seen, RTT: d.rtts[url]})
	}
	sort.Slice(eps, func(i, j int) bool { return endpointLess(eps[i], eps[j]) })
	if len(eps) > d.max {
		eps = eps[:d.max]
	}
	return eps
}

func (d *Directory) publishLocked() {
	urls := make([]string, 0, d.max)
	for _, ep := range d.rankedLocked() {
		urls = append(urls, ep.URL)
	}
	if equalLists(urls, d.lastPublished) {
		return
	}
	d.lastPublished = append([]string(nil), urls...)
	select {
	case <-d.updates:
	default:
	}
	d.updates <- urls
}

// endpointLess orders candidates deterministically: measured RTT
// ascending, measured before unmeasured, static before heartbeat,
// then lexicographic URL.
func endpointLess(a, b Endpoint) bool {
	am, bm := a.RTT > 0, b.RTT > 0
	if am != bm {
		return am
	}
	if am && a.RTT != b.RTT {
		return a.RTT < b.RTT
	}
	if a.Source != b.Source {
		return a.Source == SourceStatic
	}
	return a.URL < b.URL
}

func equalLists(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
