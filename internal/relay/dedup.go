package relay

// DedupSet tracks recently seen broadcast message ids in a fixed
// window. Eviction is strictly insertion-ordered: re-adding an id
// does not refresh its slot, so a long-lived duplicate eventually
// ages out no matter how often it reappears.
//
// Not safe for concurrent use; the manager confines it to its event
// goroutine.
type DedupSet struct {
	capacity int
	seen     map[string]struct{}
	ring     []string
	next     int
}

func NewDedupSet(capacity int) *DedupSet {
	if capacity <= 0 {
		capacity = DefaultDedupCap
	}
	return &DedupSet{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		ring:     make([]string, capacity),
	}
}

func (d *DedupSet) Has(id string) bool {
	_, ok := d.seen[id]
	return ok
}

// Add records an id, evicting the oldest entry once the window is
// full. Adding a present id or an empty id is a no-op.
func (d *DedupSet) Add(id string) {
	if id == "" {
		return
	}
	if _, ok := d.seen[id]; ok {
		return
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.seen[id] = struct{}{}
	d.next++
	if d.next == d.capacity {
		d.next = 0
	}
}

func (d *DedupSet) Len() int {
	return len(d.seen)
}
