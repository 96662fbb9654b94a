package interp

import "sync"

// Delta is one locally applied movement input, identified by a
// client-assigned sequence number.
type Delta struct {
	Seq                 uint64
	DX, DY, DZ, DFacing float64
}

// Predictor reconciles locally predicted movement with authoritative
// server positions. Inputs are recorded as they are applied; when the
// server acknowledges a position up to some sequence number, the
// acknowledged inputs are discarded and the rest replay on top of the
// authoritative base. It is optional and self-contained: nothing else
// in this package depends on it.
type Predictor struct {
	mu      sync.Mutex
	nextSeq uint64
	baseX   float64
	baseY   float64
	baseZ   float64
	baseF   float64
	pending []Delta
}

func NewPredictor(x, y, z, facing float64) *Predictor {
	return &Predictor{nextSeq: 1, baseX: x, baseY: y, baseZ: z, baseF: facing}
}

// Apply records one movement input and returns its sequence number,
// which the caller attaches to the outgoing update.
func (p *Predictor) Apply(dx, dy, dz, dfacing float64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.nextSeq
	p.nextSeq++
	p.pending = append(p.pending, Delta{Seq: seq, DX: dx, DY: dy, DZ: dz, DFacing: dfacing})
	return seq
}

// Ack installs an authoritative pose covering every input up to and
// including seq. Later inputs stay pending and replay on top.
func (p *Predictor) Ack(x, y, z, facing float64, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseX, p.baseY, p.baseZ, p.baseF = x, y, z, facing
	keep := p.pending[:0]
	for _, d := range p.pending {
		if d.Seq > seq {
			keep = append(keep, d)
		}
	}
	p.pending = keep
}

// Predicted returns the authoritative base with all pending inputs
// replayed.
func (p *Predictor) Predicted() (x, y, z, facing float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	x, y, z, facing = p.baseX, p.baseY, p.baseZ, p.baseF
	for _, d := range p.pending {
		x += d.DX
		y += d.DY
		z += d.DZ
		facing += d.DFacing
	}
	return x, y, z, facing
}

// Pending reports how many inputs await acknowledgement.
func (p *Predictor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
