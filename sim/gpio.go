package sim

import (
	"sync"

	"hybridpwm/core"
)

// Edge is one level change of a pin.
type Edge struct {
	At   uint64
	High bool
}

type pinTrace struct {
	configured bool
	level      bool
	edges      []Edge
}

// GPIO records every level change with its clock time. It implements
// core.GPIODriver. All pins start low and unconfigured.
type GPIO struct {
	mu    sync.Mutex
	clock *Clock
	pins  map[core.Pin]*pinTrace

	// Valid restricts ConfigureOutput to known pins when set.
	Valid func(core.Pin) bool
}

func NewGPIO(clock *Clock) *GPIO {
	return &GPIO{clock: clock, pins: make(map[core.Pin]*pinTrace)}
}

func (g *GPIO) trace(pin core.Pin) *pinTrace {
	tr, ok := g.pins[pin]
	if !ok {
		tr = &pinTrace{}
		g.pins[pin] = tr
	}
	return tr
}

func (g *GPIO) write(pin core.Pin, high bool) {
	tr := g.trace(pin)
	if tr.level == high && len(tr.edges) > 0 {
		return
	}
	tr.level = high
	tr.edges = append(tr.edges, Edge{At: g.clock.Now(), High: high})
}

func (g *GPIO) ConfigureOutput(pin core.Pin, high bool) error {
	if g.Valid != nil && !g.Valid(pin) {
		return core.ErrInvalidPin
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trace(pin).configured = true
	g.write(pin, high)
	return nil
}

func (g *GPIO) FastWrite(pin core.Pin, high bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.write(pin, high)
}

// Level returns the current level of pin.
func (g *GPIO) Level(pin core.Pin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trace(pin).level
}

// Configured reports whether pin was ever configured as an output.
func (g *GPIO) Configured(pin core.Pin) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trace(pin).configured
}

// Edges returns a copy of the recorded level changes of pin.
func (g *GPIO) Edges(pin core.Pin) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	edges := g.trace(pin).edges
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// EdgesSince returns the level changes at or after from.
func (g *GPIO) EdgesSince(pin core.Pin, from uint64) []Edge {
	var out []Edge
	for _, e := range g.Edges(pin) {
		if e.At >= from {
			out = append(out, e)
		}
	}
	return out
}

// HighTime returns how many ticks pin was high in [from, to).
func (g *GPIO) HighTime(pin core.Pin, from, to uint64) uint64 {
	if to <= from {
		return 0
	}
	level := false
	start := from
	var high uint64
	for _, e := range g.Edges(pin) {
		if e.At <= from {
			level = e.High
			continue
		}
		if e.At >= to {
			break
		}
		if level {
			high += e.At - start
		}
		start = e.At
		level = e.High
	}
	if level {
		high += to - start
	}
	return high
}

// Duty returns the fraction of [from, to) pin spent high.
func (g *GPIO) Duty(pin core.Pin, from, to uint64) float64 {
	if to <= from {
		return 0
	}
	return float64(g.HighTime(pin, from, to)) / float64(to-from)
}

// Pulses returns the high and low segment lengths completed inside
// [from, to), in order.
func (g *GPIO) Pulses(pin core.Pin, from, to uint64) (highs, lows []uint64) {
	edges := g.EdgesSince(pin, from)
	for i := 1; i < len(edges); i++ {
		if edges[i].At > to {
			break
		}
		d := edges[i].At - edges[i-1].At
		if edges[i-1].High {
			highs = append(highs, d)
		} else {
			lows = append(lows, d)
		}
	}
	return highs, lows
}

// Reset forgets the recorded edges, keeping current levels.
func (g *GPIO) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	for _, tr := range g.pins {
		if len(tr.edges) > 0 {
			tr.edges = []Edge{{At: now, High: tr.level}}
		}
	}
}
