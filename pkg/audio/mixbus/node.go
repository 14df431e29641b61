package mixbus

import (
	"math"
	"sync/atomic"

	"github.com/mixwire/mixwire/pkg/audio"
)

// ringCapacity is the per-source buffer between a capture goroutine and the
// render loop, in interleaved samples (~170 ms of stereo headroom). A source
// that outruns the bus by more than this drops its newest samples.
const ringCapacity = 16384

// Node is the per-source gain stage between one capture stream and the bus.
// The capture goroutine writes canonical PCM into the node; the render loop
// reads it back, applies the gain, and sums it into the mix. The gain is the
// only control surface a source exposes once connected; muting a source
// means setting its gain to zero, never detaching it.
//
// Write is single-producer (the capture goroutine); everything else may be
// called from any goroutine.
type Node struct {
	ring *audio.Ring
	gain atomic.Uint64 // float64 bits, in [0,1]

	// scratch is the render-side read buffer. Only the render loop touches it.
	scratch []int16
}

// NewNode creates a detached gain stage with unity gain. Attach it to a bus
// with [Bus.Attach] once its capture stream is live.
func NewNode() *Node {
	n := &Node{
		ring:    audio.NewRing(ringCapacity),
		scratch: make([]int16, audio.RenderQuantum*audio.Channels),
	}
	n.gain.Store(math.Float64bits(1))
	return n
}

// Write appends interleaved canonical PCM to the node's buffer. It never
// blocks; samples beyond the buffer capacity are dropped.
func (n *Node) Write(samples []int16) int {
	return n.ring.Write(samples)
}

// SetGain sets the gain to g, clamped to [0,1]. Zero is muted, one is unity.
// Takes effect on the next render.
func (n *Node) SetGain(g float64) {
	if g < 0 {
		g = 0
	} else if g > 1 {
		g = 1
	}
	n.gain.Store(math.Float64bits(g))
}

// Gain returns the current gain value.
func (n *Node) Gain() float64 {
	return math.Float64frombits(n.gain.Load())
}

// Buffered returns the number of interleaved samples waiting to be rendered.
func (n *Node) Buffered() int {
	return n.ring.Len()
}

// Dropped returns the total samples dropped because the node's buffer was full.
func (n *Node) Dropped() uint64 {
	return n.ring.Dropped()
}
