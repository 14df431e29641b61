// Package mixbus implements the summing point of the capture pipeline: a
// continuous render loop that mixes every attached gain stage into one
// canonical stereo signal and fans the result out to registered taps.
//
// The render loop is the real-time boundary of the system. It performs no
// allocation and acquires no locks; the set of attached nodes and taps is
// published copy-on-write, and per-node gains are read atomically. All
// mutation goes through [Bus.Attach], [Bus.Detach], [Bus.AddTap], and
// [Bus.RemoveTap], which serialise on an internal mutex and are never called
// from the render loop itself.
package mixbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixwire/mixwire/pkg/audio"
)

// renderInterval is the wall-clock period of one render quantum
// (128 samples per channel at 48 kHz ≈ 2.67 ms).
const renderInterval = time.Second * audio.RenderQuantum / audio.SampleRate

// Tap consumes each rendered quantum of interleaved canonical PCM. The slice
// is reused by the bus on the next render: implementations copy what they
// keep. Process runs on the render goroutine and must not block or allocate.
type Tap interface {
	Process(quantum []int16)
}

// Option configures a [Bus] during construction.
type Option func(*Bus)

// WithRenderHook registers fn to receive the duration of every render pass.
// Intended for metrics; fn runs on the render goroutine and must be cheap.
func WithRenderHook(fn func(time.Duration)) Option {
	return func(b *Bus) {
		b.onRender = fn
	}
}

// Bus is the single summation point combining all active sources. One Bus
// exists per pipeline instance; it is created on engine setup and closed on
// engine shutdown.
type Bus struct {
	mu     sync.Mutex // serialises Attach/Detach/AddTap/RemoveTap/Close
	closed bool

	nodes atomic.Pointer[[]*Node]
	taps  atomic.Pointer[[]Tap]

	// mix accumulates in int32 to give summation headroom before the
	// saturating clamp back to int16.
	mix []int32
	out []int16

	onRender func(time.Duration)

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a Bus with no sources and no taps. The render clock does not
// run until [Bus.Start] is called.
func New(opts ...Option) *Bus {
	b := &Bus{
		mix:  make([]int32, audio.RenderQuantum*audio.Channels),
		out:  make([]int16, audio.RenderQuantum*audio.Channels),
		done: make(chan struct{}),
	}
	empty := make([]*Node, 0)
	b.nodes.Store(&empty)
	emptyTaps := make([]Tap, 0)
	b.taps.Store(&emptyTaps)
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start launches the render loop. Subsequent calls are no-ops.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		go b.loop()
	})
}

// Close stops the render clock. Attached nodes are left for their owners to
// release. Close is idempotent and always returns nil.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.stopOnce.Do(func() {
		close(b.done)
	})
	return nil
}

// Attach connects n to the bus. From the next render on, n's gained output
// is summed into the mix. Attaching an already-attached node is a no-op.
func (b *Bus) Attach(n *Node) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.nodes.Load()
	for _, existing := range cur {
		if existing == n {
			return
		}
	}
	next := make([]*Node, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = n
	b.nodes.Store(&next)
}

// Detach disconnects n from the bus, effective on the next render. The
// node's buffered samples are abandoned. Detaching an unknown node is a
// no-op.
func (b *Bus) Detach(n *Node) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.nodes.Load()
	next := make([]*Node, 0, len(cur))
	for _, existing := range cur {
		if existing != n {
			next = append(next, existing)
		}
	}
	b.nodes.Store(&next)
}

// Sources returns the number of currently attached nodes.
func (b *Bus) Sources() int {
	return len(*b.nodes.Load())
}

// AddTap registers t to receive every rendered quantum, starting with the
// next render. Adding a tap twice is a no-op.
func (b *Bus) AddTap(t Tap) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.taps.Load()
	for _, existing := range cur {
		if existing == t {
			return
		}
	}
	next := make([]Tap, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = t
	b.taps.Store(&next)
}

// RemoveTap unregisters t, effective on the next render.
func (b *Bus) RemoveTap(t Tap) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := *b.taps.Load()
	next := make([]Tap, 0, len(cur))
	for _, existing := range cur {
		if existing != t {
			next = append(next, existing)
		}
	}
	b.taps.Store(&next)
}

// loop drives one render per quantum interval until Close.
func (b *Bus) loop() {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.render()
		}
	}
}

// render mixes one quantum and fans it out to the taps. Summation is linear:
// the mixed value of any sample is the sum of the gained source values, so
// the output does not depend on the order sources were attached.
func (b *Bus) render() {
	var start time.Time
	if b.onRender != nil {
		start = time.Now()
	}

	for i := range b.mix {
		b.mix[i] = 0
	}

	for _, n := range *b.nodes.Load() {
		// Read even when muted so the ring keeps pace with real time;
		// otherwise unmuting would replay stale audio.
		read := n.ring.Read(n.scratch)
		g := n.Gain()
		if g == 0 {
			continue
		}
		if g == 1 {
			for i := 0; i < read; i++ {
				b.mix[i] += int32(n.scratch[i])
			}
			continue
		}
		for i := 0; i < read; i++ {
			b.mix[i] += int32(float64(n.scratch[i]) * g)
		}
	}

	for i, v := range b.mix {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		b.out[i] = int16(v)
	}

	for _, t := range *b.taps.Load() {
		t.Process(b.out)
	}

	if b.onRender != nil {
		b.onRender(time.Since(start))
	}
}
