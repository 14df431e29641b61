package mixbus

import (
	"sync"
	"testing"
	"time"

	"github.com/mixwire/mixwire/pkg/audio"
)

const quantumLen = audio.RenderQuantum * audio.Channels

// captureTap records every quantum it receives. Guarded so tests can poll
// while the render clock runs.
type captureTap struct {
	mu     sync.Mutex
	quanta [][]int16
}

func (c *captureTap) Process(quantum []int16) {
	cp := make([]int16, len(quantum))
	copy(cp, quantum)
	c.mu.Lock()
	c.quanta = append(c.quanta, cp)
	c.mu.Unlock()
}

func (c *captureTap) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.quanta)
}

func (c *captureTap) first() []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quanta[0]
}

// fill writes a full quantum of the given value into n.
func fill(n *Node, value int16) {
	buf := make([]int16, quantumLen)
	for i := range buf {
		buf[i] = value
	}
	n.Write(buf)
}

func TestNodeGainClamping(t *testing.T) {
	t.Parallel()

	n := NewNode()
	if g := n.Gain(); g != 1 {
		t.Fatalf("initial Gain() = %v, want 1", g)
	}

	n.SetGain(2.5)
	if g := n.Gain(); g != 1 {
		t.Errorf("Gain() after SetGain(2.5) = %v, want 1", g)
	}
	n.SetGain(-0.5)
	if g := n.Gain(); g != 0 {
		t.Errorf("Gain() after SetGain(-0.5) = %v, want 0", g)
	}
	n.SetGain(0.25)
	if g := n.Gain(); g != 0.25 {
		t.Errorf("Gain() = %v, want 0.25", g)
	}
}

func TestRenderSumsSources(t *testing.T) {
	t.Parallel()

	b := New()
	tap := &captureTap{}
	b.AddTap(tap)

	a, c := NewNode(), NewNode()
	b.Attach(a)
	b.Attach(c)
	fill(a, 1000)
	fill(c, 234)

	b.render()

	if tap.count() != 1 {
		t.Fatalf("tap received %d quanta, want 1", tap.count())
	}
	for i, v := range tap.first() {
		if v != 1234 {
			t.Fatalf("sample %d = %d, want 1234", i, v)
		}
	}
}

func TestRenderOrderIndependent(t *testing.T) {
	t.Parallel()

	mixWith := func(attach func(b *Bus, x, y *Node)) []int16 {
		b := New()
		tap := &captureTap{}
		b.AddTap(tap)
		x, y := NewNode(), NewNode()
		x.SetGain(0.5)
		attach(b, x, y)
		fill(x, 2000)
		fill(y, 300)
		b.render()
		return tap.first()
	}

	fwd := mixWith(func(b *Bus, x, y *Node) { b.Attach(x); b.Attach(y) })
	rev := mixWith(func(b *Bus, x, y *Node) { b.Attach(y); b.Attach(x) })

	for i := range fwd {
		if fwd[i] != rev[i] {
			t.Fatalf("sample %d differs by attach order: %d vs %d", i, fwd[i], rev[i])
		}
	}
}

func TestRenderClampsOverflow(t *testing.T) {
	t.Parallel()

	b := New()
	tap := &captureTap{}
	b.AddTap(tap)

	for range 3 {
		n := NewNode()
		b.Attach(n)
		fill(n, 30000)
	}

	b.render()

	for i, v := range tap.first() {
		if v != 32767 {
			t.Fatalf("sample %d = %d, want saturated 32767", i, v)
		}
	}
}

func TestRenderUnderrunIsSilence(t *testing.T) {
	t.Parallel()

	b := New()
	tap := &captureTap{}
	b.AddTap(tap)

	n := NewNode()
	b.Attach(n)
	// Write half a quantum; the rest must come out as silence.
	buf := make([]int16, quantumLen/2)
	for i := range buf {
		buf[i] = 5000
	}
	n.Write(buf)

	b.render()

	q := tap.first()
	for i := 0; i < quantumLen/2; i++ {
		if q[i] != 5000 {
			t.Fatalf("sample %d = %d, want 5000", i, q[i])
		}
	}
	for i := quantumLen / 2; i < quantumLen; i++ {
		if q[i] != 0 {
			t.Fatalf("sample %d = %d, want silence", i, q[i])
		}
	}
}

func TestMutedNodeStillDrains(t *testing.T) {
	t.Parallel()

	b := New()
	tap := &captureTap{}
	b.AddTap(tap)

	n := NewNode()
	n.SetGain(0)
	b.Attach(n)
	fill(n, 9000)

	b.render()

	for i, v := range tap.first() {
		if v != 0 {
			t.Fatalf("sample %d = %d, want 0 while muted", i, v)
		}
	}
	// The muted node's buffer advanced with the render clock, so unmuting
	// will not replay stale audio.
	if got := n.Buffered(); got != 0 {
		t.Errorf("Buffered() = %d, want 0 after render", got)
	}
}

func TestFractionalGain(t *testing.T) {
	t.Parallel()

	b := New()
	tap := &captureTap{}
	b.AddTap(tap)

	n := NewNode()
	n.SetGain(0.5)
	b.Attach(n)
	fill(n, 1000)

	b.render()

	for i, v := range tap.first() {
		if v != 500 {
			t.Fatalf("sample %d = %d, want 500", i, v)
		}
	}
}

func TestAttachDetach(t *testing.T) {
	t.Parallel()

	b := New()
	n := NewNode()

	b.Attach(n)
	b.Attach(n) // duplicate attach is a no-op
	if got := b.Sources(); got != 1 {
		t.Fatalf("Sources() = %d, want 1", got)
	}

	b.Detach(n)
	if got := b.Sources(); got != 0 {
		t.Fatalf("Sources() after Detach = %d, want 0", got)
	}
	b.Detach(n) // unknown detach is a no-op
}

func TestRemoveTapStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	tap := &captureTap{}
	b.AddTap(tap)
	b.AddTap(tap) // duplicate is a no-op

	b.render()
	if tap.count() != 1 {
		t.Fatalf("tap received %d quanta, want 1", tap.count())
	}

	b.RemoveTap(tap)
	b.render()
	if tap.count() != 1 {
		t.Errorf("tap received %d quanta after removal, want 1", tap.count())
	}
}

func TestRenderHook(t *testing.T) {
	t.Parallel()

	var calls int
	b := New(WithRenderHook(func(d time.Duration) {
		if d < 0 {
			t.Errorf("render duration = %v, want >= 0", d)
		}
		calls++
	}))

	b.render()
	b.render()
	if calls != 2 {
		t.Errorf("render hook ran %d times, want 2", calls)
	}
}

func TestStartClose(t *testing.T) {
	t.Parallel()

	b := New()
	tap := &captureTap{}
	b.AddTap(tap)
	n := NewNode()
	b.Attach(n)
	fill(n, 100)

	b.Start()
	b.Start() // second Start is a no-op

	deadline := time.After(time.Second)
	for tap.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("render clock produced no quanta within 1s")
		case <-time.After(renderInterval):
		}
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
