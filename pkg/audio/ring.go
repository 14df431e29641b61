package audio

import "sync/atomic"

// Ring is a single-producer single-consumer ring buffer of interleaved PCM
// samples. The capture side writes, the render side reads; neither ever
// blocks or allocates. When the producer outpaces the consumer, the newest
// samples are dropped and counted; the pipeline favours bounded latency
// over completeness.
//
// Exactly one goroutine may call Write and exactly one may call Read.
type Ring struct {
	buf  []int16
	mask uint32

	head    atomic.Uint32 // consumer position, monotonic
	tail    atomic.Uint32 // producer position, monotonic
	dropped atomic.Uint64
}

// NewRing creates a ring holding at least capacity samples. The actual
// capacity is rounded up to the next power of two.
func NewRing(capacity int) *Ring {
	n := uint32(1)
	for int(n) < capacity {
		n <<= 1
	}
	return &Ring{
		buf:  make([]int16, n),
		mask: n - 1,
	}
}

// Write appends src to the ring and returns the number of samples written.
// Samples that do not fit are dropped and counted.
func (r *Ring) Write(src []int16) int {
	head := r.head.Load()
	tail := r.tail.Load()

	free := uint32(len(r.buf)) - (tail - head)
	n := len(src)
	if uint32(n) > free {
		n = int(free)
		r.dropped.Add(uint64(len(src) - n))
	}
	for i := 0; i < n; i++ {
		r.buf[(tail+uint32(i))&r.mask] = src[i]
	}
	r.tail.Store(tail + uint32(n))
	return n
}

// Read fills dst from the ring and returns the number of samples read. The
// caller treats the unfilled remainder as silence; an underrunning source
// contributes silence, never a stall.
func (r *Ring) Read(dst []int16) int {
	head := r.head.Load()
	tail := r.tail.Load()

	avail := tail - head
	n := len(dst)
	if uint32(n) > avail {
		n = int(avail)
	}
	for i := 0; i < n; i++ {
		dst[i] = r.buf[(head+uint32(i))&r.mask]
	}
	r.head.Store(head + uint32(n))
	return n
}

// Len returns the number of samples currently buffered.
func (r *Ring) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Cap returns the ring capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// Dropped returns the total number of samples dropped because the ring was
// full.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}
