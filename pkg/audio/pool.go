package audio

import "sync"

// FramePool recycles fixed-size PCM buffers so that frame emission on the
// render path does not allocate. The frame streamer draws buffers from the
// pool; the transport bridge returns them via [Frame.Release] once a frame
// has been written or dropped.
type FramePool struct {
	size int
	pool sync.Pool
}

// NewFramePool creates a pool of byte buffers of exactly size bytes.
func NewFramePool(size int) *FramePool {
	p := &FramePool{size: size}
	p.pool.New = func() any {
		return make([]byte, size)
	}
	return p
}

// Get returns a buffer of the pool's configured size. Contents are
// unspecified; the caller overwrites every byte.
func (p *FramePool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns buf to the pool. Buffers of a different size are discarded;
// they belong to a pool configured for another streaming mode.
func (p *FramePool) Put(buf []byte) {
	if len(buf) != p.size {
		return
	}
	p.pool.Put(buf) //nolint:staticcheck // slice header copy is cheap
}

// Size returns the buffer size in bytes this pool hands out.
func (p *FramePool) Size() int { return p.size }
