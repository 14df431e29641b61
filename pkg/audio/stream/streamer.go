// Package stream converts the continuous mixed signal into fixed-size PCM
// frames for network transport. The Streamer is a mix-bus tap: it accumulates
// render quanta into a frame buffer of the mode's size and emits each
// completed frame downstream through a non-blocking sink handoff.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixwire/mixwire/pkg/audio"
	"github.com/mixwire/mixwire/pkg/audio/mixbus"
)

// Compile-time interface assertion.
var _ mixbus.Tap = (*Streamer)(nil)

// Frame sizes per streaming mode, in samples per channel. These are the two
// policy constants of the system; a closed enumeration, deliberately not a
// numeric knob, so downstream consumers only ever see two frame sizes.
const (
	lowLatencyBufferSize  = 128
	performanceBufferSize = 16384
)

// Mode selects the callback-granularity policy: how many samples accumulate
// before a frame is emitted. Small frames minimise latency at the cost of
// per-frame overhead; large frames invert the trade.
type Mode int

const (
	// ModeLowLatency emits 128-sample frames (~2.7 ms each).
	ModeLowLatency Mode = iota

	// ModePerformance emits 16384-sample frames (~341 ms each).
	ModePerformance
)

// String returns the wire name of the mode, as used on the control surface.
func (m Mode) String() string {
	switch m {
	case ModeLowLatency:
		return "lowLatency"
	case ModePerformance:
		return "performance"
	default:
		return "unknown"
	}
}

// BufferSize returns the mode's frame size in samples per channel.
func (m Mode) BufferSize() int {
	if m == ModePerformance {
		return performanceBufferSize
	}
	return lowLatencyBufferSize
}

// ParseMode maps a control-surface mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "lowLatency":
		return ModeLowLatency, nil
	case "performance":
		return ModePerformance, nil
	}
	return 0, fmt.Errorf("stream: unknown mode %q", s)
}

// State is the streamer lifecycle state.
type State int32

const (
	// StateStopped: not attached to the bus; no frames are produced.
	StateStopped State = iota

	// StateStarting: attached, waiting for the first render callback.
	StateStarting

	// StateStreaming: frames are being assembled and emitted.
	StateStreaming
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// ErrNotStopped is returned by Start when a streaming session is already
// active. There is no restart-in-place: callers stop first.
var ErrNotStopped = errors.New("stream: streamer is not stopped")

// Sink receives completed frames. Deliver must never block; it either
// accepts the frame or drops it (releasing the frame) and returns false.
// The audio path does not wait for the transport.
type Sink interface {
	Deliver(frame audio.Frame) bool
}

// session holds the per-Start state: the accumulation buffer, the frame pool
// sized for the session's mode, and the sample position for timestamps. A new
// session is published on every Start so that a stale render callback racing
// a stop/start cycle touches only its own session's buffers.
type session struct {
	buf        []int16
	fill       int
	samplesOut uint64 // per-channel samples emitted, for timestamps
	pool       *audio.FramePool
}

// Streamer taps the mix bus and packages the mixed signal into immutable PCM
// frames of the active mode's size. Partial frames are never emitted: Stop
// discards whatever is mid-assembly.
type Streamer struct {
	bus  *mixbus.Bus
	sink Sink

	mu      sync.Mutex // serialises Start/Stop
	mode    Mode
	state   atomic.Int32
	sess    atomic.Pointer[session]
	emitted atomic.Uint64
}

// New creates a stopped Streamer that will emit frames to sink.
func New(bus *mixbus.Bus, sink Sink) *Streamer {
	return &Streamer{bus: bus, sink: sink}
}

// Start attaches the streamer to the bus with the given mode's frame size.
// The frame size is fixed for the lifetime of the session. Returns
// [ErrNotStopped] if a session is already active.
func (s *Streamer) Start(mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) != StateStopped {
		return ErrNotStopped
	}

	size := mode.BufferSize() * audio.Channels
	s.mode = mode
	s.sess.Store(&session{
		buf:  make([]int16, size),
		pool: audio.NewFramePool(size * audio.BytesPerSample),
	})
	s.state.Store(int32(StateStarting))
	s.bus.AddTap(s)
	return nil
}

// Stop detaches the streamer from the bus and discards any frame
// mid-assembly. Idempotent.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if State(s.state.Load()) == StateStopped {
		return
	}
	s.bus.RemoveTap(s)
	s.state.Store(int32(StateStopped))
	s.sess.Store(nil)
}

// State returns the current lifecycle state.
func (s *Streamer) State() State {
	return State(s.state.Load())
}

// Mode returns the mode of the current or most recent session.
func (s *Streamer) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// FramesEmitted returns the total number of frames handed to the sink across
// all sessions, including frames the sink subsequently dropped.
func (s *Streamer) FramesEmitted() uint64 {
	return s.emitted.Load()
}

// Process implements [mixbus.Tap]. It runs on the render goroutine: no
// allocation beyond the pooled frame buffer, no blocking, no locks.
func (s *Streamer) Process(quantum []int16) {
	sess := s.sess.Load()
	if sess == nil {
		return
	}
	// First callback after Start: Starting -> Streaming.
	s.state.CompareAndSwap(int32(StateStarting), int32(StateStreaming))

	for idx := 0; idx < len(quantum); {
		n := copy(sess.buf[sess.fill:], quantum[idx:])
		sess.fill += n
		idx += n
		if sess.fill == len(sess.buf) {
			s.emit(sess)
			sess.fill = 0
		}
	}
}

// emit packages the full accumulation buffer as one immutable frame and hands
// it to the sink. The sink owns the pooled buffer from here: it releases the
// frame after writing or dropping it.
func (s *Streamer) emit(sess *session) {
	data := sess.pool.Get()
	audio.Int16sToBytes(data, sess.buf)

	ts := time.Duration(sess.samplesOut) * time.Second / audio.SampleRate
	sess.samplesOut += uint64(len(sess.buf) / audio.Channels)

	frame := audio.Frame{
		Data:       data,
		SampleRate: audio.SampleRate,
		Channels:   audio.Channels,
		Timestamp:  ts,
	}.WithRelease(sess.pool.Put)

	s.sink.Deliver(frame)
	s.emitted.Add(1)
}
