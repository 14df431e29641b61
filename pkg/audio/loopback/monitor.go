// Package loopback plays the mixed bus locally so the operator can hear what
// is being streamed. The monitor is a mix-bus tap feeding a small buffer that
// a local output stream drains; enabling and disabling toggles the tap's
// mute, never its bus connection, so monitoring cannot affect streaming.
package loopback

import (
	"sync"
	"sync/atomic"

	"github.com/mixwire/mixwire/pkg/audio"
	"github.com/mixwire/mixwire/pkg/audio/mixbus"
)

// Compile-time interface assertion.
var _ mixbus.Tap = (*Monitor)(nil)

// bufferCapacity is the monitor's playback buffer in interleaved samples.
// Large enough to ride out output-device jitter, small enough that the
// monitor stays near-live.
const bufferCapacity = 16384

// Player drains the monitor's buffer to a local output device. pull fills
// out with interleaved canonical PCM; an underrun is filled with silence.
// The default player is PortAudio-backed; tests inject their own.
type Player interface {
	Start(pull func(out []int16)) error
	Close() error
}

// Option configures a [Monitor] during construction.
type Option func(*Monitor)

// WithPlayer replaces the default PortAudio output player.
func WithPlayer(p Player) Option {
	return func(m *Monitor) {
		m.player = p
	}
}

// Monitor is the local playback tap on the mix bus. It starts muted.
type Monitor struct {
	ring    *audio.Ring
	enabled atomic.Bool
	player  Player

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a muted Monitor. Call [Monitor.Start] to open the local output
// stream and [Monitor.SetEnabled] to make it audible.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		ring:   audio.NewRing(bufferCapacity),
		player: newPortaudioPlayer(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start opens the local output stream. The stream runs regardless of the
// enabled flag; a disabled monitor plays silence rather than stopping the
// device clock.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.closed {
		return nil
	}
	if err := m.player.Start(m.pull); err != nil {
		return err
	}
	m.started = true
	return nil
}

// SetEnabled toggles whether the mixed bus is audible locally. Disabling
// mutes the tap; it does not detach it from the bus.
func (m *Monitor) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled reports whether local playback is audible.
func (m *Monitor) Enabled() bool {
	return m.enabled.Load()
}

// Process implements [mixbus.Tap]. Runs on the render goroutine; when the
// monitor is muted the quantum is discarded and the player underruns into
// silence.
func (m *Monitor) Process(quantum []int16) {
	if m.enabled.Load() {
		m.ring.Write(quantum)
	}
}

// Close stops the local output stream. Idempotent.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if !m.started {
		return nil
	}
	m.started = false
	return m.player.Close()
}

// pull feeds the output device from the playback buffer, zero-filling on
// underrun.
func (m *Monitor) pull(out []int16) {
	n := m.ring.Read(out)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}
