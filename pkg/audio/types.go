// Package audio defines the shared types and the fixed stream format for the
// mixwire capture pipeline.
//
// Everything downstream of the capture adapters works in one canonical
// format: 48 kHz, 2-channel, 16-bit little-endian signed interleaved PCM.
// Capture adapters convert at the edge; the mix bus, frame streamer, and
// transport bridge all assume the canonical format and never convert.
package audio

import "time"

const (
	// SampleRate is the canonical sample rate in Hz for the whole pipeline.
	// It is a fixed constant of the system, not runtime configuration.
	SampleRate = 48000

	// Channels is the canonical channel count (stereo).
	Channels = 2

	// BytesPerSample is the width of one PCM sample (16-bit signed).
	BytesPerSample = 2

	// RenderQuantum is the number of samples per channel the mix bus renders
	// per callback. Tap processing happens on this granularity.
	RenderQuantum = 128

	// FrameSamples20ms is the number of interleaved sample units
	// corresponding to a 20 ms frame at the canonical rate (960). It is sent
	// to the host as stream-setup metadata so downstream consumers can size
	// their own buffers. It does not govern the size of emitted frames; that
	// is the streamer's buffer-size policy.
	FrameSamples20ms = SampleRate / 50
)

// Frame is one immutable block of interleaved PCM samples, emitted as a
// single transport unit. Frames are the atomic unit of audio transport,
// assembled by the frame streamer and delivered to the host over the
// transport bridge.
type Frame struct {
	// Data holds interleaved 16-bit little-endian signed PCM.
	Data []byte

	// SampleRate in Hz. Always [SampleRate] on the streaming path.
	SampleRate int

	// Channels: always [Channels] on the streaming path.
	Channels int

	// Timestamp is the stream position of the first sample in Data,
	// relative to stream start.
	Timestamp time.Duration

	// release returns Data to its producer's pool. Nil for frames whose
	// Data is not pooled.
	release func([]byte)
}

// WithRelease returns a copy of f that returns Data to fn when released.
// The producer sets this before handing the frame downstream; the final
// consumer calls [Frame.Release] exactly once.
func (f Frame) WithRelease(fn func([]byte)) Frame {
	f.release = fn
	return f
}

// Release hands Data back to the pool it came from. It is a no-op for
// unpooled frames and for repeated calls. The frame's Data must not be
// touched after Release.
func (f *Frame) Release() {
	if f.release != nil {
		fn := f.release
		f.release = nil
		fn(f.Data)
	}
}
