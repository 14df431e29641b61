package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// CanonicalFormat is the pipeline-wide target format every capture adapter
// converts into.
var CanonicalFormat = Format{SampleRate: SampleRate, Channels: Channels}

// FormatConverter converts incoming frames to a target format. Browser views
// hand over whatever their tab produces; the converter normalises it at the
// capture edge so the mix bus only ever sees canonical PCM. It logs a warning
// on the first mismatch and validates PCM alignment.
// Create one per capture stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(frame Frame) Frame {
	out := Frame{
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}

	// Odd byte count means corrupt int16 PCM; drop the payload.
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return out
	}

	// Fast path: source matches target.
	if frame.SampleRate == c.Target.SampleRate && frame.Channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, frame.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	pcm := frame.Data

	// Resample first (avoids resampling stereo when target is mono).
	if frame.SampleRate != c.Target.SampleRate {
		if frame.Channels == 1 {
			pcm = ResampleMono16(pcm, frame.SampleRate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, frame.SampleRate, c.Target.SampleRate)
		}
	}

	switch {
	case frame.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case frame.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}

	out.Data = pcm
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	mono := decodePCM(pcm)
	stereo := make([]int16, len(mono)*2)
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return encodePCM(stereo)
}

// StereoToMono averages L+R per stereo frame to produce mono output. The
// average of two in-range int16 values cannot overflow int16, so no clamp
// is needed.
func StereoToMono(pcm []byte) []byte {
	stereo := decodePCM(pcm)
	mono := make([]int16, len(stereo)/2)
	for i := range mono {
		mono[i] = int16((int32(stereo[2*i]) + int32(stereo[2*i+1])) / 2)
	}
	return encodePCM(mono)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	dst := resampleLinear(decodePCM(pcm), 1, srcRate, dstRate)
	if dst == nil {
		return nil
	}
	return encodePCM(dst)
}

// ResampleStereo16 resamples 16-bit interleaved stereo PCM from srcRate to
// dstRate using linear interpolation. If srcRate == dstRate, the input is
// returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	dst := resampleLinear(decodePCM(pcm), 2, srcRate, dstRate)
	if dst == nil {
		return nil
	}
	return encodePCM(dst)
}

// resampleLinear interpolates interleaved samples from srcRate to dstRate.
// The last source frame is held when interpolation reads past the end.
func resampleLinear(src []int16, channels, srcRate, dstRate int) []int16 {
	srcFrames := len(src) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			a := float64(src[idx*channels+ch])
			b := float64(src[next*channels+ch])
			out[i*channels+ch] = int16(a*(1-frac) + b*frac)
		}
	}
	return out
}

// BytesToInt16s decodes little-endian int16 PCM bytes into dst and returns
// the number of samples decoded.
func BytesToInt16s(dst []int16, pcm []byte) int {
	n := len(pcm) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return n
}

// Int16sToBytes encodes samples as little-endian int16 PCM into dst and
// returns the number of bytes written.
func Int16sToBytes(dst []byte, samples []int16) int {
	n := len(samples)
	if n*2 > len(dst) {
		n = len(dst) / 2
	}
	for i := 0; i < n; i++ {
		dst[i*2] = byte(samples[i])
		dst[i*2+1] = byte(samples[i] >> 8)
	}
	return n * 2
}

// formatString renders a sample rate and channel count for log output,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

func decodePCM(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	BytesToInt16s(samples, pcm)
	return samples
}

func encodePCM(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	Int16sToBytes(pcm, samples)
	return pcm
}
