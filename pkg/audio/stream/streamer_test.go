package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/mixwire/mixwire/pkg/audio"
	"github.com/mixwire/mixwire/pkg/audio/mixbus"
)

// collectSink accepts every frame and keeps a copy of its payload.
type collectSink struct {
	frames []audio.Frame
	data   [][]byte
}

func (c *collectSink) Deliver(frame audio.Frame) bool {
	cp := make([]byte, len(frame.Data))
	copy(cp, frame.Data)
	c.data = append(c.data, cp)
	c.frames = append(c.frames, frame)
	frame.Release()
	return true
}

// refuseSink drops everything, as a closed transport would.
type refuseSink struct {
	dropped int
}

func (r *refuseSink) Deliver(frame audio.Frame) bool {
	frame.Release()
	r.dropped++
	return false
}

// quantum returns one render quantum filled with value.
func quantum(value int16) []int16 {
	q := make([]int16, audio.RenderQuantum*audio.Channels)
	for i := range q {
		q[i] = value
	}
	return q
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	if m, err := ParseMode("lowLatency"); err != nil || m != ModeLowLatency {
		t.Errorf("ParseMode(lowLatency) = %v, %v", m, err)
	}
	if m, err := ParseMode("performance"); err != nil || m != ModePerformance {
		t.Errorf("ParseMode(performance) = %v, %v", m, err)
	}
	if _, err := ParseMode("balanced"); err == nil {
		t.Error("ParseMode(balanced) error = nil, want error")
	}
}

func TestModeBufferSize(t *testing.T) {
	t.Parallel()

	if got := ModeLowLatency.BufferSize(); got != 128 {
		t.Errorf("ModeLowLatency.BufferSize() = %d, want 128", got)
	}
	if got := ModePerformance.BufferSize(); got != 16384 {
		t.Errorf("ModePerformance.BufferSize() = %d, want 16384", got)
	}
}

func TestStartRejectsWhenActive(t *testing.T) {
	t.Parallel()

	s := New(mixbus.New(), &collectSink{})
	if err := s.Start(ModeLowLatency); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(ModePerformance); !errors.Is(err, ErrNotStopped) {
		t.Fatalf("second Start() error = %v, want ErrNotStopped", err)
	}

	s.Stop()
	if err := s.Start(ModePerformance); err != nil {
		t.Fatalf("Start() after Stop error = %v", err)
	}
	if got := s.Mode(); got != ModePerformance {
		t.Errorf("Mode() = %v, want %v", got, ModePerformance)
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	s := New(mixbus.New(), &collectSink{})
	if got := s.State(); got != StateStopped {
		t.Fatalf("initial State() = %v, want stopped", got)
	}

	if err := s.Start(ModeLowLatency); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := s.State(); got != StateStarting {
		t.Fatalf("State() after Start = %v, want starting", got)
	}

	s.Process(quantum(0))
	if got := s.State(); got != StateStreaming {
		t.Fatalf("State() after first callback = %v, want streaming", got)
	}

	s.Stop()
	s.Stop() // idempotent
	if got := s.State(); got != StateStopped {
		t.Fatalf("State() after Stop = %v, want stopped", got)
	}
}

func TestLowLatencyEmitsPerQuantum(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	s := New(mixbus.New(), sink)
	if err := s.Start(ModeLowLatency); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Low-latency frame size equals the render quantum: one frame each.
	s.Process(quantum(100))
	s.Process(quantum(200))

	if len(sink.frames) != 2 {
		t.Fatalf("sink received %d frames, want 2", len(sink.frames))
	}
	wantBytes := ModeLowLatency.BufferSize() * audio.Channels * audio.BytesPerSample
	for i, data := range sink.data {
		if len(data) != wantBytes {
			t.Errorf("frame %d size = %d bytes, want %d", i, len(data), wantBytes)
		}
	}
	if s.FramesEmitted() != 2 {
		t.Errorf("FramesEmitted() = %d, want 2", s.FramesEmitted())
	}
}

func TestPerformanceAccumulates(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	s := New(mixbus.New(), sink)
	if err := s.Start(ModePerformance); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// 16384 samples per channel need 128 quanta of 128 samples each.
	quantaPerFrame := ModePerformance.BufferSize() / audio.RenderQuantum
	for i := 0; i < quantaPerFrame-1; i++ {
		s.Process(quantum(7))
	}
	if len(sink.frames) != 0 {
		t.Fatalf("sink received %d frames before the buffer filled, want 0", len(sink.frames))
	}

	s.Process(quantum(7))
	if len(sink.frames) != 1 {
		t.Fatalf("sink received %d frames, want 1", len(sink.frames))
	}
	wantBytes := ModePerformance.BufferSize() * audio.Channels * audio.BytesPerSample
	if len(sink.data[0]) != wantBytes {
		t.Errorf("frame size = %d bytes, want %d", len(sink.data[0]), wantBytes)
	}
}

func TestFrameContentAndTimestamps(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	s := New(mixbus.New(), sink)
	if err := s.Start(ModeLowLatency); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.Process(quantum(1234))
	s.Process(quantum(1234))

	if len(sink.frames) != 2 {
		t.Fatalf("sink received %d frames, want 2", len(sink.frames))
	}

	f0, f1 := sink.frames[0], sink.frames[1]
	if f0.SampleRate != audio.SampleRate || f0.Channels != audio.Channels {
		t.Errorf("frame format = %dHz %dch, want canonical", f0.SampleRate, f0.Channels)
	}
	if f0.Timestamp != 0 {
		t.Errorf("first Timestamp = %v, want 0", f0.Timestamp)
	}
	wantSecond := time.Duration(audio.RenderQuantum) * time.Second / audio.SampleRate
	if f1.Timestamp != wantSecond {
		t.Errorf("second Timestamp = %v, want %v", f1.Timestamp, wantSecond)
	}

	// Payload is the little-endian encoding of the mixed samples.
	data := sink.data[0]
	if got := int16(data[0]) | int16(data[1])<<8; got != 1234 {
		t.Errorf("first sample = %d, want 1234", got)
	}
}

func TestStopDiscardsPartialFrame(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	s := New(mixbus.New(), sink)
	if err := s.Start(ModePerformance); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// A few quanta, nowhere near a full performance frame.
	s.Process(quantum(50))
	s.Process(quantum(50))
	s.Stop()

	if len(sink.frames) != 0 {
		t.Errorf("sink received %d frames, want 0 (partial frames are discarded)", len(sink.frames))
	}

	// A stale callback after Stop must be ignored.
	s.Process(quantum(50))
	if len(sink.frames) != 0 {
		t.Errorf("callback after Stop emitted %d frames, want 0", len(sink.frames))
	}
}

func TestRefusingSinkDoesNotStall(t *testing.T) {
	t.Parallel()

	sink := &refuseSink{}
	s := New(mixbus.New(), sink)
	if err := s.Start(ModeLowLatency); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	for range 100 {
		s.Process(quantum(1))
	}

	if sink.dropped != 100 {
		t.Errorf("sink dropped %d frames, want 100", sink.dropped)
	}
	// Emission counts the handoff even when the sink refuses.
	if s.FramesEmitted() != 100 {
		t.Errorf("FramesEmitted() = %d, want 100", s.FramesEmitted())
	}
}

func TestSessionResetsOnRestart(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	s := New(mixbus.New(), sink)

	if err := s.Start(ModePerformance); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	s.Process(quantum(9)) // partial fill
	s.Stop()

	if err := s.Start(ModeLowLatency); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	s.Process(quantum(9))

	// The new session starts from scratch: fresh size, fresh timestamps.
	if len(sink.frames) != 1 {
		t.Fatalf("sink received %d frames, want 1", len(sink.frames))
	}
	wantBytes := ModeLowLatency.BufferSize() * audio.Channels * audio.BytesPerSample
	if len(sink.data[0]) != wantBytes {
		t.Errorf("frame size = %d bytes, want %d", len(sink.data[0]), wantBytes)
	}
	if sink.frames[0].Timestamp != 0 {
		t.Errorf("restarted session Timestamp = %v, want 0", sink.frames[0].Timestamp)
	}
}
