package capture

import (
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/mixwire/mixwire/pkg/audio"
)

// PortAudio initialisation is process-wide and never torn down: the library
// refuses re-initialisation from multiple owners, and the engine lives as
// long as the process does.
var (
	paInit    sync.Once
	paInitErr error
)

type portaudioOpener struct{}

// PortAudio returns the default PortAudio-backed [DeviceOpener].
func PortAudio() DeviceOpener { return portaudioOpener{} }

func (portaudioOpener) Open(deviceID string, onSamples func([]int16)) (io.Closer, error) {
	paInit.Do(func() { paInitErr = portaudio.Initialize() })
	if paInitErr != nil {
		return nil, fmt.Errorf("capture: initialise portaudio: %w", paInitErr)
	}

	dev, err := findInputDevice(deviceID)
	if err != nil {
		return nil, err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = audio.Channels
	params.SampleRate = float64(audio.SampleRate)
	params.FramesPerBuffer = audio.RenderQuantum

	stm, err := portaudio.OpenStream(params, func(in []int16) {
		onSamples(in)
	})
	if err != nil {
		return nil, fmt.Errorf("capture: open stream for %q: %w", deviceID, err)
	}
	if err := stm.Start(); err != nil {
		stm.Close()
		return nil, fmt.Errorf("capture: start stream for %q: %w", deviceID, err)
	}
	return &paStream{stream: stm}, nil
}

// paStream wraps a live PortAudio stream with idempotent teardown.
type paStream struct {
	stream *portaudio.Stream
	once   sync.Once
	err    error
}

func (s *paStream) Close() error {
	s.once.Do(func() {
		s.err = s.stream.Stop()
		if err := s.stream.Close(); err != nil && s.err == nil {
			s.err = err
		}
	})
	return s.err
}

// findInputDevice resolves deviceID to a PortAudio input device. An empty id
// selects the system default input.
func findInputDevice(deviceID string) (*portaudio.DeviceInfo, error) {
	if deviceID == "" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("capture: default input device: %w", err)
		}
		return dev, nil
	}

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate devices: %w", err)
	}
	for _, d := range devs {
		if d.Name == deviceID && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("capture: input device %q not found", deviceID)
}
