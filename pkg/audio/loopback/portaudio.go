package loopback

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/mixwire/mixwire/pkg/audio"
)

// Pa_Initialize is reference-counted, so initialising here alongside the
// capture package is safe; like there, it is never torn down.
var (
	paInit    sync.Once
	paInitErr error
)

// portaudioPlayer plays through the system default output device.
type portaudioPlayer struct {
	mu     sync.Mutex
	stream *portaudio.Stream
}

func newPortaudioPlayer() *portaudioPlayer {
	return &portaudioPlayer{}
}

func (p *portaudioPlayer) Start(pull func(out []int16)) error {
	paInit.Do(func() { paInitErr = portaudio.Initialize() })
	if paInitErr != nil {
		return fmt.Errorf("loopback: initialise portaudio: %w", paInitErr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return fmt.Errorf("loopback: default output device: %w", err)
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = audio.Channels
	params.SampleRate = float64(audio.SampleRate)
	params.FramesPerBuffer = audio.RenderQuantum

	stm, err := portaudio.OpenStream(params, func(out []int16) {
		pull(out)
	})
	if err != nil {
		return fmt.Errorf("loopback: open output stream: %w", err)
	}
	if err := stm.Start(); err != nil {
		stm.Close()
		return fmt.Errorf("loopback: start output stream: %w", err)
	}
	p.stream = stm
	return nil
}

func (p *portaudioPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Stop()
	if cerr := p.stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	p.stream = nil
	return err
}
