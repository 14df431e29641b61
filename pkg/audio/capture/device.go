package capture

import (
	"context"
	"fmt"
	"io"

	"github.com/mixwire/mixwire/pkg/audio/mixbus"
)

// DeviceOpener opens a raw input stream for a named OS device. The default
// implementation is PortAudio-backed; tests inject a fake so they run
// without a sound card.
type DeviceOpener interface {
	// Open starts capturing from the device identified by deviceID (the
	// OS-level device name; empty selects the default input). onSamples
	// receives interleaved canonical PCM from the device callback and must
	// not block. The returned closer stops the stream and releases the
	// device to other consumers.
	//
	// The stream carries raw device samples: no noise suppression, automatic
	// gain control, or echo cancellation is applied anywhere in the path.
	Open(deviceID string, onSamples func([]int16)) (io.Closer, error)
}

// OpenDevice acquires an external input stream for deviceID and wires its
// callback into node. A nil opener selects [PortAudio]. On failure nothing
// is registered and no device is held.
func OpenDevice(ctx context.Context, deviceID string, node *mixbus.Node, opener DeviceOpener) (*Adapter, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("capture: open device %q: %w", deviceID, err)
	}
	if opener == nil {
		opener = PortAudio()
	}

	closer, err := opener.Open(deviceID, func(in []int16) {
		node.Write(in)
	})
	if err != nil {
		return nil, fmt.Errorf("capture: open device %q: %w", deviceID, err)
	}
	return newAdapter(node, closer.Close), nil
}
