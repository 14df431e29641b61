// Package capture acquires live audio streams and feeds them into mix-bus
// gain stages. Two kinds of source exist: browser views, whose tab audio the
// view host process hands over as a [MediaSource], and external input devices
// captured through PortAudio.
//
// Acquisition may take arbitrary wall-clock time (device negotiation,
// permission prompts on the host side); it runs on the caller's goroutine and
// never touches the bus until it has succeeded. A failed acquisition leaves
// nothing behind.
package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/mixwire/mixwire/pkg/audio"
	"github.com/mixwire/mixwire/pkg/audio/mixbus"
)

// MediaSource is the handle the view host process provides for one browser
// view's tab audio. The core does not manage views; it only consumes their
// audio through this interface.
type MediaSource interface {
	// OpenAudio starts the underlying audio tracks and returns the stream of
	// captured frames. Video is never requested. The producer closes the
	// channel when the source ends or after Close.
	OpenAudio(ctx context.Context) (<-chan audio.Frame, error)

	// Close stops every underlying track and releases the handle.
	Close() error
}

// Adapter is one live capture feeding a gain stage. It owns the underlying
// stream handle exclusively: closing the adapter stops the capture and
// releases the OS-level resource.
type Adapter struct {
	node    *mixbus.Node
	release func() error

	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

func newAdapter(node *mixbus.Node, release func() error) *Adapter {
	return &Adapter{
		node:    node,
		release: release,
		done:    make(chan struct{}),
	}
}

// Node returns the gain stage this capture writes into.
func (a *Adapter) Node() *mixbus.Node { return a.node }

// Close stops the capture and releases the underlying device or tracks.
// Idempotent; repeat calls return the first result. The caller detaches the
// node from the bus before Close; teardown here may complete asynchronously
// from the bus's point of view.
func (a *Adapter) Close() error {
	a.stopOnce.Do(func() {
		close(a.done)
		a.stopErr = a.release()
		a.wg.Wait()
	})
	return a.stopErr
}

// OpenBrowserView acquires the tab-audio stream of src and starts pumping it
// into node. On failure no goroutine is started and the source is left
// untouched apart from the failed OpenAudio call.
func OpenBrowserView(ctx context.Context, src MediaSource, node *mixbus.Node) (*Adapter, error) {
	frames, err := src.OpenAudio(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: open browser view audio: %w", err)
	}

	a := newAdapter(node, src.Close)
	a.wg.Add(1)
	go a.pump(frames)
	return a, nil
}

// pump normalises incoming frames to the canonical format and writes them
// into the gain stage until the source ends or the adapter is closed.
func (a *Adapter) pump(frames <-chan audio.Frame) {
	defer a.wg.Done()

	conv := audio.FormatConverter{Target: audio.CanonicalFormat}
	var scratch []int16

	for {
		select {
		case <-a.done:
			// The producer may still be sending; drain to let it finish.
			go func() {
				for range frames {
				}
			}()
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			f = conv.Convert(f)
			if len(f.Data) == 0 {
				continue
			}
			n := len(f.Data) / audio.BytesPerSample
			if cap(scratch) < n {
				scratch = make([]int16, n)
			}
			scratch = scratch[:n]
			audio.BytesToInt16s(scratch, f.Data)
			a.node.Write(scratch)
		}
	}
}
