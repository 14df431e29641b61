// Package wsbridge delivers emitted PCM frames to the host process over a
// local websocket connection. Each frame is one binary message; a single
// JSON text message describing the stream format is sent when the connection
// opens.
//
// The bridge favours recency over completeness: frames produced while the
// connection is not open, or while a frame is already in flight, are dropped
// and counted. Nothing on the audio path ever waits for the socket.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/mixwire/mixwire/pkg/audio"
	"github.com/mixwire/mixwire/pkg/audio/stream"
)

// Compile-time interface assertion.
var _ stream.Sink = (*Bridge)(nil)

// State is the connection lifecycle state.
type State int32

const (
	// StateConnecting: created but not yet dialed, or dial in progress.
	StateConnecting State = iota

	// StateOpen: frames are being transmitted.
	StateOpen

	// StateClosed: the connection is gone; frames are dropped.
	StateClosed
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotOpen is the drop condition: a frame arrived while the connection was
// not open. It is never surfaced per-frame; the bridge aggregates it into
// the drop counter.
var ErrNotOpen = errors.New("wsbridge: connection is not open")

// CloseEvent describes the observed end of a connection. It is reported at
// most once per connection lifecycle.
type CloseEvent struct {
	// Code is the websocket close status, or -1 when the connection failed
	// without a close frame.
	Code int

	// Reason is the peer-supplied close reason, or the underlying error text.
	Reason string
}

// helloMessage is the JSON stream-setup metadata sent as the first (text)
// message after dialing. FrameSamples is the interleaved sample unit count
// of a 20 ms frame, a buffer-sizing hint for the consumer, not the size of
// the binary frames that follow (those are governed by the streaming mode).
type helloMessage struct {
	SampleRate   int `json:"sample_rate"`
	Channels     int `json:"channels"`
	BitDepth     int `json:"bit_depth"`
	FrameSamples int `json:"frame_samples"`
}

// Option configures a [Bridge] during construction.
type Option func(*Bridge)

// WithCloseHandler registers fn to be invoked once when the connection is
// observed closed. fn runs on an internal goroutine and must not block.
func WithCloseHandler(fn func(CloseEvent)) Option {
	return func(b *Bridge) {
		b.onClose = fn
	}
}

// Bridge maintains one duplex websocket connection to the host endpoint and
// forwards frames in strict production order. At most one frame is in flight;
// a frame arriving while the slot is occupied is dropped.
type Bridge struct {
	url     string
	onClose func(CloseEvent)

	conn  *websocket.Conn
	state atomic.Int32

	inflight chan audio.Frame // capacity 1: the bounded backlog

	sent      atomic.Uint64
	dropped   atomic.Uint64
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Bridge for the given ws:// endpoint in the Connecting state.
// Call [Bridge.Dial] before streaming begins.
func New(url string, opts ...Option) *Bridge {
	b := &Bridge{
		url:      url,
		inflight: make(chan audio.Frame, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Dial establishes the connection, sends the stream-setup metadata, and
// starts the read and write loops. It is called once; the bridge does not
// reconnect on its own; that decision belongs to the owning session.
func (b *Bridge) Dial(ctx context.Context) error {
	if State(b.state.Load()) != StateConnecting {
		return fmt.Errorf("wsbridge: dial in state %v", State(b.state.Load()))
	}

	conn, _, err := websocket.Dial(ctx, b.url, nil)
	if err != nil {
		b.state.Store(int32(StateClosed))
		return fmt.Errorf("wsbridge: dial %s: %w", b.url, err)
	}
	b.conn = conn

	hello, err := json.Marshal(helloMessage{
		SampleRate:   audio.SampleRate,
		Channels:     audio.Channels,
		BitDepth:     audio.BytesPerSample * 8,
		FrameSamples: audio.FrameSamples20ms,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "hello marshal failed")
		b.state.Store(int32(StateClosed))
		return fmt.Errorf("wsbridge: marshal hello: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		b.state.Store(int32(StateClosed))
		return fmt.Errorf("wsbridge: send hello: %w", err)
	}

	b.state.Store(int32(StateOpen))
	b.wg.Add(2)
	go b.writeLoop()
	go b.readLoop()
	return nil
}

// Deliver implements [stream.Sink]. If the connection is open and the
// in-flight slot is free, the frame is queued for transmission and true is
// returned. Otherwise the frame is released and counted as dropped. Deliver
// never blocks.
func (b *Bridge) Deliver(frame audio.Frame) bool {
	if State(b.state.Load()) != StateOpen {
		b.dropped.Add(1)
		frame.Release()
		return false
	}
	select {
	case b.inflight <- frame:
		return true
	default:
		b.dropped.Add(1)
		frame.Release()
		return false
	}
}

// State returns the current connection state.
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Sent returns the total number of frames written to the socket.
func (b *Bridge) Sent() uint64 { return b.sent.Load() }

// Dropped returns the total number of frames dropped because the connection
// was not open or a frame was already in flight.
func (b *Bridge) Dropped() uint64 { return b.dropped.Load() }

// Close tears the connection down. Idempotent; returns nil on repeat calls.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.state.Store(int32(StateClosed))
		close(b.done)
		if b.conn != nil {
			b.conn.Close(websocket.StatusNormalClosure, "bridge closed")
		}
		b.wg.Wait()
		b.drainInflight()
	})
	return nil
}

// writeLoop transmits queued frames as binary messages, preserving emission
// order. A write error marks the connection closed.
func (b *Bridge) writeLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case frame := <-b.inflight:
			err := b.conn.Write(context.Background(), websocket.MessageBinary, frame.Data)
			frame.Release()
			if err != nil {
				b.markClosed(err)
				return
			}
			b.sent.Add(1)
		}
	}
}

// readLoop consumes inbound messages (the host may ping or send control
// traffic; the bridge has nothing to do with it) and observes connection
// loss.
func (b *Bridge) readLoop() {
	defer b.wg.Done()
	for {
		if _, _, err := b.conn.Read(context.Background()); err != nil {
			select {
			case <-b.done:
				// Local close; not a diagnostic event.
			default:
				b.markClosed(err)
			}
			return
		}
	}
}

// markClosed flips the state to Closed and reports the close event exactly
// once. Frames delivered from here on are dropped by Deliver.
func (b *Bridge) markClosed(err error) {
	if !b.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		return
	}

	ev := CloseEvent{Code: -1, Reason: err.Error()}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code = int(ce.Code)
		ev.Reason = ce.Reason
	}

	slog.Warn("wsbridge: connection closed",
		"code", ev.Code,
		"reason", ev.Reason,
		"sent", b.sent.Load(),
		"dropped", b.dropped.Load(),
	)
	if b.onClose != nil {
		go b.onClose(ev)
	}
	b.drainInflight()
}

// drainInflight releases any frame stuck in the in-flight slot.
func (b *Bridge) drainInflight() {
	select {
	case frame := <-b.inflight:
		frame.Release()
		b.dropped.Add(1)
	default:
	}
}
