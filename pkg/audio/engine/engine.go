// Package engine owns the source registry and the lifecycle of the capture
// pipeline: it creates the mix bus, wires capture adapters through gain
// stages into it, and drives the frame streamer and loopback monitor.
//
// The registry is the single mutation point of the pipeline. Per-source
// lifecycle operations are serialised: a start reserves its key before the
// (possibly slow) acquisition begins, so no two operations for the same
// (kind, id) ever interleave, and a failed acquisition leaves no partial
// state. The render path never mutates anything; it only reads the
// copy-on-write source set and atomic gains.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mixwire/mixwire/pkg/audio/capture"
	"github.com/mixwire/mixwire/pkg/audio/loopback"
	"github.com/mixwire/mixwire/pkg/audio/mixbus"
	"github.com/mixwire/mixwire/pkg/audio/stream"
)

// activeSource pairs an owned capture adapter with its gain stage. Exactly
// one exists per registered key.
type activeSource struct {
	key     SourceKey
	node    *mixbus.Node
	adapter *capture.Adapter
}

// Option configures an [Engine] during construction.
type Option func(*Engine)

// WithDeviceOpener replaces the PortAudio device opener. Used by tests and
// by hosts that capture devices through another backend.
func WithDeviceOpener(o capture.DeviceOpener) Option {
	return func(e *Engine) {
		e.opener = o
	}
}

// WithMonitor replaces the default loopback monitor.
func WithMonitor(m *loopback.Monitor) Option {
	return func(e *Engine) {
		e.monitor = m
	}
}

// WithEventHandler registers fn to receive diagnostic events. fn is invoked
// on a new goroutine and must not block. Only one handler may be active;
// later options replace earlier ones.
func WithEventHandler(fn func(Event)) Option {
	return func(e *Engine) {
		e.onEvent = fn
	}
}

// WithRenderHook forwards fn to the mix bus for render-duration metrics.
func WithRenderHook(fn func(time.Duration)) Option {
	return func(e *Engine) {
		e.renderHook = fn
	}
}

// WithSourceHook registers fn to be told when a source of the given kind
// becomes active (delta +1) or stops (delta -1). Intended for gauges; fn
// runs on the lifecycle caller's goroutine and must not block.
func WithSourceHook(fn func(kind SourceKind, delta int)) Option {
	return func(e *Engine) {
		e.onSource = fn
	}
}

// Engine is the capture control surface consumed by the owning session. All
// exported methods are safe for concurrent use.
type Engine struct {
	bus      *mixbus.Bus
	streamer *stream.Streamer
	sink     stream.Sink
	monitor  *loopback.Monitor
	opener   capture.DeviceOpener
	onEvent  func(Event)
	onSource func(SourceKind, int)

	renderHook func(time.Duration)

	mu      sync.Mutex
	sources map[SourceKey]*activeSource
	pending map[SourceKey]struct{}
	closed  bool

	captureFailures atomic.Uint64
}

// New creates an Engine streaming into sink and starts the mix bus render
// clock. The engine lives until [Engine.Close]; one engine exists per
// pipeline instance.
func New(sink stream.Sink, opts ...Option) *Engine {
	e := &Engine{
		sink:    sink,
		sources: make(map[SourceKey]*activeSource),
		pending: make(map[SourceKey]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.monitor == nil {
		e.monitor = loopback.New()
	}

	var busOpts []mixbus.Option
	if e.renderHook != nil {
		busOpts = append(busOpts, mixbus.WithRenderHook(e.renderHook))
	}
	e.bus = mixbus.New(busOpts...)
	e.streamer = stream.New(e.bus, sink)

	// The monitor tap is connected for the engine's whole lifetime; enabling
	// loopback only unmutes it.
	e.bus.AddTap(e.monitor)
	e.bus.Start()
	return e
}

// StartBrowserViewCapture acquires the tab-audio stream for viewID from src,
// wires a gain stage into the mix bus, and registers the source. Returns
// [ErrDuplicateSource] if viewID already has an active source and
// [ErrAcquisitionFailed] (wrapping the cause) if the stream request is
// rejected; in both cases nothing is registered.
func (e *Engine) StartBrowserViewCapture(ctx context.Context, viewID int, src capture.MediaSource) error {
	key := BrowserViewKey(viewID)
	if err := e.reserve(key); err != nil {
		return err
	}
	node := mixbus.NewNode()
	adapter, err := capture.OpenBrowserView(ctx, src, node)
	return e.commit(key, node, adapter, err)
}

// StartExternalDeviceCapture acquires a raw input stream for deviceID. The
// stream carries unprocessed device samples; noise suppression, automatic
// gain control, and echo cancellation are all disabled in the capture path.
// Failure semantics match [Engine.StartBrowserViewCapture].
func (e *Engine) StartExternalDeviceCapture(ctx context.Context, deviceID string) error {
	key := ExternalDeviceKey(deviceID)
	if err := e.reserve(key); err != nil {
		return err
	}
	node := mixbus.NewNode()
	adapter, err := capture.OpenDevice(ctx, deviceID, node, e.opener)
	return e.commit(key, node, adapter, err)
}

// reserve claims key for one lifecycle operation. The claim blocks duplicate
// starts for the whole acquisition window, not just the registered period.
func (e *Engine) reserve(key SourceKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if _, active := e.sources[key]; active {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, key)
	}
	if _, inflight := e.pending[key]; inflight {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, key)
	}
	e.pending[key] = struct{}{}
	return nil
}

// commit publishes the outcome of an acquisition, all-or-nothing. On success
// the source appears in the registry and its gain stage is attached to the
// bus; on failure the reservation is released and a diagnostic event fires.
func (e *Engine) commit(key SourceKey, node *mixbus.Node, adapter *capture.Adapter, err error) error {
	e.mu.Lock()
	delete(e.pending, key)

	if err != nil {
		e.mu.Unlock()
		e.captureFailures.Add(1)
		slog.Warn("capture acquisition failed", "source", key.String(), "err", err)
		e.emit(Event{Kind: EventCaptureFailed, Source: key, Err: err})
		return fmt.Errorf("%w: %s: %w", ErrAcquisitionFailed, key, err)
	}

	if e.closed {
		e.mu.Unlock()
		_ = adapter.Close()
		return ErrClosed
	}

	e.sources[key] = &activeSource{key: key, node: node, adapter: adapter}
	// Attach under the registry lock: a source is on the bus if and only if
	// it is in the registry, so a concurrent Stop always detaches it.
	e.bus.Attach(node)
	e.mu.Unlock()

	e.notifySource(key.Kind, 1)
	slog.Info("capture started", "source", key.String())
	return nil
}

// Stop removes the source identified by key. The gain stage is detached from
// the bus before Stop returns; releasing the underlying device or tracks
// completes asynchronously. Stopping an unknown or already-stopped source is
// a no-op.
func (e *Engine) Stop(key SourceKey) {
	e.mu.Lock()
	src, ok := e.sources[key]
	if ok {
		delete(e.sources, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	e.bus.Detach(src.node)
	go func() {
		if err := src.adapter.Close(); err != nil {
			slog.Warn("capture teardown error", "source", key.String(), "err", err)
		}
	}()
	e.notifySource(key.Kind, -1)
	slog.Info("capture stopped", "source", key.String())
}

// SetMuted sets the source's gain to 0 (muted) or 1. Muting an unknown
// source is a silent no-op; the source may have been removed concurrently,
// which is not an error.
func (e *Engine) SetMuted(key SourceKey, muted bool) {
	e.mu.Lock()
	src, ok := e.sources[key]
	e.mu.Unlock()
	if !ok {
		return
	}

	gain := 1.0
	if muted {
		gain = 0
	}
	src.node.SetGain(gain)
}

// SetLoopback toggles local playback of the mixed bus. The monitor's output
// stream is opened lazily on the first enable; failures are logged and the
// monitor stays muted (streaming is unaffected either way).
func (e *Engine) SetLoopback(enabled bool) {
	if enabled {
		if err := e.monitor.Start(); err != nil {
			slog.Warn("loopback unavailable", "err", err)
			return
		}
	}
	e.monitor.SetEnabled(enabled)
}

// StartStreaming begins frame emission with the given mode's frame size.
func (e *Engine) StartStreaming(mode stream.Mode) error {
	if err := e.streamer.Start(mode); err != nil {
		return err
	}
	slog.Info("streaming started", "mode", mode.String(), "buffer_size", mode.BufferSize())
	return nil
}

// StopStreaming halts frame emission, discarding any partial frame.
func (e *Engine) StopStreaming() {
	e.streamer.Stop()
}

// StreamState returns the frame streamer's lifecycle state.
func (e *Engine) StreamState() stream.State {
	return e.streamer.State()
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	FramesEmitted   uint64
	FramesDropped   uint64
	CaptureFailures uint64
	ActiveSources   int
}

// Stats returns current pipeline counters. Dropped frames are read from the
// sink when it exposes them (the websocket bridge does).
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	active := len(e.sources)
	e.mu.Unlock()

	s := Stats{
		FramesEmitted:   e.streamer.FramesEmitted(),
		CaptureFailures: e.captureFailures.Load(),
		ActiveSources:   active,
	}
	if d, ok := e.sink.(interface{ Dropped() uint64 }); ok {
		s.FramesDropped = d.Dropped()
	}
	return s
}

// Close stops streaming, releases every source, and tears down the bus and
// monitor. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	stopped := make([]*activeSource, 0, len(e.sources))
	for _, src := range e.sources {
		stopped = append(stopped, src)
	}
	e.sources = make(map[SourceKey]*activeSource)
	e.mu.Unlock()

	e.streamer.Stop()
	for _, src := range stopped {
		e.bus.Detach(src.node)
		if err := src.adapter.Close(); err != nil {
			slog.Warn("capture teardown error", "source", src.key.String(), "err", err)
		}
		e.notifySource(src.key.Kind, -1)
	}
	if err := e.monitor.Close(); err != nil {
		slog.Warn("loopback close error", "err", err)
	}
	return e.bus.Close()
}

// NotifyTransportClosed surfaces the transport's close status as an
// [EventTransportClosed] diagnostic. The engine only sees the transport as a
// [stream.Sink], so the owning process relays the close observation here
// from the bridge's close handler.
func (e *Engine) NotifyTransportClosed(code int, reason string) {
	slog.Warn("transport closed", "code", code, "reason", reason)
	e.emit(Event{Kind: EventTransportClosed, Code: code, Reason: reason})
}

// emit delivers ev to the registered handler, if any, on a new goroutine.
func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		go e.onEvent(ev)
	}
}

func (e *Engine) notifySource(kind SourceKind, delta int) {
	if e.onSource != nil {
		e.onSource(kind, delta)
	}
}
