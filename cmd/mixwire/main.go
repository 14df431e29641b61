// Command mixwire captures audio from browser views and external input
// devices, mixes it, and streams fixed-size PCM frames to a websocket
// consumer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/mixwire/mixwire/internal/config"
	"github.com/mixwire/mixwire/internal/health"
	"github.com/mixwire/mixwire/internal/observe"
	"github.com/mixwire/mixwire/pkg/audio/engine"
	"github.com/mixwire/mixwire/pkg/audio/stream"
	"github.com/mixwire/mixwire/pkg/audio/wsbridge"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "mixwire.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mixwire: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mixwire starting",
		"version", version,
		"config", *configPath,
		"endpoint", cfg.Transport.Endpoint,
		"mode", cfg.StreamMode(),
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The transport closing (consumer gone) also ends the run.
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// The engine does not exist yet when the bridge is constructed, so the
	// close handler reaches it through an atomic reference.
	var engRef atomic.Pointer[engine.Engine]
	bridge := wsbridge.New(cfg.Transport.Endpoint, wsbridge.WithCloseHandler(func(ev wsbridge.CloseEvent) {
		if eng := engRef.Load(); eng != nil {
			eng.NotifyTransportClosed(ev.Code, ev.Reason)
		} else {
			slog.Warn("transport closed", "code", ev.Code, "reason", ev.Reason)
		}
		cancel()
	}))

	dialCtx := ctx
	if cfg.Transport.DialTimeout > 0 {
		var dialCancel context.CancelFunc
		dialCtx, dialCancel = context.WithTimeout(ctx, cfg.Transport.DialTimeout)
		defer dialCancel()
	}
	if err := bridge.Dial(dialCtx); err != nil {
		slog.Error("failed to dial transport", "endpoint", cfg.Transport.Endpoint, "err", err)
		return 1
	}
	defer bridge.Close()

	eng := engine.New(bridge,
		engine.WithRenderHook(func(d time.Duration) {
			metrics.RenderDuration.Record(context.Background(), d.Seconds())
		}),
		engine.WithEventHandler(func(ev engine.Event) {
			handleEvent(metrics, ev)
		}),
		engine.WithSourceHook(func(kind engine.SourceKind, delta int) {
			metrics.AddActiveSources(context.Background(), kind.String(), int64(delta))
		}),
	)
	defer eng.Close()
	engRef.Store(eng)

	statsReg, err := observe.RegisterStreamStats(otel.GetMeterProvider(), func() (uint64, uint64) {
		s := eng.Stats()
		return s.FramesEmitted, s.FramesDropped
	})
	if err != nil {
		slog.Error("failed to register stream metrics", "err", err)
		return 1
	}
	defer statsReg.Unregister()

	// Configured devices are best effort: a missing microphone should not
	// keep the rest of the mix from streaming.
	for _, dev := range cfg.Audio.Devices {
		if err := eng.StartExternalDeviceCapture(ctx, dev.ID); err != nil {
			slog.Warn("device capture failed", "device", dev.ID, "err", err)
		}
	}
	if cfg.Audio.Loopback {
		eng.SetLoopback(true)
	}

	if err := eng.StartStreaming(cfg.StreamMode()); err != nil {
		slog.Error("failed to start streaming", "err", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.ListenAddr != "" {
		srv := newHTTPServer(cfg.Server.ListenAddr, metrics, bridge, eng)
		g.Go(func() error {
			slog.Info("health endpoints listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("mixwire ready")

	<-gctx.Done()

	slog.Info("shutting down")
	if err := g.Wait(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	return 0
}

// handleEvent logs diagnostic engine events and feeds the failure counter.
func handleEvent(m *observe.Metrics, ev engine.Event) {
	switch ev.Kind {
	case engine.EventCaptureFailed:
		slog.Warn("capture failed", "source", ev.Source, "err", ev.Err)
		m.RecordCaptureFailure(context.Background(), ev.Source.Kind.String())
	case engine.EventTransportClosed:
		slog.Warn("transport closed", "code", ev.Code, "reason", ev.Reason)
	default:
		slog.Debug("engine event", "kind", ev.Kind, "source", ev.Source)
	}
}

// newHTTPServer builds the health/metrics listener.
func newHTTPServer(addr string, m *observe.Metrics, bridge *wsbridge.Bridge, eng *engine.Engine) *http.Server {
	h := health.New(
		health.Checker{Name: "transport", Check: func(_ context.Context) error {
			if bridge.State() != wsbridge.StateOpen {
				return fmt.Errorf("websocket is %s", bridge.State())
			}
			return nil
		}},
		health.Checker{Name: "streamer", Check: func(_ context.Context) error {
			if st := eng.StreamState(); st == stream.StateStopped {
				return errors.New("streamer is stopped")
			}
			return nil
		}},
	)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
