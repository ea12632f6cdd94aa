// Command daqd is the headless DAQ daemon (spec §6): it loads a
// configuration file, connects the instruments it declares, and exposes the
// experiment-execution core (HAL, Run Engine, Data Plane, orchestration
// façade) to whatever collaborator drives it — the embedded scripting
// engine, the network transport, or, until either is wired up, nothing but
// its own metrics and health endpoints.
//
// Grounded on ariadne's cli/cmd/ariadne/main.go: flag-based configuration,
// a context cancelled on the first os.Interrupt/SIGTERM and a forced
// os.Exit on the second, and paired goroutines per optional HTTP endpoint
// (one serving, one shutting the server down when ctx is cancelled).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"daqcore/internal/config"
	"daqcore/internal/dataplane"
	"daqcore/internal/engine"
	_ "daqcore/internal/hal/mock" // stands in for the real device-protocol drivers (out of scope, spec §1)
	"daqcore/internal/orchestration"
	"daqcore/internal/ringbuf"
	"daqcore/internal/storage"
	"daqcore/internal/telemetry/logging"
	"daqcore/internal/telemetry/metrics"
	"daqcore/internal/telemetry/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
)

// Exit codes (spec §6).
const (
	exitNormal      = 0
	exitConfigError = 1
	exitFatal       = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("daqd", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "daqcore.yaml", "path to the daemon configuration file")
		metricsAddr = fs.String("metrics", "", "expose Prometheus metrics on address (e.g. :9090)")
		healthAddr  = fs.String("health", "", "expose a health/status endpoint on address (e.g. :9091)")
		logLevel    = fs.String("log-level", "info", "log level: debug|info|warn|error")
	)
	if err := fs.Parse(args); err != nil {
		return exitConfigError
	}

	logger := newLogger(*logLevel)
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to load configuration", "path", *configPath, "error", err.Error())
		return exitConfigError
	}
	fingerprint, err := config.Fingerprint(cfg)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to fingerprint configuration", "error", err.Error())
		return exitConfigError
	}

	tp := tracing.NewProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	m := metrics.New(prometheus.DefaultRegisterer)

	registry, connectFailures, err := config.BuildRegistry(ctx, cfg)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to build device registry", "error", err.Error())
		return exitConfigError
	}
	for id, cerr := range connectFailures {
		logger.ErrorCtx(ctx, "device failed to connect at startup", "device_id", id, "error", cerr.Error())
	}

	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		logger.ErrorCtx(ctx, "failed to create storage directory", "dir", cfg.Storage.Dir, "error", err.Error())
		return exitFatal
	}
	ringPath := filepath.Join(cfg.Storage.Dir, "frames.ring")
	ring, err := ringbuf.Create(ringPath, cfg.Runtime.RingBufferBytes, []byte("daqcore-frame-v1"))
	if err != nil {
		logger.ErrorCtx(ctx, "failed to allocate ring buffer", "path", ringPath, "error", err.Error())
		return exitFatal
	}
	defer ring.Close()
	frameSink := dataplane.NewFrameSink(ring)

	storageWriter := storage.NewRunWriter(cfg.Storage.Dir, cfg.Storage.Format, cfg.Storage.FlushInterval, cfg.Storage.SidecarJSON, logger, m)

	dp, err := dataplane.New(dataplane.Config{
		MaxBufferedDocs:   cfg.Runtime.ReliableQueueDepth,
		BroadcastCapacity: cfg.Runtime.BroadcastCapacity,
		OverflowDir:       filepath.Join(cfg.Storage.Dir, "overflow"),
	}, []dataplane.Writer{storageWriter}, logger, m)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to construct data plane", "error", err.Error())
		return exitFatal
	}
	translator := dataplane.NewTranslator(frameSink, storageWriter, cfg.Storage.FlushInterval, logger, m)

	eng := engine.NewRunEngine(registry, dp, logger, m)
	eng.SetFrameSink(dataplane.EngineFrameSink{FrameSink: frameSink})

	orch := orchestration.New(registry, eng)
	orch.ConfigFingerprint = fingerprint

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.InfoCtx(runCtx, "signal received, shutting down")
		cancel()
		<-sigCh
		logger.ErrorCtx(runCtx, "second signal received, forcing exit")
		os.Exit(exitInterrupted)
	}()

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logger.ErrorCtx(runCtx, "failed to start config watcher", "error", err.Error())
	} else {
		defer watcher.Close()
		changes, watchErrs := watcher.Watch(runCtx)
		go watchConfig(runCtx, logger, changes, watchErrs)
	}

	planeErrCh := make(chan error, 1)
	go func() { planeErrCh <- dataplane.RunAll(runCtx, dp, translator) }()

	serveHTTP(runCtx, logger, "metrics", *metricsAddr, promhttp.Handler())
	serveHTTP(runCtx, logger, "health", *healthAddr, healthHandler(orch))

	interrupted := false
	select {
	case <-runCtx.Done():
		interrupted = true
	case err := <-planeErrCh:
		if err != nil {
			logger.ErrorCtx(ctx, "data plane failed", "error", err.Error())
			cancel()
			if eng.State() == engine.Running || eng.State() == engine.Paused {
				_ = orch.Abort()
				eng.Wait()
			}
			return exitFatal
		}
	}

	if eng.State() == engine.Running || eng.State() == engine.Paused {
		_ = orch.Abort()
		eng.Wait()
	}

	if interrupted {
		return exitInterrupted
	}
	return exitNormal
}

func newLogger(level string) logging.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	base := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	return logging.New(base)
}

func watchConfig(ctx context.Context, logger logging.Logger, changes <-chan config.Change, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			logger.InfoCtx(ctx, "configuration file changed", "checksum", ch.Checksum, "previous_checksum", ch.PreviousChecksum)
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.ErrorCtx(ctx, "configuration watch error", "error", err.Error())
		}
	}
}

// serveHTTP launches handler on addr if addr is non-empty, shutting it down
// when ctx is cancelled. A no-op when addr is empty.
func serveHTTP(ctx context.Context, logger logging.Logger, name, addr string, handler http.Handler) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.InfoCtx(ctx, fmt.Sprintf("%s endpoint listening", name), "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCtx(ctx, fmt.Sprintf("%s endpoint failed", name), "addr", addr, "error", err.Error())
		}
	}()
}

func healthHandler(orch *orchestration.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := orch.QueryStatus()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"run_state":%q,"run_uid":%q}`, status.Run.State, status.Run.RunUID)
	}
}
