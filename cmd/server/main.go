package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/moodloop/moodloop/internal/aggregate"
	"github.com/moodloop/moodloop/internal/cadence"
	"github.com/moodloop/moodloop/internal/config"
	"github.com/moodloop/moodloop/internal/handlers"
	"github.com/moodloop/moodloop/internal/inference"
	"github.com/moodloop/moodloop/internal/logging"
	"github.com/moodloop/moodloop/internal/pipeline"
	"github.com/moodloop/moodloop/internal/vision"
)

// Model input geometry and normalization for the emotion classifier.
const (
	inputSize = 224
	normMean  = 0.5
	normStd   = 0.5
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer log.Sync()

	model, err := os.ReadFile(cfg.Model.Path)
	if err != nil {
		return fmt.Errorf("read model: %w", err)
	}
	log.Infow("model payload read", "path", cfg.Model.Path, "bytes", len(model))

	cache, err := inference.NewCache(cfg.Model.CacheDir, log)
	if err != nil {
		return fmt.Errorf("open model cache: %w", err)
	}

	backend := inference.NewORTBackend(cfg.Model.LibraryPath, log)
	resource := inference.New(backend, cache, log)
	hint := inference.ParseHint(cfg.Model.Acceleration)

	// Load eagerly so the first request doesn't pay for it. A failure here
	// is not fatal: the pipeline retries on demand.
	if err := resource.Load(model, hint); err != nil {
		log.Warnw("initial model load failed, will retry on first frame", "error", err)
	} else {
		log.Infow("model loaded", "state", resource.State().String())
	}

	pre := pipeline.NewPreprocessor(inputSize,
		[3]float32{normMean, normMean, normMean},
		[3]float32{normStd, normStd, normStd},
		vision.NewTensorPool())

	pipe := pipeline.New(resource, vision.FullFrameLocator{}, pre, model, hint, log)
	pipe.SetPadding(cfg.Detection.Padding)
	pipe.SetFailureThreshold(cfg.Detection.FailureThreshold)

	hub := handlers.NewHub(log)
	player := cadence.NewLogPlayer(log)
	agg := aggregate.New(cfg.Window(), cfg.Cadence.Gate, cfg.Cadence.MinSamples)
	scheduler := cadence.NewScheduler(cadence.Config{
		Window:           cfg.Window(),
		PlaybackDuration: cfg.Playback(),
		Debounce:         cfg.Debounce(),
	}, agg, player, hub.Broadcast, log)
	defer scheduler.Stop()

	analyzer := pipeline.NewAnalyzer(pipe, cfg.Throttle(), scheduler.OnResult, log)

	handler := handlers.NewHandler(resource, analyzer, scheduler, hub, log)
	mux := http.NewServeMux()
	handler.Register(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		log.Infow("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warnw("shutdown timed out", "error", err)
	}

	scheduler.Stop()
	resource.Unload()
	return nil
}
