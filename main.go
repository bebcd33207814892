package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"netspeed/pkg/config"
	"netspeed/pkg/logging"
	"netspeed/pkg/metrics"
	"netspeed/pkg/orchestrator"
	"netspeed/pkg/speedtest"
	"netspeed/pkg/web"
)

type Application struct {
	config       *config.Config
	logger       *slog.Logger
	orchestrator *orchestrator.OrchestratorImpl
	collector    *metrics.Collector
	registry     *prometheus.Registry
	webServer    *web.Server
	// output receives the final run in one-shot mode
	output io.Writer
	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	app, err := setupApplication(os.Getenv("NETSPEED_CONFIG"))
	if err != nil {
		slog.Error("Failed to setup application", "error", err)
		os.Exit(1)
	}

	if err := app.run(); err != nil {
		app.logger.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func setupApplication(configPath string) (*Application, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log, os.Stderr, cfg.API.Auth.Token)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		"trace_url", cfg.SpeedTest.TraceURL,
		"download_url", cfg.SpeedTest.DownloadURL,
		"test_sizes", strings.Join(cfg.SpeedTest.TestSizes, ","),
		"api_enabled", cfg.API.Enabled)

	tester := speedtest.NewTester(&cfg.SpeedTest, logger)
	app := newApplication(cfg, logger, tester, tester, tester)
	tester.SetMetricsCollector(app.collector)

	return app, nil
}

// newApplication wires the orchestrator, metrics and web server around the
// given measurement stages.
func newApplication(cfg *config.Config, logger *slog.Logger, prober orchestrator.Prober, sampler orchestrator.Sampler, estimator orchestrator.Estimator) *Application {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	orch := orchestrator.NewOrchestrator(prober, sampler, estimator, logger)
	orch.SetMetricsCollector(collector)

	webServer := web.NewServer(cfg, orch, logger)
	webServer.SetMetricsCollector(collector)
	webServer.SetGatherer(registry)

	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config:       cfg,
		logger:       logger,
		orchestrator: orch,
		collector:    collector,
		registry:     registry,
		webServer:    webServer,
		output:       os.Stdout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// newLogger builds the JSON or text handler named in cfg behind the redactor
func newLogger(cfg config.LogConfig, w io.Writer, secrets ...string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	return logging.NewSecureLogger(handler, secrets...), nil
}

func (app *Application) run() error {
	defer app.cancel()

	if !app.config.API.Enabled {
		return app.runOnce()
	}

	var wg sync.WaitGroup
	app.startComponents(&wg)

	app.waitForShutdown()

	app.shutdown(&wg)

	return nil
}

// runOnce performs a single run and writes the final state as JSON. SIGINT
// or SIGTERM cancels in-flight requests; the run still completes with
// whatever was measured.
func (app *Application) runOnce() error {
	ctx, stop := signal.NotifyContext(app.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := app.orchestrator.Start(ctx)
	if err != nil {
		return fmt.Errorf("speed test failed: %w", err)
	}

	encoder := json.NewEncoder(app.output)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(run); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func (app *Application) startComponents(wg *sync.WaitGroup) {
	app.logger.Info("Starting application components")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.webServer.Start(app.ctx); err != nil {
			app.logger.Error("Web server failed to start", "error", err)
			app.cancel()
		}
	}()

	if app.config.SpeedTest.AutoStart {
		app.orchestrator.AutoStart(app.ctx)
	}

	app.logger.Info("All components started successfully")
}

func (app *Application) waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		app.logger.Info("Received shutdown signal", "signal", sig)
	case <-app.ctx.Done():
		app.logger.Info("Context cancelled, shutting down")
	}
}

// shutdown cancels the context, which stops the web server and aborts the
// requests of any run in progress, then waits for the server goroutine and
// for that run to record its final state.
func (app *Application) shutdown(wg *sync.WaitGroup) {
	app.logger.Info("Initiating graceful shutdown")

	app.cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		app.orchestrator.Wait()
		close(done)
	}()

	select {
	case <-done:
		app.logger.Info("Graceful shutdown completed")
	case <-time.After(30 * time.Second):
		app.logger.Warn("Shutdown timeout reached, forcing exit")
	}
}
