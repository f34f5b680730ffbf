// Command carousel captures the configured dashboards in headless Chrome on
// a rotating schedule and serves the images and capture progress over HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/hazyhaar/carousel/api"
	"github.com/hazyhaar/carousel/browser"
	"github.com/hazyhaar/carousel/capture"
	"github.com/hazyhaar/carousel/config"
	"github.com/hazyhaar/carousel/history"
	"github.com/hazyhaar/carousel/observability"
	"github.com/hazyhaar/carousel/placeholder"
	"github.com/hazyhaar/carousel/rotation"
	"github.com/hazyhaar/carousel/target"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		return 1
	}
	lvl, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	process := observability.NewProcess()

	targets := cfg.Targets()
	if len(targets) == 0 {
		logger.Warn("no dashboards configured, serving an empty carousel", "env", "DASHBOARD_URLS")
	}
	if err := target.Validate(targets); err != nil {
		logger.Warn("dashboard urls will fail to load", "error", err)
	}
	for _, t := range targets {
		logger.Info("target", "id", t.ID, "url", t.URL)
	}

	// History is optional: a broken database costs the log, not the carousel.
	var store *history.Store
	if cfg.HistoryDB != "" {
		store, err = history.Open(cfg.HistoryDB, logger)
		if err != nil {
			logger.Warn("history disabled", "path", cfg.HistoryDB, "error", err)
			store = nil
		} else {
			defer store.Close()
			if err := store.StartPruner(ctx, cfg.HistoryRetain); err != nil {
				logger.Warn("history pruner", "error", err)
			}
		}
	}

	state := rotation.NewStateStore(cfg.StateFile)
	tracker := rotation.NewTracker(len(targets))

	manager := browser.NewManager(browser.Config{
		Driver:       newDriver(cfg, logger),
		Profile:      cfg.Profile(),
		RecycleAfter: cfg.RecycleAfter,
		Logger:       logger,
	})

	recorders := []capture.Recorder{tracker}
	if store != nil {
		recorders = append(recorders, store)
	}
	opts := cfg.CaptureOptions()
	exec := capture.New(cfg.ShotsDir, opts, capture.MultiRecorder(recorders...), logger)

	sched := rotation.New(cfg.Rotation(), targets, exec, manager, state, tracker, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("rotation start", "error", err)
		return 1
	}

	crop := capture.CropRegion(opts.Viewport)
	deps := api.Deps{
		Targets:   targets,
		ShotsDir:  cfg.ShotsDir,
		StaticDir: cfg.StaticDir,
		Progress:  tracker,
		State:     state,
		Placeholders: placeholder.NewCache(
			int(float64(crop.Width)*crop.Scale),
			int(float64(crop.Height)*crop.Scale),
		),
		Process:  process,
		Sessions: manager,
		Schedule: sched,
		MCP:      cfg.MCPEnabled,
		CrashDir: cfg.CrashDir,
		Logger:   logger,
	}
	if store != nil {
		deps.History = store
	}
	if cfg.DiagnosticsHash != "" {
		deps.DiagnosticsHash = []byte(cfg.DiagnosticsHash)
	}
	server := api.New(deps)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		logger.Error("listen", "addr", cfg.Addr(), "error", err)
		return 1
	}
	ln = netutil.LimitListener(ln, cfg.MaxConnections)

	srv := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("carousel listening", "addr", cfg.Addr(), "targets", len(targets),
			"mode", cfg.CaptureMode, "driver", cfg.BrowserDriver, "pid", process.PID)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		logger.Error("server error", "error", err)
	}

	return shutdown(logger, cfg.ShutdownTimeout, sched, manager, srv)
}

// shutdown flushes the checkpoint, closes the browser and drains HTTP, all
// within timeout. It returns the process exit code.
func shutdown(logger *slog.Logger, timeout time.Duration, sched *rotation.Scheduler, manager *browser.Manager, srv *http.Server) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// A close that ignores its context must not keep the process alive.
	force := time.AfterFunc(timeout+time.Second, func() {
		logger.Error("shutdown timed out, forcing exit")
		os.Exit(1)
	})
	defer force.Stop()

	code := 0
	if err := sched.Stop(ctx); err != nil {
		logger.Error("rotation stop", "error", err)
		code = 1
	}
	if err := manager.Close(ctx); err != nil {
		logger.Error("browser close", "error", err)
		code = 1
	}
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", "error", err)
		code = 1
	}
	logger.Info("carousel stopped", "exit_code", code)
	return code
}

func newDriver(cfg config.Config, logger *slog.Logger) browser.Driver {
	if cfg.BrowserDriver == config.DriverChromedp {
		return &browser.ChromedpDriver{Bin: cfg.ChromeBin, RemoteURL: cfg.ChromeRemote, Logger: logger}
	}
	return &browser.RodDriver{
		Bin:       cfg.ChromeBin,
		RemoteURL: cfg.ChromeRemote,
		Stealth:   cfg.Stealth,
		Logger:    logger,
	}
}
