package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"remotenode/internal/api"
	"remotenode/internal/config"
	"remotenode/internal/core"
	"remotenode/internal/logging"
	remotenodemcp "remotenode/internal/mcp"
	"remotenode/internal/metrics"
	"remotenode/internal/notify"
	"remotenode/internal/pidfile"
	"remotenode/internal/store"
)

const (
	exitOK             = 0
	exitFailure        = 1
	exitAlreadyRunning = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse()
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		log.Printf("failed to parse config: %v", err)
		return exitFailure
	}

	// stdout carries the MCP protocol in stdio mode
	logger := logging.New(cfg.Log.Level)
	if cfg.MCP {
		logger = logging.NewWithWriter(cfg.Log.Level, os.Stderr)
	}
	slog.SetDefault(logger)

	actions, err := config.LoadActions(cfg.ActionsPath)
	if err != nil {
		logger.Error("load actions", "path", cfg.ActionsPath, "err", err)
		return exitFailure
	}

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Nothing shared with a running instance is touched before the lock is held.
	guard, err := pidfile.Acquire(cfg.PIDFile)
	if errors.Is(err, pidfile.ErrAlreadyRunning) {
		logger.Error("another instance is running", "pid_file", cfg.PIDFile, "err", err)
		return exitAlreadyRunning
	}
	if err != nil {
		logger.Error("acquire pid file", "pid_file", cfg.PIDFile, "err", err)
		return exitFailure
	}
	defer guard.Release()

	storeInst, err := store.Open(ctx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		logger.Error("open store", "state_dir", cfg.StateDir, "err", err)
		return exitFailure
	}
	defer storeInst.Close()

	collector := metrics.NewCollector()
	reporters := core.MultiReporter{store.NewReporter(storeInst, logger), collector}
	if alerter := newAlerter(cfg, logger); alerter != nil {
		reporters = append(reporters, alerter)
	}

	scheduler := core.NewScheduler(actions, core.NewRegistry(), reporters, logger, core.Options{
		PIDFile:       cfg.PIDFile,
		Guard:         guard,
		StartWhenFail: cfg.StartWhenFail,
		ShutdownGrace: cfg.ShutdownGrace,
		Location:      location,
		HealthCheck:   core.CheckCommandPaths,
		Deps:          core.Deps{Logger: logger, CommandTimeout: cfg.CommandTimeout},
	})
	if err := scheduler.Initialize(ctx); err != nil {
		logger.Error("initialize scheduler", "err", err)
		return exitFailure
	}
	collector.WatchPlanner(scheduler)

	mcpServer := remotenodemcp.NewMCPServer(scheduler, storeInst, logger, location)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the other goroutines follow the scheduler down
		defer cancel()
		return scheduler.Run(gctx)
	})

	if cfg.HTTPEnabled() {
		server, err := api.NewServer(api.Options{
			Addr:      cfg.Server.Addr,
			AuthToken: cfg.Server.AuthToken,
			Planner:   scheduler,
			History:   storeInst,
			Metrics:   collector.Handler(),
			MCP:       mcpServer,
			Logger:    logger,
			Location:  location,
		})
		if err != nil {
			logger.Error("create server", "err", err)
			return exitFailure
		}
		g.Go(func() error {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown", "err", err)
			}
			return nil
		})
	}

	if cfg.MCP {
		// ServeStdio blocks on stdin and is not cancellable, so it stays outside the group.
		go func() {
			if err := mcpServer.Run(); err != nil {
				logger.Error("mcp server error", "err", err)
			}
			scheduler.Stop()
		}()
	}

	err = g.Wait()
	switch {
	case err == nil:
		logger.Info("shutdown complete")
		return exitOK
	default:
		logger.Error("scheduler stopped", "err", err, "fatal", core.KindOf(err) == core.KindFatal)
		return exitFailure
	}
}

func newAlerter(cfg *config.Config, logger *slog.Logger) *notify.Alerter {
	if !cfg.Notification.Bark.Enabled {
		return nil
	}
	bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
	if err != nil {
		logger.Warn("bark notifications disabled", "err", err)
		return nil
	}
	return notify.NewAlerter(notify.NewMultiNotifier(bark), cfg.Notification.AlertInterval, logger)
}
