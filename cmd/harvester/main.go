package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nwelch/newsharvest/internal/app"
	"github.com/nwelch/newsharvest/internal/config"
	"github.com/nwelch/newsharvest/internal/logging"
	"github.com/nwelch/newsharvest/internal/seed"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	seedPath := flag.String("seed", "", "Path to a candidate CSV to load before the run")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var seeds seed.RowReader
	if *seedPath != "" {
		f, err := os.Open(*seedPath)
		if err != nil {
			fatal(logger, "open seed file failed", err)
		}
		defer f.Close()
		reader, err := seed.NewCSVReader(f)
		if err != nil {
			fatal(logger, "read seed file failed", err)
		}
		seeds = reader
		logger.Info("seeding from file", zap.String("path", *seedPath))
	}

	harvester, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "app init failed", err)
	}

	var srv *http.Server
	if cfg.Server.Enabled {
		srv = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           harvester.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin server started", zap.String("addr", cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server error", zap.Error(err))
				stop()
			}
		}()
	}

	// Run drains the table and returns; an interrupt surfaces as
	// context.Canceled after in-flight URLs get their grace period.
	_, runErr := harvester.Run(ctx, seeds)
	stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown error", zap.Error(err))
		}
		cancel()
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	harvester.Close(closeCtx)
	cancel()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		fatal(logger, "run failed", runErr)
	}
	logger.Info("shutdown complete")
}

// fatal logs, flushes and exits non-zero. Deferred cleanup does not run,
// which is acceptable on the failure paths that use it.
func fatal(logger *zap.Logger, msg string, err error) {
	logger.Error(msg, zap.Error(err))
	_ = logger.Sync()
	os.Exit(1)
}
