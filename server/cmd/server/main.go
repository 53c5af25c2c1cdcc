package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/audit"
	"github.com/renderfleet/renderfleet/server/internal/config"
	"github.com/renderfleet/renderfleet/server/internal/database"
	"github.com/renderfleet/renderfleet/server/internal/dispatcher"
	"github.com/renderfleet/renderfleet/server/internal/events"
	"github.com/renderfleet/renderfleet/server/internal/handler"
	"github.com/renderfleet/renderfleet/server/internal/jobs"
	"github.com/renderfleet/renderfleet/server/internal/ledger"
	"github.com/renderfleet/renderfleet/server/internal/logfile"
	"github.com/renderfleet/renderfleet/server/internal/logger"
	"github.com/renderfleet/renderfleet/server/internal/service"
	"github.com/renderfleet/renderfleet/server/internal/store"
	"github.com/renderfleet/renderfleet/server/internal/version"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.LogFile != "" {
		if err := logfile.Truncate(cfg.LogFile, logfile.DefaultMaxSize, logfile.DefaultKeepSize); err != nil {
			log.Printf("Failed to truncate log file: %v", err)
		}
		if err := logfile.RedirectStdoutStderr(cfg.LogFile); err != nil {
			log.Fatalf("Failed to redirect output to log file: %v", err)
		}
	}

	zl := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, zl *zap.Logger) error {
	zl.Info("renderfleet server", zap.String("version", version.Get()))

	// Connect to database
	db, err := database.New(cfg, zl)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	zl.Info("running database migrations", zap.String("driver", db.Driver))
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	s := store.New(db.DB)
	l := ledger.New(s, zl)
	poller := events.NewPoller(s, events.DefaultPollerConfig(), zl)
	if err := poller.Start(context.Background()); err != nil {
		return fmt.Errorf("start event poller: %w", err)
	}
	defer poller.Stop()

	sink := audit.NewRecorder(s, zl).WithNotifier(poller)
	manager := dispatcher.NewManager(s, l, sink, jobs.RefBuilder{}, dispatcher.Options{
		LeaseDuration:      cfg.LeaseDuration,
		DefaultMaxAttempts: cfg.MaxAttempts,
		ReclaimBatchSize:   cfg.ReclaimBatchSize,
		AutoApproveWorkers: cfg.AutoApproveWorkers,
		Logger:             zl,
	})

	// Reclaim sweeper; polls reclaim lazily, this keeps reclamation prompt when idle
	var sweeper *dispatcher.Service
	if cfg.DispatcherEnabled {
		sweeper = dispatcher.NewService(s, manager, cfg, zl)
		sweeper.Start(context.Background())
		zl.Info("reclaim sweeper started", zap.String("server_id", sweeper.ServerID()))
	} else {
		zl.Info("reclaim sweeper disabled")
	}

	h := handler.New(
		manager,
		l,
		service.NewSubmissionService(s, l, manager, zl),
		service.NewWorkerService(s, sink, zl),
		events.NewBroker(s, poller),
		zl,
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler.NewRouter(h, cfg, zl),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Shutdown waits for open event streams; closing the subscribers ends them.
	srv.RegisterOnShutdown(poller.Stop)

	errCh := make(chan error, 1)
	go func() {
		zl.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		zl.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zl.Warn("server forced to shutdown", zap.Error(err))
	}

	if sweeper != nil {
		sweeper.Stop()
	}

	zl.Info("server stopped")
	return nil
}
