// Package main is the entry point for the render worker agent.
// The agent polls the dispatch server for leases, runs the render command
// for each one, and hands leases back when the host is being interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"

	agentapi "github.com/renderfleet/renderfleet/agent/internal/api"
	"github.com/renderfleet/renderfleet/agent/internal/client"
	"github.com/renderfleet/renderfleet/agent/internal/config"
	"github.com/renderfleet/renderfleet/agent/internal/interrupt"
	"github.com/renderfleet/renderfleet/agent/internal/logger"
	"github.com/renderfleet/renderfleet/agent/internal/runner"
)

func main() {
	configFile := flag.String("config", config.DefaultPath(), "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Close() }()

	if err := run(cfg, log); err != nil {
		log.Error("agent exited", "error", err)
		_ = log.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	// SIGINT stops the agent; SIGTERM is an interruption and is handled by
	// the watcher.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := exec.LookPath(cfg.Render.Command[0]); err != nil {
		return fmt.Errorf("render command: %w", err)
	}

	watcher := interrupt.NewWatcher(cfg.Interrupts.NoticeDir, log)
	notices, err := watcher.Start(ctx)
	if err != nil {
		return fmt.Errorf("start interrupt watcher: %w", err)
	}

	api := client.New(cfg.Server.URL, cfg.Worker.ID, cfg.Server.RequestTimeout)
	r := runner.New(api, runner.Options{
		MaxConcurrency:    cfg.Worker.MaxConcurrency,
		Stages:            cfg.Worker.Stages,
		Workflows:         cfg.Worker.Workflows,
		Provider:          cfg.Worker.Provider,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Command:           cfg.Render.Command,
		WorkDir:           cfg.Render.WorkDir,
		RenderTimeout:     cfg.Render.Timeout,
	}, log)

	if cfg.Control.Addr != "" {
		srv := agentapi.New(r, cfg.Worker.ID, log).NewHTTPServer(cfg.Control.Addr)
		go func() {
			log.Info("control api started", "addr", cfg.Control.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("control api error", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	log.Info("agent starting",
		"server", cfg.Server.URL,
		"worker_id", cfg.Worker.ID,
		"max_concurrency", cfg.Worker.MaxConcurrency,
		"notice_dir", cfg.Interrupts.NoticeDir,
	)

	if err := r.Run(ctx, notices); err != nil {
		return err
	}

	log.Info("shutdown complete")
	return nil
}
