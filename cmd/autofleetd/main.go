package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autofleet/internal/agent"
	"autofleet/internal/api"
	"autofleet/internal/config"
	"autofleet/internal/core"
	"autofleet/internal/logging"
	autofleetmcp "autofleet/internal/mcp"
	"autofleet/internal/store"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.DB.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	var exec core.Agent
	if cfg.Agent.Mock {
		logger.Warn("mock agent enabled, no real devices will be driven")
		exec = agent.NewScriptAgent(2 * time.Second)
	} else {
		httpAgent, err := agent.NewHTTPAgent(cfg.Agent.BaseURL, cfg.Agent.APIKey, cfg.Agent.Model)
		if err != nil {
			logger.Error("create agent", "err", err)
			os.Exit(1)
		}
		exec = httpAgent
	}

	var prober core.Prober
	if cfg.ProbeDevices && !cfg.Agent.Mock {
		prober = agent.ADBProber
	}

	queue := core.NewTaskQueue(cfg.Dispatch.QueueCapacity)
	pool := core.NewDevicePool(prober)
	ledger := store.NewLedger(storeInst, logger, 0)
	dispatcher := core.NewDispatcher(queue, pool, exec, ledger, logger, core.Defaults{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Timeout:     cfg.Dispatch.Timeout,
		Policy: &core.ExponentialBackoff{
			Base: cfg.Dispatch.BackoffBase,
			Max:  cfg.Dispatch.BackoffMax,
		},
	})
	trigger := core.NewTrigger(storeInst, dispatcher, logger, location)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	dispatcher.Start(ctx)

	for _, deviceID := range cfg.Devices {
		if _, err := dispatcher.RegisterDevice(ctx, deviceID); err != nil {
			logger.Error("register device", "device", deviceID, "err", err)
		}
	}

	if cfg.JobsFile != "" {
		if err := loadJobs(ctx, cfg.JobsFile, storeInst, logger); err != nil {
			logger.Error("load jobs file", "path", cfg.JobsFile, "err", err)
			os.Exit(1)
		}
	}

	trigger.Start(ctx)
	if err := trigger.Sync(ctx); err != nil {
		logger.Error("initial sync", "err", err)
	}

	switch cfg.Mode {
	case "http", "":
		runHTTPMode(cfg, storeInst, dispatcher, trigger, logger, location, cancel)
	case "mcp":
		runMCPMode(cfg, storeInst, dispatcher, trigger, logger, location, cancel)
	case "both":
		runBothMode(cfg, storeInst, dispatcher, trigger, logger, location, cancel)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"http", "mcp", "both"})
		os.Exit(1)
	}
}

// loadJobs registers declarative job definitions from a YAML file.
// Existing jobs with the same name are replaced so the file stays the
// source of truth across restarts.
func loadJobs(ctx context.Context, path string, st *store.Store, logger *slog.Logger) error {
	jobs, err := config.LoadJobsFile(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		job.CreatedAt = now
		job.UpdatedAt = now
		err := st.InsertJob(ctx, job)
		if errors.Is(err, core.ErrJobExists) {
			err = st.ReplaceJob(ctx, job)
		}
		if err != nil {
			return err
		}
		logger.Info("job loaded", "job", job.Name, "schedule", job.Schedule, "status", job.Status)
	}
	return nil
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, st *store.Store, dispatcher *core.Dispatcher, trigger *core.Trigger, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, dispatcher, trigger, logger, location,
		cfg.Server.SubmitRate, cfg.Server.SubmitBurst)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	stopEngine(cfg, dispatcher, trigger, logger, cancel)
}

// runMCPMode starts only the MCP server.
func runMCPMode(cfg *config.Config, st *store.Store, dispatcher *core.Dispatcher, trigger *core.Trigger, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpServer := autofleetmcp.NewMCPServer(st, dispatcher, trigger, logger, location)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		stopEngine(cfg, dispatcher, trigger, logger, cancel)
		os.Exit(0)
	}()

	// Blocks until stdin closes.
	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
	stopEngine(cfg, dispatcher, trigger, logger, cancel)
}

// runBothMode starts both HTTP and MCP servers.
func runBothMode(cfg *config.Config, st *store.Store, dispatcher *core.Dispatcher, trigger *core.Trigger, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpServer := autofleetmcp.NewMCPServer(st, dispatcher, trigger, logger, location)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, st, dispatcher, trigger, logger, location,
		cfg.Server.SubmitRate, cfg.Server.SubmitBurst)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	stopEngine(cfg, dispatcher, trigger, logger, cancel)
	logger.Info("shutdown complete")
}

// stopEngine stops the trigger first so nothing new is submitted, then
// drains the dispatcher within the grace period.
func stopEngine(cfg *config.Config, dispatcher *core.Dispatcher, trigger *core.Trigger, logger *slog.Logger, cancel context.CancelFunc) {
	stopCtx := trigger.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("trigger stop timed out")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer drainCancel()
	dispatcher.Stop(drainCtx)
	cancel()
}
