package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/threadclaw/pkg/threadclaw/audit"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/channels"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/gateway"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/relay"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/scheduler"
	"github.com/jholhewres/threadclaw/pkg/threadclaw/session"
)

// newServeCmd creates the `threadclaw serve` command that runs the relay.
func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect every configured bot and answer mentions",
		Long: `Start threadclaw as a daemon: connect one transport per configured bot,
relay mentions to the Claude Code CLI and reply in the thread.

Examples:
  threadclaw serve
  threadclaw serve --config ./threadclaw.yaml -v`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd, nil)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(os.Stdout, cfg.Logging, verbose)
	logger.Info("config loaded", "path", configPath, "bots", len(cfg.Bots))

	// ── Bots ──
	bindings, err := buildBindings(cfg, logger)
	if err != nil {
		return err
	}

	// ── Audit log ──
	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Orchestrator ──
	store := session.New()
	opts := relay.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	}
	if auditLog != nil {
		opts.Audit = auditLog
	}
	orch := relay.New(store, opts)

	// ── Transports ──
	manager := channels.NewManager(logger)
	for name, b := range bindings {
		if err := manager.Register(name, b.Transport); err != nil {
			return err
		}
	}

	// ── Scheduler ──
	sched := scheduler.New(logger)
	if err := sched.Add(scheduler.JobSessionStats, cfg.StatsSchedule, scheduler.SessionStats(store, orch, logger)); err != nil {
		return fmt.Errorf("stats_schedule: %w", err)
	}
	if auditLog != nil {
		if err := sched.Add(scheduler.JobAuditPrune, scheduler.PruneSchedule, scheduler.AuditPrune(auditLog, cfg.Audit.RetentionDays, logger)); err != nil {
			return err
		}
	}

	orch.Start(ctx)
	if err := manager.Start(ctx); err != nil {
		orch.Stop()
		manager.Stop()
		return fmt.Errorf("starting transports: %w", err)
	}

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		orch.Dispatch(ctx, manager.Mentions(), bindings)
	}()

	sched.Start(ctx)

	// ── Gateway ──
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gwOpts := gateway.Options{
			Address:  cfg.Gateway.Address,
			Version:  version,
			Health:   manager,
			Sessions: store,
			Pool:     orch,
			Logger:   logger,
		}
		if auditLog != nil {
			gwOpts.Audit = auditLog
		}
		gw = gateway.New(gwOpts)
		if err := gw.Start(ctx); err != nil {
			logger.Error("failed to start gateway", "error", err)
			gw = nil
		}
	}

	// ── Wait for shutdown ──
	logger.Info("threadclaw running. Press Ctrl+C to stop.",
		"bots", manager.Bots(),
		"workers", cfg.Workers)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down", "active_sessions", store.Len())

	manager.Stop()
	orch.Stop()
	<-dispatchDone
	if orch.Wait(cfg.ShutdownTimeout) {
		logger.Info("all requests finished")
	}

	sched.Stop()
	if gw != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		_ = gw.Stop(shutdownCtx)
		cancelShutdown()
	}

	logger.Info("shutdown complete", "active_sessions", store.Len())
	return nil
}
