package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/chatrelay/internal/scheduler"
	"github.com/user/chatrelay/internal/status"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	app, err := buildRelay(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relayErr := make(chan error, 1)
	go func() { relayErr <- app.service.Run(ctx) }()

	logger.Info("chatrelay started",
		"platform", cfg.Adapter.PlatformID,
		"ws_url", cfg.Connection.WSURL,
		"backend_url", cfg.Connection.BackendURL,
		"poll_interval", cfg.Adapter.Interval(),
		"db_driver", cfg.Database.Driver,
		"pid_file", pidPath,
	)

	sched := scheduler.New(logger)
	if cfg.Report.Schedule != "" {
		err := sched.Add("stats-report", cfg.Report.Schedule, func() {
			logger.Info("relay stats", "connected", app.service.Connected(), "stats", app.stats.Snapshot())
		})
		if err != nil {
			logger.Error("stats report disabled", "error", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	if cfg.HTTP.Enabled {
		srv := status.NewServer(app.service, app.groups, app.journal, logger)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server error", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-relayErr:
			if err != nil {
				return fmt.Errorf("relay: %w", err)
			}
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, restarting")
				return reexec(app, cancel, pidPath, logger)
			}
			logger.Info("shutting down", "signal", sig)
			cancel()
			app.service.Stop()
			return nil
		}
	}
}

// reexec stops the relay and replaces the process with a fresh copy of
// itself. It only returns if the exec fails.
func reexec(app *relayApp, cancel context.CancelFunc, pidPath string, logger *slog.Logger) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	cancel()
	app.service.Stop()
	app.Close()
	os.Remove(pidPath)

	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		logger.Error("failed to re-exec", "error", err)
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
