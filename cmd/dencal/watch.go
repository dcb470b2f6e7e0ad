package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oyanagi/dencal/internal/ledger"
	"github.com/oyanagi/dencal/internal/storage"
	"github.com/oyanagi/dencal/internal/watcher"
	"github.com/oyanagi/dencal/internal/web"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a directory and process new calendar photos",
	Long: `Watch the monitored directory and feed every new image through the
pipeline. Processed files are remembered by content hash, so renaming or
re-copying a photo does not trigger a second run.

Examples:
  dencal watch
  dencal watch --path ~/Dropbox/calendar --once
  dencal watch --cron "0 7 * * *"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if path, _ := cmd.Flags().GetString("path"); path != "" {
			cfg.Workflow.MonitorPath = path
		}
		once, _ := cmd.Flags().GetBool("once")
		once = once || cfg.Workflow.MonitorOnce
		if cronSpec, _ := cmd.Flags().GetString("cron"); cronSpec != "" {
			cfg.Workflow.Cron = cronSpec
		}
		if interval, _ := cmd.Flags().GetInt("interval"); interval > 0 {
			cfg.Workflow.IntervalSeconds = interval
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		dryRun = dryRun || cfg.Workflow.DryRun

		if cfg.Workflow.MonitorPath == "" {
			return fmt.Errorf("no monitor path configured (set workflow.monitor_path or --path)")
		}
		if info, err := os.Stat(cfg.Workflow.MonitorPath); err != nil || !info.IsDir() {
			return fmt.Errorf("monitor path %s is not a directory", cfg.Workflow.MonitorPath)
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		orch, err := buildOrchestrator(cfg, dryRun, store)
		if err != nil {
			return err
		}
		orch.SetTrigger("watch")

		led := ledger.Open(cfg.LedgerPath(), slog.Default())

		var opts []watcher.Option
		if cfg.Workflow.Cron != "" {
			opts = append(opts, watcher.WithCronSchedule(cfg.Workflow.Cron))
		}
		w := watcher.New(orch, led, cfg.Workflow.MonitorPath, cfg.Interval(), slog.Default(), opts...)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if once {
			n, err := w.RunOnce(ctx)
			if err != nil {
				return err
			}
			printSuccess("Processed %d new images", n)
			return nil
		}

		// Optional read-only status API alongside the watcher.
		var srv *http.Server
		if cfg.Server.Enabled {
			handler := web.NewHandler(web.Deps{Store: store, Ledger: led, Version: version})
			addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
			srv = &http.Server{Addr: addr, Handler: handler}
			go func() {
				slog.Info("status API listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					slog.Error("status API failed", "error", err)
				}
			}()
		}

		slog.Info("watching for new images",
			"path", cfg.Workflow.MonitorPath, "interval", cfg.Interval(), "cron", cfg.Workflow.Cron, "dry_run", dryRun)
		err = w.Run(ctx)

		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}

		if err != nil && err != context.Canceled {
			return err
		}
		fmt.Fprintln(os.Stderr, "shutting down...")
		return nil
	},
}

func init() {
	watchCmd.Flags().String("path", "", "directory to monitor (overrides config)")
	watchCmd.Flags().Bool("once", false, "scan once and exit")
	watchCmd.Flags().String("cron", "", "cron schedule instead of fixed-interval polling")
	watchCmd.Flags().Int("interval", 0, "polling interval in seconds (overrides config)")
	watchCmd.Flags().Bool("dry-run", false, "analyze and report without touching calendars")
}
