package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oyanagi/dencal/internal/calendar"
	"github.com/oyanagi/dencal/internal/cleanup"
	"github.com/oyanagi/dencal/internal/config"
	"github.com/oyanagi/dencal/internal/ics"
	"github.com/oyanagi/dencal/internal/ledger"
	"github.com/oyanagi/dencal/internal/notify"
	"github.com/oyanagi/dencal/internal/reconcile"
	"github.com/oyanagi/dencal/internal/storage"
	"github.com/oyanagi/dencal/internal/vision"
	"github.com/oyanagi/dencal/internal/workflow"
)

// buildOrchestrator wires the pipeline from configuration. store may be nil.
func buildOrchestrator(cfg config.Config, dryRun bool, store *storage.Store) (*workflow.Orchestrator, error) {
	if cfg.Vision.APIKey == "" {
		return nil, fmt.Errorf("vision API key is not configured (set DENCAL_VISION_API_KEY)")
	}

	accounts := cfg.EnabledAccounts()
	if len(accounts) == 0 && !dryRun {
		return nil, fmt.Errorf("no enabled accounts configured")
	}

	visionClient := vision.New(cfg.Vision.BaseURL, cfg.Vision.APIKey, cfg.Vision.Model, vision.DefaultRetryPolicy())

	calClient := calendar.NewClient(accounts, cfg.Workflow.Timezone)
	engine := reconcile.NewEngine(
		calClient, accounts, cfg.Location(),
		cfg.Workflow.EventTitle, cfg.Workflow.EventDescription,
		slog.Default(),
	)

	var mailer workflow.MailPort
	if cfg.Gmail.Enabled && cfg.Gmail.DefaultRecipient != "" {
		mailer = notify.NewMailer(cfg.Gmail.TokenFile, cfg.Gmail.From, cfg.Gmail.DefaultRecipient)
	}

	var runStore workflow.RunStore
	if store != nil {
		runStore = store
	}

	return workflow.New(
		visionClient, engine, mailer, runStore,
		accounts, cfg.Workflow.EventTitle, dryRun, slog.Default(),
	), nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <image> [image...]",
	Short: "Process one or more calendar photos",
	Long: `Process calendar photos in one run: analyze each with the vision model,
union the detected days, and create events on all enabled accounts.

Examples:
  dencal run ~/Pictures/calendar_march.jpg
  dencal run march.jpg april.jpg --dry-run
  dencal run photo.jpg --title "夜勤"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		dryRun = dryRun || cfg.Workflow.DryRun
		if title, _ := cmd.Flags().GetString("title"); title != "" {
			cfg.Workflow.EventTitle = title
		}
		if desc, _ := cmd.Flags().GetString("description"); desc != "" {
			cfg.Workflow.EventDescription = desc
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

		result, err := orch.ProcessImages(cmd.Context(), args)
		if err != nil {
			return err
		}
		if !result.Success {
			printWarning("No dates detected")
			for _, img := range result.Images {
				for _, rej := range img.Analysis.Rejected {
					printStatus("Rejected", "day %d (%s)", rej.Day, rej.Reason)
				}
			}
			return fmt.Errorf("run %s found no dates", result.RunID)
		}

		summary := result.Reconciliation.Summarize()
		if dryRun {
			printWarning("Dry run: no events were created")
		}
		printSuccess("Run %s finished", result.RunID)
		printStatus("Dates", "%v", result.Dates)
		printStatus("Created", "%d", summary.Created)
		printStatus("Skipped", "%d", summary.Skipped)
		if summary.Errors > 0 {
			printError("%d account/date pairs failed, see 'dencal history show %s'", summary.Errors, result.RunID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("dry-run", false, "analyze and report without touching calendars")
	runCmd.Flags().String("title", "", "event title (default: configured event_title)")
	runCmd.Flags().String("description", "", "event description (default: configured event_description)")
}

// --- cleanup ---

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove duplicate marker events for a month",
	Long: `Scan every enabled account for days carrying the marker event more than
once and delete the extras. Without --apply only the plan is printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		year, _ := cmd.Flags().GetInt("year")
		month, _ := cmd.Flags().GetInt("month")
		keepLast, _ := cmd.Flags().GetBool("keep-last")
		apply, _ := cmd.Flags().GetBool("apply")
		accountKey, _ := cmd.Flags().GetString("account")

		now := time.Now().In(cfg.Location())
		if year == 0 {
			year = now.Year()
		}
		if month == 0 {
			month = int(now.Month())
		}
		if month < 1 || month > 12 {
			return fmt.Errorf("invalid month %d", month)
		}

		accounts := cfg.EnabledAccounts()
		if accountKey != "" {
			filtered := accounts[:0]
			for _, acct := range accounts {
				if acct.Key == accountKey {
					filtered = append(filtered, acct)
				}
			}
			if len(filtered) == 0 {
				return fmt.Errorf("no enabled account with key %q", accountKey)
			}
			accounts = filtered
		}
		if len(accounts) == 0 {
			return fmt.Errorf("no enabled accounts configured")
		}

		keep := cleanup.KeepFirst
		if keepLast {
			keep = cleanup.KeepLast
		}

		calClient := calendar.NewClient(accounts, cfg.Workflow.Timezone)
		cleaner := cleanup.New(calClient, accounts, cfg.Location(), cfg.Workflow.EventTitle, slog.Default())

		plan, err := cleaner.Plan(cmd.Context(), year, month, keep)
		if err != nil {
			return err
		}
		if plan.Total() == 0 {
			printSuccess("No duplicates found for %d-%02d", year, month)
			return nil
		}

		for key, deletions := range plan.Accounts {
			printStep("%s: %d duplicates", key, len(deletions))
			for _, d := range deletions {
				printStatus(d.Date, "%s", d.EventID)
			}
		}

		if !apply {
			printWarning("Preview only. Re-run with --apply to delete %d events.", plan.Total())
			return nil
		}

		deleted, err := cleaner.Apply(cmd.Context(), plan)
		if err != nil {
			return fmt.Errorf("after deleting %d events: %w", deleted, err)
		}
		printSuccess("Deleted %d duplicate events", deleted)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Int("year", 0, "target year (default: current)")
	cleanupCmd.Flags().Int("month", 0, "target month 1-12 (default: current)")
	cleanupCmd.Flags().Bool("keep-last", false, "keep the newest duplicate instead of the oldest")
	cleanupCmd.Flags().Bool("apply", false, "actually delete instead of previewing")
	cleanupCmd.Flags().String("account", "", "limit to one account key")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect past pipeline runs",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		runs, err := store.ListRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			status := colorize(colorGreen, "ok")
			if !r.Success {
				status = colorize(colorRed, "failed")
			}
			if r.DryRun {
				status += colorize(colorYellow, " (dry)")
			}
			images := ""
			if len(r.Images) > 0 {
				images = r.Images[0].Path
				if len(r.Images) > 1 {
					images = fmt.Sprintf("%s (+%d more)", images, len(r.Images)-1)
				}
			}
			fmt.Printf("%s  %s  %s  %d dates  %s\n",
				colorize(colorCyan, r.ID[:8]),
				r.StartedAt.In(cfg.Location()).Format("2006-01-02 15:04"),
				status,
				len(r.Dates),
				images,
			)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one run with its per-account outcomes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		run, err := store.GetRun(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}
		outcomes, err := store.ListOutcomes(run.ID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"run": run, "outcomes": outcomes})
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run's created events as an iCalendar file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		run, err := store.GetRun(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("run %s not found", args[0])
		}
		if err != nil {
			return err
		}
		outcomes, err := store.ListOutcomes(run.ID)
		if err != nil {
			return err
		}

		doc, err := ics.Export(run, outcomes, cfg.Workflow.EventTitle)
		if err != nil {
			return err
		}

		if output == "" {
			fmt.Print(doc)
			return nil
		}
		if err := os.WriteFile(output, []byte(doc), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		printSuccess("Exported to %s", output)
		return nil
	},
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of runs to list")
	historyExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyExportCmd)
}

// --- ledger ---

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect or reset the processed-file ledger",
}

var ledgerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List processed files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		led := ledger.Open(cfg.LedgerPath(), slog.Default())
		records := led.Entries()
		if len(records) == 0 {
			fmt.Println("Ledger is empty.")
			return nil
		}

		for _, rec := range records {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, rec.Hash[:12]),
				rec.ProcessedAt.In(cfg.Location()).Format("2006-01-02 15:04"),
				rec.FileName,
			)
		}
		return nil
	},
}

var ledgerClearCmd = &cobra.Command{
	Use:   "clear [hash]",
	Short: "Forget a processed file, or all of them",
	Long: `Remove one ledger entry by content hash (a unique prefix from
'dencal ledger list' is enough), so the watcher reprocesses that image.
With no hash, --confirm wipes the whole ledger.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		led := ledger.Open(cfg.LedgerPath(), slog.Default())

		if len(args) == 1 {
			prefix := args[0]
			var matches []string
			for _, rec := range led.Entries() {
				if strings.HasPrefix(rec.Hash, prefix) {
					matches = append(matches, rec.Hash)
				}
			}
			switch len(matches) {
			case 0:
				return fmt.Errorf("no ledger entry matches %q", prefix)
			case 1:
				if err := led.Remove(matches[0]); err != nil {
					return fmt.Errorf("removing entry: %w", err)
				}
				printSuccess("Removed ledger entry %s", matches[0][:12])
				return nil
			default:
				return fmt.Errorf("hash prefix %q is ambiguous (%d matches)", prefix, len(matches))
			}
		}

		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This makes the watcher reprocess every image. Use --confirm to proceed.")
			return nil
		}

		records := led.Entries()
		for _, rec := range records {
			if err := led.Remove(rec.Hash); err != nil {
				return fmt.Errorf("removing %s: %w", rec.FileName, err)
			}
		}
		printSuccess("Removed %d ledger entries", len(records))
		return nil
	},
}

func init() {
	ledgerClearCmd.Flags().Bool("confirm", false, "confirm ledger reset")
	ledgerCmd.AddCommand(ledgerListCmd)
	ledgerCmd.AddCommand(ledgerClearCmd)
}
