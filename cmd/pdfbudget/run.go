package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wudi/pdfbudget/config"
	"github.com/wudi/pdfbudget/observability"
	"github.com/wudi/pdfbudget/pipeline"
	"github.com/wudi/pdfbudget/report"
)

var runFlags struct {
	mode         string
	budget       int64
	budgetMB     float64
	minQuality   int
	startQuality int
	level        string
	out          string
	workers      int
	timeout      time.Duration
	verify       bool
	password     string
	strict       bool
	report       string
}

var runCmd = &cobra.Command{
	Use:   "run [flags] <input.pdf>...",
	Short: "Compress and/or split every input so each output fits the budget",
	Long: `Processes a batch of PDFs. Each input ends either done or failed; a failed
document never stops the others. Outputs are named <stem>.pdf, or
<stem>_part<N>.pdf when a document is split.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		applyRunFlags(cmd, &cfg)
		return runBatch(cmd, cfg, args)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.mode, "mode", "m", "", "split, compress or compress-and-split")
	f.Int64Var(&runFlags.budget, "budget", 0, "size budget per output in bytes")
	f.Float64Var(&runFlags.budgetMB, "budget-mb", 0, "size budget per output in MiB")
	f.IntVar(&runFlags.minQuality, "min-quality", 0, "lowest JPEG quality the search may reach (0-100)")
	f.IntVar(&runFlags.startQuality, "start-quality", 0, "first JPEG quality tried")
	f.StringVar(&runFlags.level, "level", "", "compression level: standard or extreme")
	f.StringVarP(&runFlags.out, "out", "o", "", "output directory")
	f.IntVarP(&runFlags.workers, "workers", "j", 0, "documents processed in parallel")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "per-document timeout")
	f.BoolVar(&runFlags.verify, "verify", true, "re-open every output before committing it")
	f.StringVar(&runFlags.password, "password", "", "password for encrypted inputs")
	f.BoolVar(&runFlags.strict, "strict", false, "fail on the first syntax error instead of skipping unreadable objects")
	f.StringVar(&runFlags.report, "report", "", "write a batch report (.md, .html or .json)")
	rootCmd.AddCommand(runCmd)
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("mode") {
		cfg.Mode = runFlags.mode
	}
	if f.Changed("budget") {
		cfg.SizeBudgetBytes = runFlags.budget
	}
	if f.Changed("budget-mb") {
		cfg.SizeBudgetBytes = int64(runFlags.budgetMB * 1024 * 1024)
	}
	if f.Changed("min-quality") {
		cfg.MinQuality = runFlags.minQuality
	}
	if f.Changed("start-quality") {
		cfg.StartQuality = runFlags.startQuality
	}
	if f.Changed("level") {
		cfg.Level = runFlags.level
	}
	if f.Changed("out") {
		cfg.OutputDir = runFlags.out
	}
	if f.Changed("workers") {
		cfg.Workers = runFlags.workers
	}
	if f.Changed("timeout") {
		cfg.DocumentTimeout = runFlags.timeout
	}
	if f.Changed("verify") {
		cfg.Verify = runFlags.verify
	}
	if f.Changed("password") {
		cfg.Password = runFlags.password
	}
	if f.Changed("strict") {
		cfg.Strict = runFlags.strict
	}
	if f.Changed("report") {
		cfg.Report = runFlags.report
	}
}

func runBatch(cmd *cobra.Command, cfg config.Config, inputs []string) error {
	logger := newLogger(cfg)
	opts, err := cfg.Options(logger)
	if err != nil {
		return err
	}
	opts.OnEvent = func(e pipeline.Event) {
		if e.Kind == pipeline.EventState {
			logger.Debug("state changed",
				observability.String("job", e.JobID),
				observability.String("input", e.Input),
				observability.String("state", string(e.State)),
			)
		}
	}
	runner, err := pipeline.NewRunner(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	started := time.Now()
	snaps, runErr := runner.Run(ctx, inputs)
	if snaps == nil && runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	for _, s := range snaps {
		fmt.Fprintln(out, report.Line(s))
	}
	batch := report.Batch{Generated: started, Mode: cfg.Mode, Budget: cfg.SizeBudgetBytes, Jobs: snaps}
	totals := batch.Totals()
	logger.Info("batch finished",
		observability.Int("done", totals.Done),
		observability.Int("failed", totals.Failed),
		observability.Int("outputs", totals.Outputs),
		observability.Duration("elapsed", time.Since(started)),
	)
	if cfg.Report != "" {
		if err := report.Write(cfg.Report, batch); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if totals.Failed > 0 {
		return errFailedDocuments
	}
	return nil
}
