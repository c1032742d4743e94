package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/firmscr/internal/config"
	"github.com/rewired-gh/firmscr/internal/export"
	"github.com/rewired-gh/firmscr/internal/gpkg"
	"github.com/rewired-gh/firmscr/internal/logger"
	"github.com/rewired-gh/firmscr/internal/models"
	"github.com/rewired-gh/firmscr/internal/pipeline"
	"github.com/rewired-gh/firmscr/internal/telegram"
	"github.com/rewired-gh/firmscr/internal/wfs"
)

type notifier interface {
	SendSummary(s telegram.Summary) error
	SendFailure(runErr error, took time.Duration) error
}

type exporter interface {
	Export(ctx context.Context, ds *models.Dataset) (int, error)
}

// job materializes the joined dataset once per call
type job struct {
	pipeline *pipeline.Pipeline
	inputs   pipeline.Inputs
	output   string
	layer    string
	notifier notifier
	exporter exporter
}

func newPreprocessCmd(cfg func() *config.Config) *cobra.Command {
	var schedule string

	cmd := &cobra.Command{
		Use:   "preprocess",
		Short: "Join the hotspot CSV with the boundary layers and write the GeoPackage",
		RunE: func(c *cobra.Command, args []string) error {
			j, err := newJob(cfg())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if schedule == "" {
				return j.run(ctx)
			}
			return runScheduled(ctx, schedule, j)
		},
	}

	cmd.Flags().StringVar(&schedule, "cron", "", "Run on a cron schedule instead of once, e.g. \"0 3 * * *\"")
	return cmd
}

func newJob(cfg *config.Config) (*job, error) {
	inputs, opts, err := pipeline.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid join configuration: %w", err)
	}
	if inputs.HotspotsCSV == "" {
		return nil, fmt.Errorf("data.hotspots_csv is required to preprocess")
	}
	if cfg.Data.PreprocessedPath == "" {
		return nil, fmt.Errorf("data.preprocessed_path is required to preprocess")
	}

	client := wfs.NewClient(cfg.HTTP.Timeout, cfg.HTTP.UserAgent)

	j := &job{
		// Scheduled runs reuse layers whose source has not changed
		pipeline: pipeline.New(client, inputs, opts, pipeline.NewCache()),
		inputs:   inputs,
		output:   cfg.Data.PreprocessedPath,
		layer:    cfg.Data.Layer,
	}

	if cfg.Telegram.Enabled {
		tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		j.notifier = tg
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	if cfg.Export.Postgres.Enabled {
		j.exporter = export.NewPostgres(cfg.Export.Postgres.DSN, cfg.Export.Postgres.Table)
		logger.Info("PostgreSQL export enabled (table %s)", cfg.Export.Postgres.Table)
	}

	return j, nil
}

// run executes one preprocessing pass and reports its outcome
func (j *job) run(ctx context.Context) error {
	start := time.Now()

	summary, err := j.materialize(ctx)
	took := time.Since(start)
	if err != nil {
		logger.Error("Preprocessing failed after %v: %v", took.Round(time.Millisecond), err)
		if j.notifier != nil {
			if sendErr := j.notifier.SendFailure(err, took); sendErr != nil {
				logger.Warn("Failed to send failure notification to Telegram: %v", sendErr)
			}
		}
		return err
	}

	summary.Duration = took
	logger.Info("Wrote %s hotspots to %s (%s) in %v",
		humanize.Comma(int64(summary.Meta.RowsJoined)), summary.OutputPath,
		humanize.Bytes(uint64(summary.OutputSize)), took.Round(time.Millisecond))

	if j.notifier != nil {
		if err := j.notifier.SendSummary(summary); err != nil {
			logger.Warn("Failed to send summary to Telegram: %v", err)
		}
	}
	return nil
}

func (j *job) materialize(ctx context.Context) (telegram.Summary, error) {
	res, err := j.pipeline.Run(ctx)
	if err != nil {
		return telegram.Summary{}, err
	}

	pkg := pipeline.Package(res, j.layer, gpkg.DefaultColumns, j.inputs)
	if err := gpkg.Write(ctx, j.output, pkg); err != nil {
		return telegram.Summary{}, err
	}

	info, err := os.Stat(j.output)
	if err != nil {
		return telegram.Summary{}, fmt.Errorf("failed to stat output: %w", err)
	}

	summary := telegram.Summary{
		Meta:       res.Dataset.Meta,
		OutputPath: j.output,
		OutputSize: info.Size(),
	}

	if j.exporter != nil {
		n, err := j.exporter.Export(ctx, res.Dataset)
		if err != nil {
			return telegram.Summary{}, err
		}
		logger.Info("Exported %s rows to PostgreSQL", humanize.Comma(int64(n)))
		summary.Exported = n
	}

	return summary, nil
}

// cronLogger routes scheduler messages through the application logger
type cronLogger struct{}

func (cronLogger) Printf(format string, args ...interface{}) {
	logger.Debug(format, args...)
}

// runScheduled runs the job on schedule until ctx is canceled. A failed run
// is logged and notified and does not stop the scheduler.
func runScheduled(ctx context.Context, schedule string, j *job) error {
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.PrintfLogger(cronLogger{})),
	))

	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	c.Schedule(sched, cron.FuncJob(func() {
		logger.Info("Scheduled preprocessing run starting")
		_ = j.run(ctx)
	}))

	c.Start()
	logger.Info("Preprocessing scheduled (%s), next run at %s", schedule,
		sched.Next(time.Now()).Format(time.RFC3339))

	<-ctx.Done()
	logger.Info("Shutdown signal received, waiting for running job...")
	<-c.Stop().Done()
	logger.Info("Scheduler stopped")
	return nil
}
