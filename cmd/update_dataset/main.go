// Command update_dataset extends every entity in the dataset snapshot up to a given day with
// predicted rows and atomically replaces the snapshot. A running server picks the new
// snapshot up through its watcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cropnex/config"
	"cropnex/db"
	"cropnex/forecast"
	"cropnex/logging"
	"cropnex/ml"
	"cropnex/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	todayStr := flag.String("today", "", "last day to fill, YYYY-MM-DD (default: today in UTC)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	today := time.Now().UTC()
	if *todayStr != "" {
		today, err = time.Parse("2006-01-02", *todayStr)
		if err != nil {
			log.Fatalf("invalid -today %q: %v", *todayStr, err)
		}
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	report, err := run(cfg, pipeline.Day(today), logger)
	closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "update failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("run %s: %d/%d entities updated, %d rows added, %d skipped in %s\n",
		report.ID, report.Updated, report.Entities, report.RowsSynthesized, len(report.Skipped), report.Duration.Round(time.Millisecond))
	for _, s := range report.Skipped {
		fmt.Printf("  skipped %s: %s\n", s.Entity, s.Reason)
	}
}

func run(cfg *config.Config, today time.Time, logger *zap.Logger) (report *pipeline.UpdateReport, err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	model, err := ml.LoadModel(cfg.Model.Spec)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	seqLength, err := ml.ResolveSeqLength(model, cfg.Model.SeqLength, forecast.DefaultSeqLength)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	// the catch-up span can exceed the request horizon after a long outage
	predictor := forecast.NewPredictor(model, seqLength, forecast.WithMaxHorizon(0))

	updater := pipeline.NewUpdater(cfg.Dataset.Path, predictor, logger).WithRecorder(store)
	_, report, err = updater.Run(ctx, today)
	if err != nil {
		return nil, err
	}
	return report, nil
}
