// Command evaluate_model backtests the configured forecasting model against the dataset
// snapshot: one-step-ahead predictions over the most recent days of every entity, scored
// against the observed prices.
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
	holdout := flag.Float64("holdout", 0.2, "share of each entity's most recent samples to score (0 or 1 scores all)")
	commodity := flag.String("commodity", "", "only score entities trading this commodity")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	entry, err := run(cfg, *holdout, *commodity, logger)
	closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "evaluation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s model %s: %d samples, rmse=%.4f mae=%.4f (scaled), rmse=%.2f (price)\n",
		entry.ModelKind, entry.ModelSource, entry.Samples, entry.RMSE, entry.MAE, entry.PriceRMSE)
}

func run(cfg *config.Config, holdout float64, commodity string, logger *zap.Logger) (entry *db.EvaluationLog, err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model, err := ml.LoadModel(cfg.Model.Spec)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	seqLength, err := ml.ResolveSeqLength(model, cfg.Model.SeqLength, forecast.DefaultSeqLength)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}

	ds, err := pipeline.LoadDataset(cfg.Dataset.Path)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	keys := ds.Store.Filter(commodity, "")
	series := make([][]ml.FeatureVector, 0, len(keys))
	for _, key := range keys {
		s, err := ds.Store.Lookup(key)
		if err != nil {
			return nil, err
		}
		series = append(series, s.Vectors)
	}

	set, err := ml.BuildBacktestSet(series, seqLength)
	if err != nil {
		return nil, fmt.Errorf("build backtest set: %w", err)
	}
	set = set.Holdout(holdout)
	logger.Info("backtest set built", zap.Int("entities", len(series)), zap.Int("samples", set.Len()))

	started := time.Now()
	ev, err := ml.Evaluate(ctx, model, set)
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	logger.Info("model evaluated",
		zap.Int("samples", ev.Samples),
		zap.Float64("rmse", ev.RMSE),
		zap.Float64("mae", ev.MAE),
		zap.Duration("elapsed", time.Since(started)),
	)

	source := cfg.Model.Spec.Path
	if source == "" {
		source = cfg.Model.Spec.URL
	}
	entry = &db.EvaluationLog{
		ModelKind:    cfg.Model.Spec.Kind,
		ModelSource:  source,
		SeqLength:    seqLength,
		HoldoutRatio: holdout,
		Samples:      ev.Samples,
		RMSE:         ev.RMSE,
		MAE:          ev.MAE,
		// the price scaler is affine, so errors scale by its range
		PriceRMSE: ds.PriceScaler.Inverse(0, ev.RMSE) - ds.PriceScaler.Inverse(0, 0),
	}

	store, err := db.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	if err := store.RecordEvaluation(ctx, *entry); err != nil {
		return nil, fmt.Errorf("record evaluation: %w", err)
	}
	return entry, nil
}
