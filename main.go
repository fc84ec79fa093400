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
	cropnexhttp "cropnex/http"
	"cropnex/logging"
	"cropnex/market"
	"cropnex/ml"
	"cropnex/monitoring"
	"cropnex/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting with error", zap.Error(err))
		closeLog()
		os.Exit(1)
	}
	closeLog()
}

func run(cfg *config.Config, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize database
	store, err := db.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	// 3. Load the forecasting model and the dataset
	model, err := ml.LoadModel(cfg.Model.Spec)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	seqLength, err := ml.ResolveSeqLength(model, cfg.Model.SeqLength, forecast.DefaultSeqLength)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	predictor := forecast.NewPredictor(model, seqLength, forecast.WithMaxHorizon(cfg.Model.MaxHorizonDays))

	ds, err := pipeline.LoadDataset(cfg.Dataset.Path)
	if err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}
	holder := pipeline.NewHolder(ds)
	logger.Info("dataset loaded",
		zap.String("path", cfg.Dataset.Path),
		zap.Int("entities", ds.Store.Len()),
		zap.Int64("rows", ds.Stats.Passed),
		zap.Int64("rejected", ds.Stats.Rejected),
	)

	metrics := monitoring.NewMetricsCollector()
	metrics.SetGauge(monitoring.DatasetEntities, float64(ds.Store.Len()), nil)
	metrics.StartSystemMetrics(ctx, 30*time.Second)

	// 4. Suggestion engine
	geocoder, err := market.NewCachingGeocoder(
		market.NewNominatimGeocoder(cfg.Geocoding.Nominatim), cfg.Geocoding.CacheSize, logger)
	if err != nil {
		return fmt.Errorf("build geocoder: %w", err)
	}
	geocoder.WithStore(store).WithMetrics(metrics).WithLookupTimeout(cfg.Suggestion.GeocodeTimeout)

	registry, err := market.NewRegistry(cfg.Markets)
	if err != nil {
		return fmt.Errorf("build market registry: %w", err)
	}
	engine := market.NewEngine(predictor, geocoder, registry, cfg.Suggestion, logger).WithMetrics(metrics)

	// 5. Hot reload
	watchErr := make(chan error, 1)
	if cfg.Dataset.Watch {
		watcher := pipeline.NewWatcher(cfg.Dataset.Path, holder, cfg.Dataset.WatchDebounce, logger)
		watcher.OnReload = func(ds *pipeline.Dataset) {
			metrics.Inc(monitoring.DatasetReloads)
			metrics.SetGauge(monitoring.DatasetEntities, float64(ds.Store.Len()), nil)
		}
		watcher.OnError = func(error) { metrics.Inc(monitoring.DatasetReloadFailures) }
		go func() { watchErr <- watcher.Run(ctx) }()
	}

	// 6. Start HTTP server
	handlers := &cropnexhttp.Handlers{
		Holder:    holder,
		Predictor: predictor,
		Engine:    engine,
		Registry:  registry,
		Metrics:   metrics,
		History:   store,
		Logger:    logger.Named("http"),
	}
	server := cropnexhttp.NewServer(cropnexhttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		Timeout:        cfg.HTTP.Timeout,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, handlers)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	// 7. Wait for a signal or a server failure, then shut down
	for waiting := true; waiting; {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			waiting = false
		case err := <-serveErr:
			return err
		case err := <-watchErr:
			if err != nil {
				logger.Error("dataset watcher stopped, serving the last loaded dataset", zap.Error(err))
			}
			watchErr = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
