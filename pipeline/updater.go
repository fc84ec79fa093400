package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cropnex/ml"
)

// SeriesPredictor forecasts real-unit prices for every day in [start, end].
type SeriesPredictor interface {
	Predict(ctx context.Context, series *EntitySeries, priceScaler *ml.MinMaxScaler, start, end time.Time) ([]float64, error)
}

// RunRecorder persists a summary of each update run.
type RunRecorder interface {
	RecordUpdateRun(ctx context.Context, report *UpdateReport) error
}

// UpdateReport summarizes one catch-up run.
type UpdateReport struct {
	ID              string          `json:"id"`
	Snapshot        string          `json:"snapshot"`
	Today           time.Time       `json:"today"`
	StartedAt       time.Time       `json:"started_at"`
	Duration        time.Duration   `json:"duration"`
	Entities        int             `json:"entities"`
	Updated         int             `json:"updated"`
	RowsSynthesized int             `json:"rows_synthesized"`
	Skipped         []SkippedEntity `json:"skipped,omitempty"`
}

type SkippedEntity struct {
	Entity EntityKey `json:"entity"`
	Reason string    `json:"reason"`
}

// Updater extends every entity's history up to a given day with predicted rows and
// persists the result as the new snapshot.
type Updater struct {
	path      string
	predictor SeriesPredictor
	recorder  RunRecorder
	logger    *zap.Logger

	mu sync.Mutex
}

func NewUpdater(path string, predictor SeriesPredictor, logger *zap.Logger) *Updater {
	return &Updater{
		path:      path,
		predictor: predictor,
		logger:    logger.Named("updater"),
	}
}

// WithRecorder sets where run summaries are stored.
func (u *Updater) WithRecorder(r RunRecorder) *Updater {
	u.recorder = r
	return u
}

// Run synthesizes rows for [last+1, today] for each entity whose history ends before today.
// Predicted prices below zero are clamped to zero and every other field is copied from the
// entity's last real row. Entities the predictor rejects are skipped and reported.
func (u *Updater) Run(ctx context.Context, today time.Time) (*Dataset, *UpdateReport, error) {
	if !u.mu.TryLock() {
		return nil, nil, ErrUpdateInProgress
	}
	defer u.mu.Unlock()

	release, err := AcquireLock(u.path)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := release(); err != nil {
			u.logger.Warn("failed to remove lock file", zap.Error(err))
		}
	}()

	today = Day(today)
	report := &UpdateReport{ID: uuid.NewString(), Snapshot: u.path, Today: today, StartedAt: time.Now().UTC()}

	raw, err := ReadFile(u.path)
	if err != nil {
		return nil, nil, err
	}
	ds, err := Process(raw)
	if err != nil {
		return nil, nil, err
	}
	ds.Source = u.path

	var synthesized []RawRecord
	for _, key := range ds.Store.Keys() {
		report.Entities++
		series, _ := ds.Store.Lookup(key)

		last := series.LastDate()
		if !last.Before(today) {
			continue
		}
		start := last.AddDate(0, 0, 1)

		prices, err := u.predictor.Predict(ctx, series, ds.PriceScaler, start, today)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			u.logger.Warn("skipping entity",
				zap.Stringer("entity", key),
				zap.Error(err),
			)
			report.Skipped = append(report.Skipped, SkippedEntity{Entity: key, Reason: err.Error()})
			continue
		}

		base := series.Records[len(series.Records)-1]
		for i, p := range prices {
			rec := base
			rec.Date = start.AddDate(0, 0, i)
			rec.ModalPrice = clampPrice(p)
			synthesized = append(synthesized, rec)
		}
		report.Updated++
		report.RowsSynthesized += len(prices)
	}

	result := ds
	if len(synthesized) > 0 {
		combined := make([]RawRecord, 0, len(raw)+len(synthesized))
		combined = append(combined, raw...)
		combined = append(combined, synthesized...)

		result, err = Process(combined)
		if err != nil {
			return nil, nil, fmt.Errorf("reprocess updated dataset: %w", err)
		}
		result.Source = u.path
		if err := WriteSnapshot(u.path, combined); err != nil {
			return nil, nil, err
		}
	}
	report.Duration = time.Since(report.StartedAt)

	u.logger.Info("dataset update finished",
		zap.Time("today", today),
		zap.Int("entities", report.Entities),
		zap.Int("updated", report.Updated),
		zap.Int("rows_synthesized", report.RowsSynthesized),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("duration", report.Duration),
	)

	if u.recorder != nil {
		if err := u.recorder.RecordUpdateRun(ctx, report); err != nil && !errors.Is(err, context.Canceled) {
			u.logger.Warn("failed to record update run", zap.Error(err))
		}
	}
	return result, report, nil
}

func clampPrice(p float64) float64 {
	if p < 0 {
		return 0
	}
	return p
}
