package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"cropnex/forecast"
	"cropnex/market"
	"cropnex/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "data", "cropnex.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return s
}

func TestCoordinates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.LoadCoordinate(ctx, "kalikiri, andhra pradesh, india"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	place := "kalikiri, andhra pradesh, india"
	if err := s.SaveCoordinate(ctx, place, market.Coordinate{Lat: 13.63, Lon: 78.79}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCoordinate(ctx, place, market.Coordinate{Lat: 13.64, Lon: 78.80}); err != nil {
		t.Fatal(err)
	}

	c, ok, err := s.LoadCoordinate(ctx, place)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if c.Lat != 13.64 || c.Lon != 78.80 {
		t.Fatalf("expected latest coordinate, got %s", c)
	}
}

func TestForecastLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	day := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	key := pipeline.EntityKey{Region: "Andhra Pradesh", Market: "Kalikiri", Commodity: "Tomato"}
	other := pipeline.EntityKey{Region: "Telangana", Market: "Bowenpally", Commodity: "Tomato"}

	fcs := []*forecast.Forecast{
		{Entity: key, Dates: []time.Time{day, day.AddDate(0, 0, 1)}, Prices: []float64{1000, 1100}, Average: 1050},
		{Entity: other, Dates: []time.Time{day}, Prices: []float64{900}, Average: 900},
		{Entity: key, Dates: []time.Time{day}, Prices: []float64{1200}, Average: 1200},
	}
	for _, fc := range fcs {
		if err := s.LogForecast(ctx, fc); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.LogForecast(ctx, &forecast.Forecast{Entity: key}); err != nil {
		t.Fatalf("empty forecast should be ignored, got %v", err)
	}

	entries, err := s.RecentForecasts(ctx, key.String(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for %s, got %d", key, len(entries))
	}
	if entries[0].Average != 1200 || entries[1].Days != 2 || !entries[1].EndDate.Equal(day.AddDate(0, 0, 1)) {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	all, err := s.RecentForecasts(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries overall, got %d", len(all))
	}
}

func TestUpdateRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	last, err := s.LastUpdateRun(ctx)
	if err != nil || last != nil {
		t.Fatalf("expected no runs, got %+v, %v", last, err)
	}

	started := time.Date(2024, 5, 2, 6, 0, 0, 0, time.UTC)
	runs := []*pipeline.UpdateReport{
		{ID: "run-1", Snapshot: "data.csv", Today: started, StartedAt: started, Duration: 1500 * time.Millisecond, Entities: 3, Updated: 2, RowsSynthesized: 4},
		{
			ID: "run-2", Snapshot: "data.csv", Today: started.AddDate(0, 0, 1), StartedAt: started.AddDate(0, 0, 1),
			Duration: 2 * time.Second, Entities: 3, Updated: 1, RowsSynthesized: 1,
			Skipped: []pipeline.SkippedEntity{{Entity: pipeline.EntityKey{Region: "Telangana", Market: "Bowenpally", Commodity: "Tomato"}, Reason: "insufficient history"}},
		},
	}
	for _, r := range runs {
		if err := s.RecordUpdateRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	last, err = s.LastUpdateRun(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ID != "run-2" || last.Duration != 2*time.Second || last.Updated != 1 {
		t.Fatalf("unexpected last run: %+v", last)
	}
	if len(last.Skipped) != 1 || last.Skipped[0].Entity.Market != "Bowenpally" {
		t.Fatalf("expected skipped entities to round trip, got %+v", last.Skipped)
	}
}

func TestEvaluationLog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	logs, err := s.LoadEvaluationLog(ctx)
	if err != nil || len(logs) != 0 {
		t.Fatalf("expected empty log, got %v, %v", logs, err)
	}

	for i, source := range []string{"models/a.json", "models/b.json"} {
		entry := EvaluationLog{ModelKind: "linear", ModelSource: source, SeqLength: 5, HoldoutRatio: 0.2, Samples: 100 + i, RMSE: 0.02}
		if err := s.RecordEvaluation(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	logs, err = s.LoadEvaluationLog(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].ModelSource != "models/b.json" || logs[0].Samples != 101 {
		t.Fatalf("unexpected log: %+v", logs)
	}
	if logs[1].EvaluatedAt.IsZero() || logs[1].HoldoutRatio != 0.2 {
		t.Fatalf("expected evaluated_at and holdout ratio to be stored, got %+v", logs[1])
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
