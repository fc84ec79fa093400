package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"cropnex/db"
	"cropnex/forecast"
	"cropnex/market"
	"cropnex/monitoring"
	"cropnex/pipeline"
)

type fakePredictor struct {
	err   error
	calls int
}

func (f *fakePredictor) PredictEntity(_ context.Context, ds *pipeline.Dataset, key pipeline.EntityKey, start, end time.Time) (*forecast.Forecast, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if _, err := ds.Store.Lookup(key); err != nil {
		return nil, err
	}
	fc := &forecast.Forecast{Entity: key}
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		fc.Dates = append(fc.Dates, d)
		fc.Prices = append(fc.Prices, 1000.123+float64(len(fc.Prices)))
	}
	fc.Average = forecast.Mean(fc.Prices)
	return fc, nil
}

type fakeSuggester struct {
	result *market.SuggestionResult
	err    error
	source string
	radius float64
}

func (f *fakeSuggester) Suggest(_ context.Context, _ *pipeline.Dataset, source string, radiusKm float64, _, _ time.Time) (*market.SuggestionResult, error) {
	f.source, f.radius = source, radiusKm
	return f.result, f.err
}

type fakeHistory struct {
	logged      []*forecast.Forecast
	last        *pipeline.UpdateReport
	evaluations []db.EvaluationLog
}

func (f *fakeHistory) LogForecast(_ context.Context, fc *forecast.Forecast) error {
	f.logged = append(f.logged, fc)
	return nil
}

func (f *fakeHistory) RecentForecasts(_ context.Context, entity string, limit int) ([]db.ForecastEntry, error) {
	var out []db.ForecastEntry
	for _, fc := range f.logged {
		if entity == "" || fc.Entity.String() == entity {
			out = append(out, db.ForecastEntry{Entity: fc.Entity.String(), Days: len(fc.Prices), Average: fc.Average})
		}
	}
	return out, nil
}

func (f *fakeHistory) LastUpdateRun(context.Context) (*pipeline.UpdateReport, error) {
	return f.last, nil
}

func (f *fakeHistory) LoadEvaluationLog(context.Context) ([]db.EvaluationLog, error) {
	return f.evaluations, nil
}

func testDataset(t *testing.T) *pipeline.Dataset {
	t.Helper()
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var recs []pipeline.RawRecord
	for _, k := range [][3]string{
		{"Andhra Pradesh", "Kalikiri", "Tomato"},
		{"Telangana", "Bowenpally", "Tomato"},
		{"Telangana", "Bowenpally", "Onion"},
	} {
		for i := 0; i < 5; i++ {
			recs = append(recs, pipeline.RawRecord{
				Date: day.AddDate(0, 0, i), Region: k[0], Market: k[1], Commodity: k[2],
				ModalPrice: 1000 + float64(i), Rainfall: 2, MaxTemperature: 31, MinTemperature: 22,
				Humidity: 70, Season: "Rabi",
			})
		}
	}
	ds, err := pipeline.Process(recs)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

type fixture struct {
	mux       *http.ServeMux
	handlers  *Handlers
	predictor *fakePredictor
	suggester *fakeSuggester
	history   *fakeHistory
	metrics   *monitoring.MetricsCollector
}

func newFixture(t *testing.T, ds *pipeline.Dataset) *fixture {
	t.Helper()
	registry, err := market.NewRegistry(market.DefaultMarkets())
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		mux:       http.NewServeMux(),
		predictor: &fakePredictor{},
		suggester: &fakeSuggester{},
		history:   &fakeHistory{},
		metrics:   monitoring.NewMetricsCollector(),
	}
	h := &Handlers{
		Holder:    pipeline.NewHolder(ds),
		Predictor: f.predictor,
		Engine:    f.suggester,
		Registry:  registry,
		Metrics:   f.metrics,
		History:   f.history,
		Logger:    zap.NewNop(),
	}
	h.Register(f.mux)
	f.handlers = h
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t, testDataset(t))
	w := f.do(http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var payload map[string]interface{}
	decode(t, w, &payload)
	if payload["status"] != "ok" || payload["entities"].(float64) != 3 {
		t.Fatalf("unexpected payload: %v", payload)
	}

	empty := newFixture(t, nil)
	if w := empty.do(http.MethodGet, "/api/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before the dataset is loaded, got %d", w.Code)
	}
}

func TestHandleEntities(t *testing.T) {
	f := newFixture(t, testDataset(t))
	tests := []struct {
		query string
		want  int
	}{
		{"", 3},
		{"?commodity=tomato", 2},
		{"?commodity=Tomato&state=Telangana", 1},
		{"?commodity=Potato", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := f.do(http.MethodGet, "/api/entities"+tt.query, "")
			var payload struct {
				Count    int      `json:"count"`
				Entities []string `json:"entities"`
			}
			decode(t, w, &payload)
			if payload.Count != tt.want || len(payload.Entities) != tt.want {
				t.Fatalf("expected %d entities, got %+v", tt.want, payload)
			}
		})
	}
}

func TestHandleMarkets(t *testing.T) {
	f := newFixture(t, testDataset(t))
	var payload struct {
		Markets []market.Market `json:"markets"`
	}
	decode(t, f.do(http.MethodGet, "/api/markets", ""), &payload)
	if len(payload.Markets) != 7 || payload.Markets[0].Name != "Kalikiri" {
		t.Fatalf("unexpected markets: %+v", payload.Markets)
	}
}

func TestHandlePredict(t *testing.T) {
	f := newFixture(t, testDataset(t))
	body := `{"state":"Telangana","market":"Bowenpally","commodity":"Tomato","start_date":"2024-03-31","end_date":"2024-04-02"}`
	w := f.do(http.MethodPost, "/api/predict", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var payload predictResponse
	decode(t, w, &payload)
	if payload.Entity != "Telangana | Bowenpally | Tomato" {
		t.Fatalf("unexpected entity %q", payload.Entity)
	}
	wantDates := []string{"2024-03-31", "2024-04-01", "2024-04-02"}
	if len(payload.Dates) != 3 || payload.Dates[0] != wantDates[0] || payload.Dates[2] != wantDates[2] {
		t.Fatalf("unexpected dates %v", payload.Dates)
	}
	if payload.Prediction[0] != 1000.12 || payload.Prediction[2] != 1002.12 {
		t.Fatalf("expected prices rounded to 2 decimals, got %v", payload.Prediction)
	}
	if len(f.history.logged) != 1 {
		t.Fatalf("expected forecast to be logged, got %d", len(f.history.logged))
	}
	if f.metrics.Counter(monitoring.ForecastsServed, nil) != 1 {
		t.Fatal("expected forecasts_served to be counted")
	}
}

func TestHandlePredictErrors(t *testing.T) {
	valid := `{"state":"Telangana","market":"Bowenpally","commodity":"Tomato","start_date":"2024-04-01","end_date":"2024-04-02"}`
	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", `{"state":`, nil, http.StatusBadRequest},
		{"missing market", `{"state":"Telangana","commodity":"Tomato","start_date":"2024-04-01","end_date":"2024-04-02"}`, nil, http.StatusBadRequest},
		{"bad date", `{"state":"Telangana","market":"Bowenpally","commodity":"Tomato","start_date":"01-04-2024","end_date":"2024-04-02"}`, nil, http.StatusBadRequest},
		{"unknown entity", `{"state":"Kerala","market":"Kochi","commodity":"Tomato","start_date":"2024-04-01","end_date":"2024-04-02"}`, nil, http.StatusNotFound},
		{"invalid range", valid, fmt.Errorf("%w: end before start", forecast.ErrInvalidDateRange), http.StatusBadRequest},
		{"horizon", valid, forecast.ErrHorizonTooLong, http.StatusBadRequest},
		{"insufficient history", valid, &forecast.InsufficientHistoryError{Required: 60, Available: 40}, http.StatusUnprocessableEntity},
		{"model failure", valid, &forecast.PredictionFailureError{Day: 1, Err: errors.New("nan")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testDataset(t))
			f.predictor.err = tt.err
			w := f.do(http.MethodPost, "/api/predict", tt.body)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			var payload map[string]string
			decode(t, w, &payload)
			if payload["error"] == "" {
				t.Fatal("expected an error message")
			}
			if len(f.history.logged) != 0 {
				t.Fatal("failed forecasts must not be logged")
			}
		})
	}
}

func TestHandleSuggest(t *testing.T) {
	f := newFixture(t, testDataset(t))
	f.suggester.result = &market.SuggestionResult{
		Source:               pipeline.EntityKey{Region: "Andhra Pradesh", Market: "Kalikiri", Commodity: "Tomato"},
		Outcome:              market.OutcomeRanked,
		Message:              "Found 1 market(s) with a higher predicted price for 'Tomato'.",
		OriginalAveragePrice: 1500.004,
		Suggestions: []market.Suggestion{{
			Market: "Bowenpally", State: "Telangana",
			SuggestedAveragePrice: 1750.126, OriginalAveragePrice: 1500.004,
			PriceAdvantage: 250.122, DistanceKm: 48.456,
		}},
	}

	body := `{"commodity":"Tomato","market":"Kalikiri","state":"Andhra Pradesh","radius":50,"start_date":"2024-05-01","end_date":"2024-05-10"}`
	w := f.do(http.MethodPost, "/api/suggest", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if f.suggester.source != "Andhra Pradesh | Kalikiri | Tomato" || f.suggester.radius != 50 {
		t.Fatalf("unexpected engine call: %q %v", f.suggester.source, f.suggester.radius)
	}

	var payload suggestResponse
	decode(t, w, &payload)
	if payload.Outcome != market.OutcomeRanked || len(payload.Suggestions) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	s := payload.Suggestions[0]
	if s.MarketName != "Bowenpally" || s.PriceAdvantage != 250.12 || s.DistanceKm != 48.46 || s.SuggestedAveragePrice != 1750.13 {
		t.Fatalf("unexpected suggestion: %+v", s)
	}
	if f.metrics.Counter(monitoring.SuggestionsServed, map[string]string{"outcome": "ranked"}) != 1 {
		t.Fatal("expected suggestion outcome to be counted")
	}
}

func TestHandleSuggestEmptyAndErrors(t *testing.T) {
	body := `{"commodity":"Tomato","market":"Kalikiri","state":"Andhra Pradesh","radius":50,"start_date":"2024-05-01","end_date":"2024-05-10"}`

	f := newFixture(t, testDataset(t))
	f.suggester.result = &market.SuggestionResult{
		Outcome: market.OutcomeNoneWithinRadius,
		Message: "No other markets trading 'Tomato' were found within a 50km radius.",
	}
	w := f.do(http.MethodPost, "/api/suggest", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for an empty result, got %d", w.Code)
	}
	var payload suggestResponse
	decode(t, w, &payload)
	if payload.Suggestions == nil || len(payload.Suggestions) != 0 || !strings.Contains(payload.Message, "50km") {
		t.Fatalf("expected empty list with diagnostic, got %+v", payload)
	}

	tests := []struct {
		err  error
		want int
	}{
		{market.ErrInvalidRadius, http.StatusBadRequest},
		{pipeline.ErrMalformedEntity, http.StatusBadRequest},
		{pipeline.ErrEntityNotFound, http.StatusNotFound},
		{forecast.ErrInsufficientHistory, http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(t, testDataset(t))
			f.suggester.err = tt.err
			if w := f.do(http.MethodPost, "/api/suggest", body); w.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

func TestHandleHistory(t *testing.T) {
	f := newFixture(t, testDataset(t))
	if w := f.do(http.MethodGet, "/api/updates/last", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without runs, got %d", w.Code)
	}
	f.history.last = &pipeline.UpdateReport{ID: "run-1", Updated: 2}
	if w := f.do(http.MethodGet, "/api/updates/last", ""); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "run-1") {
		t.Fatalf("unexpected response %d: %s", w.Code, w.Body.String())
	}

	body := `{"state":"Telangana","market":"Bowenpally","commodity":"Tomato","start_date":"2024-04-01","end_date":"2024-04-02"}`
	f.do(http.MethodPost, "/api/predict", body)
	w := f.do(http.MethodGet, "/api/forecasts?entity=Telangana|Bowenpally|Tomato&limit=5", "")
	var payload struct {
		Forecasts []db.ForecastEntry `json:"forecasts"`
	}
	decode(t, w, &payload)
	if len(payload.Forecasts) != 1 || payload.Forecasts[0].Days != 2 {
		t.Fatalf("unexpected history: %+v", payload)
	}
	if w := f.do(http.MethodGet, "/api/forecasts?limit=0", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad limit, got %d", w.Code)
	}

	f.history.evaluations = []db.EvaluationLog{{ModelKind: "linear", ModelSource: "models/a.json", Samples: 40, RMSE: 0.03}}
	w = f.do(http.MethodGet, "/api/evaluations", "")
	var evals struct {
		Evaluations []db.EvaluationLog `json:"evaluations"`
	}
	decode(t, w, &evals)
	if len(evals.Evaluations) != 1 || evals.Evaluations[0].Samples != 40 {
		t.Fatalf("unexpected evaluations: %+v", evals)
	}
}

func TestHandleMetrics(t *testing.T) {
	f := newFixture(t, testDataset(t))
	f.metrics.Inc(monitoring.ForecastsServed)

	w := f.do(http.MethodGet, "/api/metrics", "")
	var payload map[string]interface{}
	decode(t, w, &payload)
	if _, ok := payload["counters"]; !ok {
		t.Fatalf("expected counters in snapshot, got %v", payload)
	}

	w = f.do(http.MethodGet, "/api/metrics?format=prometheus", "")
	if !bytes.Contains(w.Body.Bytes(), []byte("forecasts_served 1")) {
		t.Fatalf("unexpected prometheus output: %s", w.Body.String())
	}
}
