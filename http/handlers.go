package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"cropnex/db"
	"cropnex/forecast"
	"cropnex/market"
	"cropnex/monitoring"
	"cropnex/pipeline"
)

const requestDateLayout = "2006-01-02"

// Suggester ranks alternative markets for a source entity.
type Suggester interface {
	Suggest(ctx context.Context, ds *pipeline.Dataset, source string, radiusKm float64, start, end time.Time) (*market.SuggestionResult, error)
}

// History records served forecasts and exposes past update runs and model evaluations.
type History interface {
	LogForecast(ctx context.Context, fc *forecast.Forecast) error
	RecentForecasts(ctx context.Context, entity string, limit int) ([]db.ForecastEntry, error)
	LastUpdateRun(ctx context.Context) (*pipeline.UpdateReport, error)
	LoadEvaluationLog(ctx context.Context) ([]db.EvaluationLog, error)
}

// Handlers serves the forecasting API over the dataset currently published in Holder.
type Handlers struct {
	Holder    *pipeline.Holder
	Predictor market.EntityPredictor
	Engine    Suggester
	Registry  *market.Registry
	Metrics   *monitoring.MetricsCollector
	History   History
	Logger    *zap.Logger
}

func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/entities", h.handleEntities)
	mux.HandleFunc("GET /api/markets", h.handleMarkets)
	mux.HandleFunc("GET /api/metrics", h.handleMetrics)
	mux.HandleFunc("GET /api/forecasts", h.handleForecastLog)
	mux.HandleFunc("GET /api/updates/last", h.handleLastUpdate)
	mux.HandleFunc("GET /api/evaluations", h.handleEvaluations)
	mux.HandleFunc("POST /api/predict", h.handlePredict)
	mux.HandleFunc("POST /api/suggest", h.handleSuggest)
}

type predictRequest struct {
	State     string `json:"state"`
	Market    string `json:"market"`
	Commodity string `json:"commodity"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type predictResponse struct {
	Entity     string    `json:"entity"`
	Dates      []string  `json:"dates"`
	Prediction []float64 `json:"prediction"`
	Average    float64   `json:"average"`
}

type suggestRequest struct {
	Commodity string  `json:"commodity"`
	Market    string  `json:"market"`
	State     string  `json:"state"`
	Radius    float64 `json:"radius"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
}

type suggestionJSON struct {
	MarketName            string  `json:"market_name"`
	State                 string  `json:"state"`
	SuggestedAveragePrice float64 `json:"suggested_average_price"`
	OriginalAveragePrice  float64 `json:"original_average_price"`
	PriceAdvantage        float64 `json:"price_advantage"`
	DistanceKm            float64 `json:"distance_km"`
}

type suggestResponse struct {
	Entity               string           `json:"entity"`
	Outcome              market.Outcome   `json:"outcome"`
	Message              string           `json:"message"`
	OriginalAveragePrice float64          `json:"original_average_price"`
	Suggestions          []suggestionJSON `json:"suggestions"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ds := h.Holder.Load()
	if ds == nil {
		respondJSONStatus(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "loading"})
		return
	}
	respondJSON(w, map[string]interface{}{
		"status":    "ok",
		"entities":  ds.Store.Len(),
		"loaded_at": ds.LoadedAt,
		"source":    ds.Source,
	})
}

func (h *Handlers) handleEntities(w http.ResponseWriter, r *http.Request) {
	ds, ok := h.dataset(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	keys := ds.Store.Filter(q.Get("commodity"), q.Get("state"))
	entities := make([]string, len(keys))
	for i, k := range keys {
		entities[i] = k.String()
	}
	respondJSON(w, map[string]interface{}{"count": len(entities), "entities": entities})
}

func (h *Handlers) handleMarkets(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{"markets": h.Registry.Markets()})
}

func (h *Handlers) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "prometheus" {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		w.Write([]byte(h.Metrics.ExportPrometheus()))
		return
	}
	respondJSON(w, h.Metrics.Snapshot())
}

func (h *Handlers) handleForecastLog(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "forecast history is not enabled")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	entity := r.URL.Query().Get("entity")
	if entity != "" {
		key, err := pipeline.ParseEntityKey(entity)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		entity = key.String()
	}

	entries, err := h.History.RecentForecasts(r.Context(), entity, limit)
	if err != nil {
		h.Logger.Error("load forecast history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load forecast history")
		return
	}
	respondJSON(w, map[string]interface{}{"forecasts": entries})
}

func (h *Handlers) handleLastUpdate(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "update history is not enabled")
		return
	}
	report, err := h.History.LastUpdateRun(r.Context())
	if err != nil {
		h.Logger.Error("load update history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load update history")
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "no dataset update has run yet")
		return
	}
	respondJSON(w, report)
}

func (h *Handlers) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusNotFound, "evaluation history is not enabled")
		return
	}
	logs, err := h.History.LoadEvaluationLog(r.Context())
	if err != nil {
		h.Logger.Error("load evaluation history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load evaluation history")
		return
	}
	respondJSON(w, map[string]interface{}{"evaluations": logs})
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := pipeline.NewEntityKey(req.State, req.Market, req.Commodity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, err := parseDateRange(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, ok := h.dataset(w)
	if !ok {
		return
	}

	began := time.Now()
	fc, err := h.Predictor.PredictEntity(r.Context(), ds, key, start, end)
	h.Metrics.ObserveDuration(monitoring.ForecastLatencyMs, time.Since(began))
	if err != nil {
		h.Metrics.Inc(monitoring.ForecastErrors)
		h.respondFailure(w, r, err)
		return
	}
	h.Metrics.Inc(monitoring.ForecastsServed)

	if h.History != nil {
		if err := h.History.LogForecast(r.Context(), fc); err != nil {
			h.Logger.Warn("log forecast failed", zap.Stringer("entity", key), zap.Error(err))
		}
	}

	resp := predictResponse{
		Entity:     key.String(),
		Dates:      make([]string, len(fc.Dates)),
		Prediction: make([]float64, len(fc.Prices)),
		Average:    round2(fc.Average),
	}
	for i, d := range fc.Dates {
		resp.Dates[i] = d.Format(requestDateLayout)
	}
	for i, p := range fc.Prices {
		resp.Prediction[i] = round2(p)
	}
	respondJSON(w, resp)
}

func (h *Handlers) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req suggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	start, end, err := parseDateRange(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, ok := h.dataset(w)
	if !ok {
		return
	}

	source := strings.Join([]string{req.State, req.Market, req.Commodity}, " | ")
	began := time.Now()
	res, err := h.Engine.Suggest(r.Context(), ds, source, req.Radius, start, end)
	h.Metrics.ObserveDuration(monitoring.SuggestionLatencyMs, time.Since(began))
	if err != nil {
		h.respondFailure(w, r, err)
		return
	}
	h.Metrics.IncLabeled(monitoring.SuggestionsServed, "outcome", string(res.Outcome))

	resp := suggestResponse{
		Entity:               res.Source.String(),
		Outcome:              res.Outcome,
		Message:              res.Message,
		OriginalAveragePrice: round2(res.OriginalAveragePrice),
		Suggestions:          make([]suggestionJSON, len(res.Suggestions)),
	}
	for i, s := range res.Suggestions {
		resp.Suggestions[i] = suggestionJSON{
			MarketName:            s.Market,
			State:                 s.State,
			SuggestedAveragePrice: round2(s.SuggestedAveragePrice),
			OriginalAveragePrice:  round2(s.OriginalAveragePrice),
			PriceAdvantage:        round2(s.PriceAdvantage),
			DistanceKm:            round2(s.DistanceKm),
		}
	}
	respondJSON(w, resp)
}

func (h *Handlers) dataset(w http.ResponseWriter) (*pipeline.Dataset, bool) {
	ds := h.Holder.Load()
	if ds == nil {
		writeError(w, http.StatusServiceUnavailable, "dataset is not loaded yet")
		return nil, false
	}
	return ds, true
}

// respondFailure maps domain errors onto status codes.
func (h *Handlers) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrMalformedEntity),
		errors.Is(err, forecast.ErrInvalidDateRange),
		errors.Is(err, forecast.ErrHorizonTooLong),
		errors.Is(err, market.ErrInvalidRadius):
		return http.StatusBadRequest
	case errors.Is(err, forecast.ErrInsufficientHistory):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseDateRange(startStr, endStr string) (time.Time, time.Time, error) {
	start, err := time.Parse(requestDateLayout, strings.TrimSpace(startStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("start_date must be YYYY-MM-DD: %q", startStr)
	}
	end, err := time.Parse(requestDateLayout, strings.TrimSpace(endStr))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("end_date must be YYYY-MM-DD: %q", endStr)
	}
	return start, end, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	respondJSONStatus(w, status, map[string]string{"error": message})
}
