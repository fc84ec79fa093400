// Package forecast rolls a single-step model forward over a date range.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"cropnex/ml"
	"cropnex/pipeline"
)

const (
	DefaultSeqLength      = 60
	DefaultMaxHorizonDays = 366
)

var errNonFinite = errors.New("model returned a non-finite value")

// Predictor produces one price per calendar day by feeding each scaled prediction back into
// the input window. Only the price is synthesized for future days: every other feature of
// the last known day is carried forward unchanged, which is an assumption about the data
// and not something the model guarantees.
//
// A Predictor is safe for concurrent use when its model is.
type Predictor struct {
	model      ml.Forecaster
	seqLength  int
	maxHorizon int
}

type Option func(*Predictor)

// WithMaxHorizon bounds the number of days a single call may predict. Zero disables the bound.
func WithMaxHorizon(days int) Option {
	return func(p *Predictor) {
		p.maxHorizon = days
	}
}

func NewPredictor(model ml.Forecaster, seqLength int, opts ...Option) *Predictor {
	if seqLength <= 0 {
		seqLength = DefaultSeqLength
	}
	p := &Predictor{
		model:      model,
		seqLength:  seqLength,
		maxHorizon: DefaultMaxHorizonDays,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Predictor) SeqLength() int {
	return p.seqLength
}

// Predict returns (end - start).days + 1 prices in real units, one per day from start.
// The window is the last SeqLength observations strictly before start.
func (p *Predictor) Predict(ctx context.Context, series *pipeline.EntitySeries, priceScaler *ml.MinMaxScaler, start, end time.Time) ([]float64, error) {
	start, end = pipeline.Day(start), pipeline.Day(end)
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidDateRange, start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	n := pipeline.DaysInclusive(start, end)
	if p.maxHorizon > 0 && n > p.maxHorizon {
		return nil, fmt.Errorf("%w: %d days requested, at most %d allowed", ErrHorizonTooLong, n, p.maxHorizon)
	}

	window, available := series.Window(start, p.seqLength)
	if window == nil {
		return nil, &InsufficientHistoryError{
			Entity:    series.Key,
			Start:     start,
			Required:  p.seqLength,
			Available: available,
		}
	}

	scaled := make([]float64, n)
	for day := 0; day < n; day++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		y, err := p.model.Forecast(ctx, window)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &PredictionFailureError{Entity: series.Key, Day: day + 1, Err: err}
		}
		if math.IsNaN(y) || math.IsInf(y, 0) {
			return nil, &PredictionFailureError{Entity: series.Key, Day: day + 1, Err: errNonFinite}
		}
		scaled[day] = y

		next := window[len(window)-1].WithPrice(y)
		copy(window, window[1:])
		window[len(window)-1] = next
	}

	return priceScaler.InverseAll(0, scaled), nil
}

// Forecast is a prediction for one entity over consecutive days.
type Forecast struct {
	Entity  pipeline.EntityKey
	Dates   []time.Time
	Prices  []float64
	Average float64
}

// PredictEntity looks key up in ds and predicts [start, end] with ds's price scaler.
func (p *Predictor) PredictEntity(ctx context.Context, ds *pipeline.Dataset, key pipeline.EntityKey, start, end time.Time) (*Forecast, error) {
	series, err := ds.Store.Lookup(key)
	if err != nil {
		return nil, err
	}
	prices, err := p.Predict(ctx, series, ds.PriceScaler, start, end)
	if err != nil {
		return nil, err
	}

	start = pipeline.Day(start)
	dates := make([]time.Time, len(prices))
	for i := range dates {
		dates[i] = start.AddDate(0, 0, i)
	}
	return &Forecast{
		Entity:  key,
		Dates:   dates,
		Prices:  prices,
		Average: Mean(prices),
	}, nil
}

// Mean returns the arithmetic mean of xs, or NaN for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
