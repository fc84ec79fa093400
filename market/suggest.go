package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"cropnex/forecast"
	"cropnex/monitoring"
	"cropnex/pipeline"
)

// ErrInvalidRadius is returned for a radius that is not a positive number of kilometres.
var ErrInvalidRadius = errors.New("radius must be positive")

// Outcome says why a suggestion result does or does not hold suggestions.
type Outcome string

const (
	OutcomeRanked            Outcome = "ranked"
	OutcomeNoCandidatesTrade Outcome = "no_candidates_trade"
	OutcomeNoneWithinRadius  Outcome = "none_within_radius"
	OutcomeSourceIsBest      Outcome = "source_is_best"
)

// Suggestion is an alternative market with a higher predicted average price.
type Suggestion struct {
	Market                string
	State                 string
	SuggestedAveragePrice float64
	OriginalAveragePrice  float64
	PriceAdvantage        float64
	DistanceKm            float64
}

type SuggestionResult struct {
	Source               pipeline.EntityKey
	Outcome              Outcome
	Message              string
	OriginalAveragePrice float64
	// Suggestions is ordered by descending PriceAdvantage, then ascending DistanceKm,
	// then market name.
	Suggestions []Suggestion
}

// EntityPredictor is the part of forecast.Predictor the engine needs.
type EntityPredictor interface {
	PredictEntity(ctx context.Context, ds *pipeline.Dataset, key pipeline.EntityKey, start, end time.Time) (*forecast.Forecast, error)
}

type EngineConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	GeocodeTimeout time.Duration `yaml:"geocode_timeout"`
}

// Engine ranks registry markets that trade the same commodity within a radius of the source
// market by how much higher their predicted average price is.
type Engine struct {
	predictor EntityPredictor
	geocoder  Geocoder
	registry  *Registry
	cfg       EngineConfig
	logger    *zap.Logger
	metrics   *monitoring.MetricsCollector
}

func NewEngine(predictor EntityPredictor, geocoder Geocoder, registry *Registry, cfg EngineConfig, logger *zap.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.GeocodeTimeout <= 0 {
		cfg.GeocodeTimeout = 10 * time.Second
	}
	return &Engine{
		predictor: predictor,
		geocoder:  geocoder,
		registry:  registry,
		cfg:       cfg,
		logger:    logger.Named("suggest"),
	}
}

func (e *Engine) WithMetrics(m *monitoring.MetricsCollector) *Engine {
	e.metrics = m
	return e
}

type candidate struct {
	market   Market
	key      pipeline.EntityKey
	distance float64
	ok       bool
}

// Suggest predicts the source entity over [start, end] and returns the registry markets
// within radiusKm whose predicted average for the same commodity beats it. Failures for the
// source are returned as is; failures for a candidate only drop that candidate.
func (e *Engine) Suggest(ctx context.Context, ds *pipeline.Dataset, source string, radiusKm float64, start, end time.Time) (*SuggestionResult, error) {
	key, err := pipeline.ParseEntityKey(source)
	if err != nil {
		return nil, err
	}
	if !(radiusKm > 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRadius, radiusKm)
	}

	original, err := e.predictor.PredictEntity(ctx, ds, key, start, end)
	if err != nil {
		return nil, err
	}
	result := &SuggestionResult{Source: key, OriginalAveragePrice: original.Average}

	var candidates []*candidate
	for _, m := range e.registry.Markets() {
		if strings.EqualFold(m.Name, key.Market) {
			continue
		}
		ck := pipeline.EntityKey{Region: m.State, Market: m.Name, Commodity: key.Commodity}
		if !ds.Store.Has(ck) {
			continue
		}
		candidates = append(candidates, &candidate{market: m, key: ck})
	}
	if len(candidates) == 0 {
		result.Outcome = OutcomeNoCandidatesTrade
		result.Message = fmt.Sprintf("No other markets in the registry trade '%s'.", key.Commodity)
		return result, nil
	}

	nearby, err := e.withinRadius(ctx, key, candidates, radiusKm)
	if err != nil {
		return nil, err
	}
	if len(nearby) == 0 {
		result.Outcome = OutcomeNoneWithinRadius
		result.Message = fmt.Sprintf("No other markets trading '%s' were found within a %skm radius.",
			key.Commodity, strconv.FormatFloat(radiusKm, 'f', -1, 64))
		return result, nil
	}

	suggestions, err := e.rank(ctx, ds, nearby, original.Average, start, end)
	if err != nil {
		return nil, err
	}
	if len(suggestions) == 0 {
		result.Outcome = OutcomeSourceIsBest
		result.Message = fmt.Sprintf("Your selected market, '%s', has the highest predicted price for '%s' compared to other markets in the selected radius.",
			key.Market, key.Commodity)
		return result, nil
	}

	result.Outcome = OutcomeRanked
	result.Message = fmt.Sprintf("Found %d market(s) with a higher predicted price for '%s'.", len(suggestions), key.Commodity)
	result.Suggestions = suggestions
	return result, nil
}

// withinRadius geocodes the source and every candidate and keeps candidates no farther than
// radiusKm, ordered by ascending distance. Candidates that cannot be located are dropped.
func (e *Engine) withinRadius(ctx context.Context, source pipeline.EntityKey, candidates []*candidate, radiusKm float64) ([]*candidate, error) {
	origin, err := e.resolve(ctx, Market{Name: source.Market, State: source.Region})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("cannot locate source market, no candidate can be measured",
			zap.Stringer("source", source),
			zap.Error(err),
		)
		e.metrics.IncrCounter(monitoring.CandidatesSkipped, float64(len(candidates)), map[string]string{"reason": "geocoding"})
		return nil, nil
	}

	p := pool.New().WithMaxGoroutines(e.cfg.Concurrency)
	for _, c := range candidates {
		p.Go(func() {
			coord, err := e.resolve(ctx, c.market)
			if err != nil {
				e.logger.Debug("skipping candidate, geocoding failed",
					zap.String("market", c.market.Name),
					zap.Error(err),
				)
				e.metrics.IncLabeled(monitoring.CandidatesSkipped, "reason", "geocoding")
				return
			}
			c.distance = Distance(origin, coord)
			c.ok = true
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var nearby []*candidate
	for _, c := range candidates {
		if c.ok && c.distance <= radiusKm {
			nearby = append(nearby, c)
		}
	}
	sort.SliceStable(nearby, func(i, j int) bool {
		if nearby[i].distance != nearby[j].distance {
			return nearby[i].distance < nearby[j].distance
		}
		return nearby[i].market.Name < nearby[j].market.Name
	})
	return nearby, nil
}

func (e *Engine) resolve(ctx context.Context, m Market) (Coordinate, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.GeocodeTimeout)
	defer cancel()
	return e.geocoder.Resolve(ctx, m.Place())
}

// rank predicts every nearby candidate and returns those beating originalAvg.
func (e *Engine) rank(ctx context.Context, ds *pipeline.Dataset, nearby []*candidate, originalAvg float64, start, end time.Time) ([]Suggestion, error) {
	var (
		mu          sync.Mutex
		suggestions []Suggestion
		failures    error
	)

	p := pool.New().WithMaxGoroutines(e.cfg.Concurrency)
	for _, c := range nearby {
		p.Go(func() {
			fc, err := e.predictor.PredictEntity(ctx, ds, c.key, start, end)
			if err == nil && len(fc.Prices) == 0 {
				err = errors.New("empty forecast")
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = multierr.Append(failures, fmt.Errorf("%s: %w", c.key, err))
				return
			}
			if fc.Average > originalAvg {
				suggestions = append(suggestions, Suggestion{
					Market:                c.market.Name,
					State:                 c.market.State,
					SuggestedAveragePrice: fc.Average,
					OriginalAveragePrice:  originalAvg,
					PriceAdvantage:        fc.Average - originalAvg,
					DistanceKm:            c.distance,
				})
			}
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if failures != nil {
		errs := multierr.Errors(failures)
		e.metrics.IncrCounter(monitoring.CandidatesSkipped, float64(len(errs)), map[string]string{"reason": "prediction"})
		e.logger.Debug("skipped candidates that could not be predicted",
			zap.Int("count", len(errs)),
			zap.Error(failures),
		)
	}

	sort.Slice(suggestions, func(i, j int) bool {
		a, b := suggestions[i], suggestions[j]
		if a.PriceAdvantage != b.PriceAdvantage {
			return a.PriceAdvantage > b.PriceAdvantage
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		return a.Market < b.Market
	})
	return suggestions, nil
}
