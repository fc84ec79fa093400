package ml

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	ModelSchema  = "cropnex.forecaster"
	ModelVersion = "1"
)

// Forecaster predicts the next day's scaled price from a window of feature vectors.
// Implementations must be deterministic and safe for concurrent use.
type Forecaster interface {
	Forecast(ctx context.Context, window []FeatureVector) (float64, error)
}

// WindowedModel is implemented by models whose artifact fixes the window length.
type WindowedModel interface {
	WindowLength() int
}

var ErrSeqLengthMismatch = errors.New("sequence length mismatch")

// ResolveSeqLength returns the window length to feed model. A length declared by the model
// wins when configured is zero and must equal configured otherwise. Models that declare
// nothing use configured, or fallback when configured is zero.
func ResolveSeqLength(model Forecaster, configured, fallback int) (int, error) {
	declared := 0
	if wm, ok := model.(WindowedModel); ok {
		declared = wm.WindowLength()
	}
	switch {
	case declared > 0 && configured > 0 && declared != configured:
		return 0, fmt.Errorf("%w: model expects %d days, config sets %d", ErrSeqLengthMismatch, declared, configured)
	case declared > 0:
		return declared, nil
	case configured > 0:
		return configured, nil
	default:
		return fallback, nil
	}
}

type ModelSpec struct {
	Schema  string        `yaml:"schema"`
	Version string        `yaml:"version"`
	Kind    string        `yaml:"kind"`
	Path    string        `yaml:"path"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ForecasterFunc func(ctx context.Context, window []FeatureVector) (float64, error)

func (f ForecasterFunc) Forecast(ctx context.Context, window []FeatureVector) (float64, error) {
	return f(ctx, window)
}
