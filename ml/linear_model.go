package ml

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// LinearModel scores a window as bias + sum(weights[t][f] * window[t][f]).
type LinearModel struct {
	Schema       string      `json:"schema"`
	Version      string      `json:"version"`
	SeqLength    int         `json:"seq_length"`
	FeatureCount int         `json:"feature_count"`
	Weights      [][]float64 `json:"weights"`
	Bias         float64     `json:"bias"`
}

func LoadLinearModel(path string) (*LinearModel, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m LinearModel
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode model %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &m, nil
}

func (m *LinearModel) Save(path string) error {
	if err := m.validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (m *LinearModel) validate() error {
	if m.Schema != ModelSchema || m.Version != ModelVersion {
		return fmt.Errorf("%w: artifact declares %s/%s", ErrUnsupportedModel, m.Schema, m.Version)
	}
	if m.FeatureCount != NumFeatures {
		return fmt.Errorf("feature count %d, want %d", m.FeatureCount, NumFeatures)
	}
	if m.SeqLength <= 0 {
		return errors.New("seq_length must be positive")
	}
	if len(m.Weights) != m.SeqLength {
		return fmt.Errorf("weights have %d rows, want %d", len(m.Weights), m.SeqLength)
	}
	for i, row := range m.Weights {
		if len(row) != m.FeatureCount {
			return fmt.Errorf("weights row %d has %d columns, want %d", i, len(row), m.FeatureCount)
		}
	}
	return nil
}

func (m *LinearModel) WindowLength() int {
	return m.SeqLength
}

func (m *LinearModel) Forecast(ctx context.Context, window []FeatureVector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(window) != m.SeqLength {
		return 0, fmt.Errorf("window length %d, model expects %d", len(window), m.SeqLength)
	}
	sum := m.Bias
	for t, vector := range window {
		for f, x := range vector {
			sum += m.Weights[t][f] * x
		}
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return 0, errors.New("model produced a non-finite value")
	}
	return sum, nil
}
