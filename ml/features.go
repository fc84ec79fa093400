package ml

import (
	"errors"
	"fmt"
	"math"
)

const (
	PriceIdx = iota
	RainfallIdx
	MaxTemperatureIdx
	MinTemperatureIdx
	HumidityIdx
	FloodIndexIdx
	DroughtIndexIdx
	SeasonCodeIdx
	EntityCodeIdx

	NumFeatures
)

// FeatureVector is one day of model input for an entity, in FeatureNames order.
type FeatureVector [NumFeatures]float64

func FeatureNames() []string {
	return []string{
		"Modal_Price",
		"rainfall(mm)",
		"max_temperature",
		"min_temperature",
		"humidity(%)",
		"flood_index",
		"drought_index",
		"season_encoded",
		"entity_encoded",
	}
}

func (v FeatureVector) WithPrice(price float64) FeatureVector {
	v[PriceIdx] = price
	return v
}

func (v FeatureVector) Validate() error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("feature %s is not finite", FeatureNames()[i])
		}
	}
	return nil
}

func WindowMatrix(window []FeatureVector) [][]float64 {
	matrix := make([][]float64, len(window))
	for i := range window {
		row := make([]float64, NumFeatures)
		copy(row, window[i][:])
		matrix[i] = row
	}
	return matrix
}

func ValidateWindow(window []FeatureVector, seqLength int) error {
	if len(window) == 0 {
		return errors.New("window is empty")
	}
	if seqLength > 0 && len(window) != seqLength {
		return fmt.Errorf("window length %d does not match sequence length %d", len(window), seqLength)
	}
	for i := range window {
		if err := window[i].Validate(); err != nil {
			return fmt.Errorf("window row %d: %w", i, err)
		}
	}
	return nil
}
