package ml

import (
	"errors"
	"fmt"
	"math"
)

// MinMaxScaler maps each column onto [0,1] using the min and max seen at fit time.
type MinMaxScaler struct {
	Columns []string  `json:"columns"`
	Min     []float64 `json:"min"`
	Max     []float64 `json:"max"`
}

// FitMinMax fits one scaler over several columns. columns[i] holds every value of the
// column named names[i]; NaN values are ignored.
func FitMinMax(names []string, columns [][]float64) (*MinMaxScaler, error) {
	if len(names) == 0 {
		return nil, errors.New("no columns to fit")
	}
	if len(names) != len(columns) {
		return nil, fmt.Errorf("got %d column names for %d columns", len(names), len(columns))
	}

	s := &MinMaxScaler{
		Columns: append([]string(nil), names...),
		Min:     make([]float64, len(names)),
		Max:     make([]float64, len(names)),
	}
	for i, values := range columns {
		seen := false
		for _, v := range values {
			if math.IsNaN(v) {
				continue
			}
			if math.IsInf(v, 0) {
				return nil, fmt.Errorf("column %s contains an infinite value", names[i])
			}
			if !seen {
				s.Min[i], s.Max[i] = v, v
				seen = true
				continue
			}
			if v < s.Min[i] {
				s.Min[i] = v
			}
			if v > s.Max[i] {
				s.Max[i] = v
			}
		}
		if !seen {
			return nil, fmt.Errorf("column %s has no values", names[i])
		}
	}
	return s, nil
}

func (s *MinMaxScaler) scale(col int) float64 {
	r := s.Max[col] - s.Min[col]
	if r == 0 {
		return 1
	}
	return r
}

func (s *MinMaxScaler) Forward(col int, x float64) float64 {
	return (x - s.Min[col]) / s.scale(col)
}

func (s *MinMaxScaler) Inverse(col int, x float64) float64 {
	return x*s.scale(col) + s.Min[col]
}

func (s *MinMaxScaler) InverseAll(col int, xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = s.Inverse(col, x)
	}
	return out
}

func (s *MinMaxScaler) ColumnIndex(name string) (int, error) {
	for i, c := range s.Columns {
		if c == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("scaler has no column %s", name)
}
