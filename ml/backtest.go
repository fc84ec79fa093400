package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// BacktestSet pairs each window of SeqLength consecutive vectors with the scaled price of
// the day that follows it.
type BacktestSet struct {
	SeqLength int
	Windows   [][]FeatureVector
	Targets   []float64

	// counts[i] is the number of samples series i contributed.
	counts []int
}

func (s *BacktestSet) Len() int {
	return len(s.Windows)
}

// BuildBacktestSet slides a window over every series. Windows never cross series, so each
// series contributes len(series)-seqLength samples, in date order.
func BuildBacktestSet(series [][]FeatureVector, seqLength int) (*BacktestSet, error) {
	if seqLength <= 0 {
		return nil, errors.New("seqLength must be positive")
	}
	set := &BacktestSet{SeqLength: seqLength}
	for _, vectors := range series {
		n := 0
		for end := seqLength; end < len(vectors); end++ {
			set.Windows = append(set.Windows, vectors[end-seqLength:end])
			set.Targets = append(set.Targets, vectors[end][PriceIdx])
			n++
		}
		set.counts = append(set.counts, n)
	}
	if set.Len() == 0 {
		return nil, fmt.Errorf("no series is longer than %d days", seqLength)
	}
	return set, nil
}

// Holdout keeps the most recent ratio of every series' samples, at least one per series
// that has any. A ratio outside (0,1] keeps everything.
func (s *BacktestSet) Holdout(ratio float64) *BacktestSet {
	if ratio <= 0 || ratio >= 1 {
		return s
	}
	out := &BacktestSet{SeqLength: s.SeqLength}
	offset := 0
	for _, n := range s.counts {
		keep := int(math.Ceil(float64(n) * ratio))
		out.Windows = append(out.Windows, s.Windows[offset+n-keep:offset+n]...)
		out.Targets = append(out.Targets, s.Targets[offset+n-keep:offset+n]...)
		out.counts = append(out.counts, keep)
		offset += n
	}
	return out
}

// Evaluation holds one-step-ahead errors in scaled price units.
type Evaluation struct {
	Samples int     `json:"samples"`
	RMSE    float64 `json:"rmse"`
	MAE     float64 `json:"mae"`
}

// Evaluate scores model on every sample of set. Any model error or non-finite output aborts
// the run.
func Evaluate(ctx context.Context, model Forecaster, set *BacktestSet) (Evaluation, error) {
	var ev Evaluation
	if set == nil || set.Len() == 0 {
		return ev, nil
	}
	var sq, abs float64
	for i, window := range set.Windows {
		if err := ctx.Err(); err != nil {
			return ev, err
		}
		pred, err := model.Forecast(ctx, window)
		if err != nil {
			return ev, fmt.Errorf("sample %d: %w", i, err)
		}
		if math.IsNaN(pred) || math.IsInf(pred, 0) {
			return ev, fmt.Errorf("sample %d: model returned %v", i, pred)
		}
		diff := pred - set.Targets[i]
		sq += diff * diff
		abs += math.Abs(diff)
	}
	ev.Samples = set.Len()
	ev.RMSE = math.Sqrt(sq / float64(ev.Samples))
	ev.MAE = abs / float64(ev.Samples)
	return ev, nil
}
