package forecast

import (
	"errors"
	"fmt"
	"time"

	"cropnex/pipeline"
)

var (
	ErrInvalidDateRange    = errors.New("start date is after end date")
	ErrHorizonTooLong      = errors.New("forecast horizon too long")
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrPredictionFailure   = errors.New("prediction failure")
)

// InsufficientHistoryError reports an entity with fewer than Required observations before
// the requested start date. It matches ErrInsufficientHistory.
type InsufficientHistoryError struct {
	Entity    pipeline.EntityKey
	Start     time.Time
	Required  int
	Available int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history for %s before %s: need %d observations, have %d",
		e.Entity, e.Start.Format(time.DateOnly), e.Required, e.Available)
}

func (e *InsufficientHistoryError) Is(target error) bool {
	return target == ErrInsufficientHistory
}

// PredictionFailureError reports a model call that failed or produced a non-finite value.
// Day counts from 1 for the start date. It matches ErrPredictionFailure.
type PredictionFailureError struct {
	Entity pipeline.EntityKey
	Day    int
	Err    error
}

func (e *PredictionFailureError) Error() string {
	return fmt.Sprintf("prediction failed for %s on day %d: %v", e.Entity, e.Day, e.Err)
}

func (e *PredictionFailureError) Unwrap() error {
	return e.Err
}

func (e *PredictionFailureError) Is(target error) bool {
	return target == ErrPredictionFailure
}
