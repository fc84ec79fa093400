// Package pipeline turns raw market observations into per-entity feature series.
package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrEntityNotFound is returned when a key has no series in the store.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrMalformedEntity is returned when an entity string is not "region | market | commodity".
	ErrMalformedEntity = errors.New("malformed entity")
)

// DataError reports a dataset that cannot produce a series store. It is fatal to the run.
type DataError struct {
	Reason string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error: %s: %v", e.Reason, e.Err)
	}
	return "data error: " + e.Reason
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// RawRecord is one row of the source table. NaN marks a missing numeric value and a zero
// Date marks a date that could not be parsed.
type RawRecord struct {
	Date      time.Time
	Region    string
	Market    string
	Commodity string

	ModalPrice     float64
	Rainfall       float64
	MaxTemperature float64
	MinTemperature float64
	Humidity       float64
	FloodIndex     float64
	DroughtIndex   float64

	Season string
}

// Key returns the record's entity key and false when any component is blank.
func (r *RawRecord) Key() (EntityKey, bool) {
	key := EntityKey{
		Region:    strings.TrimSpace(r.Region),
		Market:    strings.TrimSpace(r.Market),
		Commodity: strings.TrimSpace(r.Commodity),
	}
	return key, key.Complete()
}

// numericFields exposes the numeric columns by pointer so cleaning can walk them in order.
func (r *RawRecord) numericFields() []*float64 {
	return []*float64{
		&r.ModalPrice,
		&r.Rainfall,
		&r.MaxTemperature,
		&r.MinTemperature,
		&r.Humidity,
		&r.FloodIndex,
		&r.DroughtIndex,
	}
}

// Complete reports whether every essential field holds a value.
func (r *RawRecord) Complete() bool {
	if r.Date.IsZero() || strings.TrimSpace(r.Season) == "" {
		return false
	}
	for _, f := range r.numericFields() {
		if math.IsNaN(*f) {
			return false
		}
	}
	return true
}

// EntityKey identifies one (region, market, commodity) series.
type EntityKey struct {
	Region    string `json:"state"`
	Market    string `json:"market"`
	Commodity string `json:"commodity"`
}

func NewEntityKey(region, market, commodity string) (EntityKey, error) {
	key := EntityKey{
		Region:    strings.TrimSpace(region),
		Market:    strings.TrimSpace(market),
		Commodity: strings.TrimSpace(commodity),
	}
	if !key.Complete() {
		return EntityKey{}, fmt.Errorf("%w: %q", ErrMalformedEntity, key.String())
	}
	return key, nil
}

// ParseEntityKey parses "region | market | commodity".
func ParseEntityKey(s string) (EntityKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return EntityKey{}, fmt.Errorf("%w: %q is not in the form \"state | market | commodity\"", ErrMalformedEntity, s)
	}
	return NewEntityKey(parts[0], parts[1], parts[2])
}

func (k EntityKey) Complete() bool {
	return k.Region != "" && k.Market != "" && k.Commodity != ""
}

func (k EntityKey) String() string {
	return k.Region + " | " + k.Market + " | " + k.Commodity
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysInclusive counts calendar days in [start, end]; it is <= 0 when start is after end.
func DaysInclusive(start, end time.Time) int {
	return int(Day(end).Sub(Day(start)).Hours()/24) + 1
}
