package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"cropnex/ml"
)

// EntitySeries is the date-ordered history of one entity. Dates are strictly increasing and
// Vectors[i], Records[i] belong to Dates[i].
type EntitySeries struct {
	Key     EntityKey
	Dates   []time.Time
	Vectors []ml.FeatureVector
	// Records holds the cleaned rows in real units.
	Records []RawRecord
}

func (s *EntitySeries) Len() int {
	return len(s.Dates)
}

func (s *EntitySeries) LastDate() time.Time {
	if len(s.Dates) == 0 {
		return time.Time{}
	}
	return s.Dates[len(s.Dates)-1]
}

// CountBefore returns how many observations fall strictly before date.
func (s *EntitySeries) CountBefore(date time.Time) int {
	date = Day(date)
	return sort.Search(len(s.Dates), func(i int) bool {
		return !s.Dates[i].Before(date)
	})
}

// Window returns a copy of the last n vectors strictly before date. When fewer than n exist
// it returns nil along with the number that do.
func (s *EntitySeries) Window(date time.Time, n int) ([]ml.FeatureVector, int) {
	available := s.CountBefore(date)
	if n <= 0 || available < n {
		return nil, available
	}
	window := make([]ml.FeatureVector, n)
	copy(window, s.Vectors[available-n:available])
	return window, available
}

// SeriesStore indexes every entity series by key.
type SeriesStore struct {
	series map[EntityKey]*EntitySeries
	keys   []EntityKey
}

func newSeriesStore(series map[EntityKey]*EntitySeries) *SeriesStore {
	keys := make([]EntityKey, 0, len(series))
	for k := range series {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return &SeriesStore{series: series, keys: keys}
}

func (s *SeriesStore) Lookup(key EntityKey) (*EntitySeries, error) {
	series, ok := s.series[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, key)
	}
	return series, nil
}

func (s *SeriesStore) Has(key EntityKey) bool {
	_, ok := s.series[key]
	return ok
}

func (s *SeriesStore) Len() int {
	return len(s.keys)
}

// Keys returns every entity key in sorted order.
func (s *SeriesStore) Keys() []EntityKey {
	out := make([]EntityKey, len(s.keys))
	copy(out, s.keys)
	return out
}

// Filter returns the sorted keys matching commodity and region, compared case-insensitively.
// An empty argument matches everything.
func (s *SeriesStore) Filter(commodity, region string) []EntityKey {
	var out []EntityKey
	for _, k := range s.keys {
		if commodity != "" && !strings.EqualFold(k.Commodity, commodity) {
			continue
		}
		if region != "" && !strings.EqualFold(k.Region, region) {
			continue
		}
		out = append(out, k)
	}
	return out
}

// Holder publishes the current Dataset. Readers call Load once per request and keep the
// pointer; a reload swaps in a new Dataset without disturbing them.
type Holder struct {
	current atomic.Pointer[Dataset]
}

func NewHolder(ds *Dataset) *Holder {
	h := &Holder{}
	h.current.Store(ds)
	return h
}

func (h *Holder) Load() *Dataset {
	return h.current.Load()
}

// Swap publishes ds and returns the dataset it replaced.
func (h *Holder) Swap(ds *Dataset) *Dataset {
	return h.current.Swap(ds)
}
