package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"

	"cropnex/monitoring"
)

var (
	// ErrPlaceNotFound means the geocoder answered but knows no such place.
	ErrPlaceNotFound = errors.New("place not found")
	// ErrGeocodingFailure covers transport errors, timeouts and bad responses.
	ErrGeocodingFailure = errors.New("geocoding failed")
)

// GeocodingError wraps a failed lookup. It matches ErrGeocodingFailure.
type GeocodingError struct {
	Place string
	Err   error
}

func (e *GeocodingError) Error() string {
	return fmt.Sprintf("geocoding %q failed: %v", e.Place, e.Err)
}

func (e *GeocodingError) Unwrap() error {
	return e.Err
}

func (e *GeocodingError) Is(target error) bool {
	return target == ErrGeocodingFailure
}

// Geocoder resolves a place name to a coordinate.
type Geocoder interface {
	Resolve(ctx context.Context, place string) (Coordinate, error)
}

// GeocoderFunc adapts a function to Geocoder.
type GeocoderFunc func(ctx context.Context, place string) (Coordinate, error)

func (f GeocoderFunc) Resolve(ctx context.Context, place string) (Coordinate, error) {
	return f(ctx, place)
}

// CoordinateStore persists resolved places across runs. Keys are already normalized.
type CoordinateStore interface {
	LoadCoordinate(ctx context.Context, place string) (Coordinate, bool, error)
	SaveCoordinate(ctx context.Context, place string, c Coordinate) error
}

type cacheEntry struct {
	coord Coordinate
	err   error
}

// CachingGeocoder memoizes another Geocoder. Each normalized place name reaches the
// underlying geocoder at most once while it stays in the cache, including concurrent
// lookups of the same name. Unknown places are cached too; transient failures are not.
//
// A shared lookup runs on its own context bounded by the lookup timeout, so a caller that
// gives up does not fail the others waiting on the same name.
type CachingGeocoder struct {
	next          Geocoder
	cache         *lru.Cache[string, cacheEntry]
	group         singleflight.Group
	store         CoordinateStore
	lookupTimeout time.Duration
	logger        *zap.Logger
	metrics       *monitoring.MetricsCollector
}

func NewCachingGeocoder(next Geocoder, size int, logger *zap.Logger) (*CachingGeocoder, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create geocode cache: %w", err)
	}
	return &CachingGeocoder{
		next:          next,
		cache:         cache,
		lookupTimeout: 30 * time.Second,
		logger:        logger.Named("geocoder"),
	}, nil
}

// WithStore consults store before the network and writes successful lookups to it.
func (g *CachingGeocoder) WithStore(store CoordinateStore) *CachingGeocoder {
	g.store = store
	return g
}

// WithLookupTimeout bounds one shared lookup, store and upstream together.
func (g *CachingGeocoder) WithLookupTimeout(d time.Duration) *CachingGeocoder {
	if d > 0 {
		g.lookupTimeout = d
	}
	return g
}

func (g *CachingGeocoder) WithMetrics(m *monitoring.MetricsCollector) *CachingGeocoder {
	g.metrics = m
	return g
}

// NormalizePlace trims, collapses inner whitespace and case-folds a place name.
func NormalizePlace(place string) string {
	return cases.Fold().String(strings.Join(strings.Fields(place), " "))
}

func (g *CachingGeocoder) Resolve(ctx context.Context, place string) (Coordinate, error) {
	key := NormalizePlace(place)
	if key == "" {
		return Coordinate{}, fmt.Errorf("%w: empty place name", ErrPlaceNotFound)
	}

	if e, ok := g.cache.Get(key); ok {
		g.metrics.Inc(monitoring.GeocodeCacheHits)
		return e.coord, e.err
	}
	g.metrics.Inc(monitoring.GeocodeCacheMisses)

	ch := g.group.DoChan(key, func() (interface{}, error) {
		return g.lookup(context.WithoutCancel(ctx), key, place)
	})
	select {
	case <-ctx.Done():
		return Coordinate{}, &GeocodingError{Place: place, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Coordinate{}, res.Err
		}
		return res.Val.(Coordinate), nil
	}
}

// lookup resolves key through the store and then the upstream geocoder, filling the cache.
func (g *CachingGeocoder) lookup(ctx context.Context, key, place string) (Coordinate, error) {
	ctx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()

	if e, ok := g.cache.Get(key); ok {
		return e.coord, e.err
	}

	if g.store != nil {
		c, found, err := g.store.LoadCoordinate(ctx, key)
		if err != nil {
			g.logger.Warn("coordinate store lookup failed", zap.String("place", key), zap.Error(err))
		} else if found {
			g.cache.Add(key, cacheEntry{coord: c})
			return c, nil
		}
	}

	g.metrics.Inc(monitoring.GeocodeRequests)
	c, err := g.next.Resolve(ctx, place)
	if err != nil {
		if errors.Is(err, ErrPlaceNotFound) {
			g.cache.Add(key, cacheEntry{err: err})
		}
		return Coordinate{}, err
	}
	g.cache.Add(key, cacheEntry{coord: c})

	if g.store != nil {
		if err := g.store.SaveCoordinate(ctx, key, c); err != nil {
			g.logger.Warn("coordinate store write failed", zap.String("place", key), zap.Error(err))
		}
	}
	return c, nil
}
