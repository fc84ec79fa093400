package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

const DefaultNominatimURL = "https://nominatim.openstreetmap.org"

// NominatimConfig configures NominatimGeocoder. RequestsPerSecond is a client-side limit;
// the public server allows one request per second.
type NominatimConfig struct {
	BaseURL           string        `yaml:"base_url"`
	UserAgent         string        `yaml:"user_agent"`
	CountryCodes      string        `yaml:"country_codes"`
	Timeout           time.Duration `yaml:"timeout"`
	Retries           int           `yaml:"retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// NominatimGeocoder queries an OpenStreetMap Nominatim search endpoint.
type NominatimGeocoder struct {
	cfg     NominatimConfig
	client  *resty.Client
	limiter *rate.Limiter
}

type nominatimPlace struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func NewNominatimGeocoder(cfg NominatimConfig) *NominatimGeocoder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNominatimURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cropnex/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json")

	return &NominatimGeocoder{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

func (g *NominatimGeocoder) Resolve(ctx context.Context, place string) (Coordinate, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return Coordinate{}, &GeocodingError{Place: place, Err: err}
	}

	params := map[string]string{
		"q":      place,
		"format": "jsonv2",
		"limit":  "1",
	}
	if g.cfg.CountryCodes != "" {
		params["countrycodes"] = g.cfg.CountryCodes
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(g.cfg.BaseURL + "/search")
	if err != nil {
		return Coordinate{}, &GeocodingError{Place: place, Err: err}
	}
	if resp.IsError() {
		return Coordinate{}, &GeocodingError{Place: place, Err: fmt.Errorf("status %d", resp.StatusCode())}
	}

	var places []nominatimPlace
	if err := json.Unmarshal(resp.Body(), &places); err != nil {
		return Coordinate{}, &GeocodingError{Place: place, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(places) == 0 {
		return Coordinate{}, fmt.Errorf("%w: %s", ErrPlaceNotFound, place)
	}

	lat, errLat := strconv.ParseFloat(places[0].Lat, 64)
	lon, errLon := strconv.ParseFloat(places[0].Lon, 64)
	c := Coordinate{Lat: lat, Lon: lon}
	if err := multierr.Combine(errLat, errLon); err != nil || !c.Valid() {
		return Coordinate{}, &GeocodingError{Place: place, Err: fmt.Errorf("invalid coordinate %q,%q", places[0].Lat, places[0].Lon)}
	}
	return c, nil
}
