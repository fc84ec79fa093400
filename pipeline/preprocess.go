package pipeline

import (
	"sort"
	"time"

	"cropnex/ml"
)

const (
	PriceColumn = "Modal_Price"
)

// WeatherColumns are scaled together by Dataset.WeatherScaler, in this order.
var WeatherColumns = []string{"rainfall(mm)", "max_temperature", "min_temperature"}

// Dataset is the immutable result of one preprocessing run. Scalers and encoders are fitted
// once per run and must only be applied to vectors from the same Dataset.
type Dataset struct {
	Store         *SeriesStore
	PriceScaler   *ml.MinMaxScaler
	WeatherScaler *ml.MinMaxScaler
	Features      []string
	SeasonEncoder *ml.LabelEncoder
	EntityEncoder *ml.LabelEncoder
	// Records are the cleaned rows in real units, grouped by entity in key order.
	Records  []RawRecord
	Stats    CleaningStats
	Source   string
	LoadedAt time.Time
}

// LoadDataset reads path and preprocesses it.
func LoadDataset(path string) (*Dataset, error) {
	records, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	ds, err := Process(records)
	if err != nil {
		return nil, err
	}
	ds.Source = path
	return ds, nil
}

// Process cleans records, fits the scalers and encoders across all entities and partitions
// the result into a SeriesStore. The input slice is not modified.
func Process(records []RawRecord) (*Dataset, error) {
	if len(records) == 0 {
		return nil, &DataError{Reason: "dataset is empty"}
	}

	cleaner := NewDataCleaner()
	groups := cleaner.Clean(records)
	if len(groups) == 0 {
		return nil, &DataError{Reason: "no usable rows after cleaning"}
	}

	keys := make([]EntityKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	var (
		prices   []float64
		weather  = make([][]float64, len(WeatherColumns))
		seasons  []string
		entities = make([]string, 0, len(keys))
		cleaned  []RawRecord
	)
	for _, k := range keys {
		entities = append(entities, k.String())
		for _, rec := range groups[k] {
			prices = append(prices, rec.ModalPrice)
			weather[0] = append(weather[0], rec.Rainfall)
			weather[1] = append(weather[1], rec.MaxTemperature)
			weather[2] = append(weather[2], rec.MinTemperature)
			seasons = append(seasons, rec.Season)
			cleaned = append(cleaned, rec)
		}
	}

	priceScaler, err := ml.FitMinMax([]string{PriceColumn}, [][]float64{prices})
	if err != nil {
		return nil, &DataError{Reason: "fit price scaler", Err: err}
	}
	weatherScaler, err := ml.FitMinMax(WeatherColumns, weather)
	if err != nil {
		return nil, &DataError{Reason: "fit weather scaler", Err: err}
	}
	seasonEncoder := ml.FitLabelEncoder(seasons)
	entityEncoder := ml.FitLabelEncoder(entities)

	series := make(map[EntityKey]*EntitySeries, len(keys))
	for _, k := range keys {
		group := groups[k]
		entityCode, err := entityEncoder.Encode(k.String())
		if err != nil {
			return nil, &DataError{Reason: "encode entity", Err: err}
		}

		s := &EntitySeries{
			Key:     k,
			Dates:   make([]time.Time, len(group)),
			Vectors: make([]ml.FeatureVector, len(group)),
			Records: group,
		}
		for i, rec := range group {
			seasonCode, err := seasonEncoder.Encode(rec.Season)
			if err != nil {
				return nil, &DataError{Reason: "encode season", Err: err}
			}
			s.Dates[i] = rec.Date
			s.Vectors[i] = ml.FeatureVector{
				ml.PriceIdx:          priceScaler.Forward(0, rec.ModalPrice),
				ml.RainfallIdx:       weatherScaler.Forward(0, rec.Rainfall),
				ml.MaxTemperatureIdx: weatherScaler.Forward(1, rec.MaxTemperature),
				ml.MinTemperatureIdx: weatherScaler.Forward(2, rec.MinTemperature),
				ml.HumidityIdx:       rec.Humidity,
				ml.FloodIndexIdx:     rec.FloodIndex,
				ml.DroughtIndexIdx:   rec.DroughtIndex,
				ml.SeasonCodeIdx:     float64(seasonCode),
				ml.EntityCodeIdx:     float64(entityCode),
			}
		}
		series[k] = s
	}

	return &Dataset{
		Store:         newSeriesStore(series),
		PriceScaler:   priceScaler,
		WeatherScaler: weatherScaler,
		Features:      ml.FeatureNames(),
		SeasonEncoder: seasonEncoder,
		EntityEncoder: entityEncoder,
		Records:       cleaned,
		Stats:         cleaner.GetStats(),
		LoadedAt:      time.Now().UTC(),
	}, nil
}
