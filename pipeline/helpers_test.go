package pipeline

import (
	"math"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func record(key EntityKey, day time.Time, price float64) RawRecord {
	return RawRecord{
		Date:           day,
		Region:         key.Region,
		Market:         key.Market,
		Commodity:      key.Commodity,
		ModalPrice:     price,
		Rainfall:       2.5,
		MaxTemperature: 34,
		MinTemperature: 22,
		Humidity:       61,
		FloodIndex:     0.1,
		DroughtIndex:   0.3,
		Season:         "Kharif",
	}
}

// dailyRecords returns n consecutive days of records starting at start, with price base+i.
func dailyRecords(key EntityKey, start time.Time, n int, base float64) []RawRecord {
	out := make([]RawRecord, n)
	for i := range out {
		out[i] = record(key, start.AddDate(0, 0, i), base+float64(i))
	}
	return out
}

var (
	tomatoKalikiri   = EntityKey{Region: "Andhra Pradesh", Market: "Kalikiri", Commodity: "Tomato"}
	tomatoBowenpally = EntityKey{Region: "Telangana", Market: "Bowenpally", Commodity: "Tomato"}
	nan              = math.NaN()
)
