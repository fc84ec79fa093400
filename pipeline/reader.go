package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

type column int

const (
	colRegion column = iota
	colMarket
	colCommodity
	colDate
	colPrice
	colRainfall
	colMaxTemperature
	colMinTemperature
	colHumidity
	colFloodIndex
	colDroughtIndex
	colSeason

	numColumns
)

// SnapshotHeader is the column order written to snapshots. It matches the source dataset.
var SnapshotHeader = []string{
	"State",
	"Market",
	"Commodity",
	"Arrival_Date",
	"Modal_Price",
	"rainfall(mm)",
	"max_temperature",
	"min_temperature",
	"humidity(%)",
	"flood_index",
	"drought_index",
	"season",
}

var headerAliases = map[string]column{
	"state":           colRegion,
	"region":          colRegion,
	"market":          colMarket,
	"commodity":       colCommodity,
	"arrival_date":    colDate,
	"date":            colDate,
	"modal_price":     colPrice,
	"price":           colPrice,
	"rainfall(mm)":    colRainfall,
	"rainfall":        colRainfall,
	"max_temperature": colMaxTemperature,
	"max_temp":        colMaxTemperature,
	"min_temperature": colMinTemperature,
	"min_temp":        colMinTemperature,
	"humidity(%)":     colHumidity,
	"humidity":        colHumidity,
	"flood_index":     colFloodIndex,
	"drought_index":   colDroughtIndex,
	"season":          colSeason,
}

// DateLayouts are tried in order when parsing Arrival_Date.
var DateLayouts = []string{
	"02-01-2006",
	"2006-01-02",
	"02/01/2006",
	"2006-01-02 15:04:05",
}

// ReadFile reads a dataset snapshot, dispatching on the file extension.
func ReadFile(path string) ([]RawRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, &DataError{Reason: "open dataset", Err: err}
		}
		defer f.Close()
		return ReadCSV(f)
	case ".xlsx":
		return readXLSX(path)
	default:
		return nil, &DataError{Reason: fmt.Sprintf("unsupported dataset format %q", filepath.Ext(path))}
	}
}

// ReadCSV reads a CSV table with a header row. A UTF-8 or UTF-16 byte order mark is honoured.
func ReadCSV(r io.Reader) ([]RawRecord, error) {
	reader := csv.NewReader(transform.NewReader(r, xunicode.BOMOverride(encoding.Nop.NewDecoder())))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &DataError{Reason: "dataset is empty"}
	}
	if err != nil {
		return nil, &DataError{Reason: "read header", Err: err}
	}
	index, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	var records []RawRecord
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &DataError{Reason: "read row", Err: err}
		}
		records = append(records, parseRow(row, index))
	}
	return records, nil
}

func readXLSX(path string) ([]RawRecord, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, &DataError{Reason: "open workbook", Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &DataError{Reason: "workbook has no sheets"}
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, &DataError{Reason: "read sheet " + sheets[0], Err: err}
	}
	if len(rows) == 0 {
		return nil, &DataError{Reason: "dataset is empty"}
	}
	index, err := mapHeader(rows[0])
	if err != nil {
		return nil, err
	}

	records := make([]RawRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		records = append(records, parseRow(row, index))
	}
	return records, nil
}

// mapHeader returns, for each known column, its position in the header row.
func mapHeader(header []string) ([numColumns]int, error) {
	var index [numColumns]int
	for i := range index {
		index[i] = -1
	}
	for pos, name := range header {
		col, ok := headerAliases[strings.ToLower(strings.TrimSpace(name))]
		if ok && index[col] == -1 {
			index[col] = pos
		}
	}

	var missing []string
	for col, pos := range index {
		if pos == -1 {
			missing = append(missing, SnapshotHeader[col])
		}
	}
	if len(missing) > 0 {
		return index, &DataError{Reason: "missing essential columns: " + strings.Join(missing, ", ")}
	}
	return index, nil
}

func parseRow(row []string, index [numColumns]int) RawRecord {
	cell := func(c column) string {
		pos := index[c]
		if pos >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[pos])
	}

	return RawRecord{
		Date:           ParseDate(cell(colDate)),
		Region:         cell(colRegion),
		Market:         cell(colMarket),
		Commodity:      cell(colCommodity),
		ModalPrice:     parseNumber(cell(colPrice)),
		Rainfall:       parseNumber(cell(colRainfall)),
		MaxTemperature: parseNumber(cell(colMaxTemperature)),
		MinTemperature: parseNumber(cell(colMinTemperature)),
		Humidity:       parseNumber(cell(colHumidity)),
		FloodIndex:     parseNumber(cell(colFloodIndex)),
		DroughtIndex:   parseNumber(cell(colDroughtIndex)),
		Season:         cell(colSeason),
	}
}

// ParseDate returns the zero time when s matches none of DateLayouts.
func ParseDate(s string) time.Time {
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t)
		}
	}
	return time.Time{}
}

func parseNumber(s string) float64 {
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
