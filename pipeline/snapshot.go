package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUpdateInProgress is returned when another update holds the snapshot lock.
var ErrUpdateInProgress = errors.New("dataset update already in progress")

const snapshotDateLayout = "02-01-2006"

// WriteSnapshot replaces the file at path with records. The table is written to a temporary
// file in the same directory, synced, then renamed over path, so readers see either the old
// or the new snapshot.
func WriteSnapshot(path string, records []RawRecord) (err error) {
	var write func(io.Writer, []RawRecord) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		write = writeCSV
	case ".xlsx":
		write = writeXLSX
	default:
		return fmt.Errorf("unsupported snapshot format %q", filepath.Ext(path))
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err = write(tmp, records); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func snapshotRow(rec *RawRecord) []string {
	date := ""
	if !rec.Date.IsZero() {
		date = rec.Date.Format(snapshotDateLayout)
	}
	return []string{
		rec.Region,
		rec.Market,
		rec.Commodity,
		date,
		formatNumber(rec.ModalPrice),
		formatNumber(rec.Rainfall),
		formatNumber(rec.MaxTemperature),
		formatNumber(rec.MinTemperature),
		formatNumber(rec.Humidity),
		formatNumber(rec.FloodIndex),
		formatNumber(rec.DroughtIndex),
		rec.Season,
	}
}

func formatNumber(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeCSV(w io.Writer, records []RawRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SnapshotHeader); err != nil {
		return err
	}
	for i := range records {
		if err := cw.Write(snapshotRow(&records[i])); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, records []RawRecord) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header := make([]interface{}, len(SnapshotHeader))
	for i, h := range SnapshotHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i := range records {
		row := snapshotRow(&records[i])
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return err
		}
	}
	return f.Write(w)
}

// AcquireLock creates <path>.lock exclusively. The returned func removes it.
func AcquireLock(path string) (func() error, error) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, fmt.Errorf("%w: %s exists", ErrUpdateInProgress, lockPath)
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("close lock file: %w", err)
	}
	return func() error {
		return os.Remove(lockPath)
	}, nil
}
