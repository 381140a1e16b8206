package utils

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"openrange/internal/domain"
)

var csvHeader = []string{"open_time", "close_time", "instrument", "interval_seconds", "open", "high", "low", "close", "source"}

func WriteBarsToCSV(bars []*domain.Bar, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	writer.Write(csvHeader)

	for _, b := range bars {
		writer.Write([]string{
			b.OpenTime.Format(time.RFC3339),
			b.CloseTime.Format(time.RFC3339),
			b.Instrument,
			strconv.Itoa(int(b.Interval.Seconds())),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			string(b.Source),
		})
	}
	return writer.Error()
}

// ReadBarsFromCSV loads bars written by WriteBarsToCSV. Every row is marked
// final; replay input is closed bars only.
func ReadBarsFromCSV(filename string) ([]*domain.Bar, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %q: %w", filename, err)
	}
	if len(header) < len(csvHeader) {
		return nil, fmt.Errorf("unexpected header in %q: got %d columns, want %d", filename, len(header), len(csvHeader))
	}

	var bars []*domain.Bar
	line := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d of %q: %w", line, filename, err)
		}
		line++

		openTime, err := time.Parse(time.RFC3339, rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid open_time %q: %w", line, rec[0], err)
		}
		closeTime, err := time.Parse(time.RFC3339, rec[1])
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid close_time %q: %w", line, rec[1], err)
		}
		intervalSeconds, err := strconv.Atoi(rec[3])
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid interval_seconds %q: %w", line, rec[3], err)
		}
		open, err := strconv.ParseFloat(rec[4], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid open %q: %w", line, rec[4], err)
		}
		high, err := strconv.ParseFloat(rec[5], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid high %q: %w", line, rec[5], err)
		}
		low, err := strconv.ParseFloat(rec[6], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid low %q: %w", line, rec[6], err)
		}
		closePx, err := strconv.ParseFloat(rec[7], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid close %q: %w", line, rec[7], err)
		}

		source := domain.BarSource(rec[8])
		if source != domain.SourceHistorical && source != domain.SourceLive {
			source = domain.SourceHistorical
		}

		bars = append(bars, &domain.Bar{
			Instrument: rec[2],
			OpenTime:   openTime,
			CloseTime:  closeTime,
			Interval:   time.Duration(intervalSeconds) * time.Second,
			Open:       open,
			High:       high,
			Low:        low,
			Close:      closePx,
			Source:     source,
			IsFinal:    true,
		})
	}
	return bars, nil
}
