package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/web3guy0/polysignal/types"
)

// ErrNoCandles is returned for an empty candle file
var ErrNoCandles = errors.New("no candles")

// LoadCandles reads a kline CSV from disk
func LoadCandles(path string) ([]types.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candles: %w", err)
	}
	defer f.Close()
	return ReadCandles(f)
}

// ReadCandles parses rows of open_time,open,high,low,close,volume[,...].
// open_time is unix milliseconds or RFC3339. A header row is skipped.
// The result is sorted by open time with duplicates keeping the last row.
func ReadCandles(r io.Reader) ([]types.Candle, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	byTime := make(map[time.Time]types.Candle)
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read candles: %w", err)
		}
		line++
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}
		if line == 1 && isHeader(record) {
			continue
		}

		c, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("candles line %d: %w", line, err)
		}
		byTime[c.OpenTime] = c
	}

	if len(byTime) == 0 {
		return nil, ErrNoCandles
	}
	candles := make([]types.Candle, 0, len(byTime))
	for _, c := range byTime {
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime.Before(candles[j].OpenTime) })
	return candles, nil
}

func isHeader(record []string) bool {
	_, err := parseTime(record[0])
	return err != nil
}

func parseRow(record []string) (types.Candle, error) {
	if len(record) < 6 {
		return types.Candle{}, fmt.Errorf("want 6 fields, got %d", len(record))
	}
	ts, err := parseTime(record[0])
	if err != nil {
		return types.Candle{}, err
	}

	vals := make([]float64, 5)
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return types.Candle{}, fmt.Errorf("field %d: %w", i+2, err)
		}
		vals[i] = v
	}
	c := types.Candle{OpenTime: ts, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]}
	if c.Low > c.High || c.Close <= 0 || c.Open <= 0 || c.Volume < 0 {
		return types.Candle{}, fmt.Errorf("inconsistent candle at %s", ts.Format(time.RFC3339))
	}
	return c, nil
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("open time %q: %w", s, err)
	}
	return t.UTC(), nil
}
