package source

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"TWPull/internal/domain/models"
	"TWPull/pkg/util"
)

var rocDate = regexp.MustCompile(`^\d{2,3}/\d{1,2}/\d{1,2}\*?$`)

// twseColumns maps STOCK_DAY field titles to canonical columns.
var twseColumns = map[string]string{
	"日期":   "date",
	"成交股數": "volume",
	"開盤價":  "open",
	"最高價":  "high",
	"最低價":  "low",
	"收盤價":  "close",
}

// twseDefaultIndex is the STOCK_DAY column order when fields are missing.
var twseDefaultIndex = map[string]int{"date": 0, "volume": 1, "open": 3, "high": 4, "low": 5, "close": 6}

// NormalizeTWSEDaily converts a STOCK_DAY payload (ROC dates, comma-grouped
// numbers) into records. Rows that fail to parse are returned as ParseErrors.
func NormalizeTWSEDaily(symbol string, fields []string, rows [][]string) ([]models.PriceRecord, []*ParseError) {
	idx := make(map[string]int, len(twseDefaultIndex))
	for i, f := range fields {
		if col, ok := twseColumns[strings.TrimSpace(f)]; ok {
			idx[col] = i
		}
	}
	if len(idx) < len(twseDefaultIndex) {
		idx = twseDefaultIndex
	}

	out := make([]models.PriceRecord, 0, len(rows))
	var errs []*ParseError
	for _, row := range rows {
		rec, err := twseRow(symbol, idx, row)
		if err != nil {
			errs = append(errs, &ParseError{Symbol: symbol, Raw: strings.Join(row, "|"), Err: err})
			continue
		}
		out = append(out, rec)
	}
	return out, errs
}

func twseRow(symbol string, idx map[string]int, row []string) (models.PriceRecord, error) {
	cell := func(col string) (string, error) {
		i := idx[col]
		if i >= len(row) {
			return "", fmt.Errorf("missing column %s", col)
		}
		return row[i], nil
	}

	rec := models.PriceRecord{Symbol: symbol}
	raw, err := cell("date")
	if err != nil {
		return rec, err
	}
	if rec.Date, err = ParseAnyDate(raw); err != nil {
		return rec, err
	}
	for _, f := range []struct {
		col string
		dst *decimal.NullDecimal
	}{{"open", &rec.Open}, {"high", &rec.High}, {"low", &rec.Low}, {"close", &rec.Close}} {
		raw, err := cell(f.col)
		if err != nil {
			return rec, err
		}
		if *f.dst, err = ParsePrice(raw); err != nil {
			return rec, fmt.Errorf("%s: %w", f.col, err)
		}
	}
	raw, err = cell("volume")
	if err != nil {
		return rec, err
	}
	if rec.Volume, err = ParseVolume(raw); err != nil {
		return rec, fmt.Errorf("volume: %w", err)
	}
	return rec, nil
}

// recordKeys lists accepted key variants per canonical field.
var recordKeys = map[string][]string{
	"date":   {"date", "Date", "DATE", "trade_date", "TradeDate", "日期"},
	"open":   {"open", "Open", "OPEN", "OpeningPrice", "開盤價"},
	"high":   {"high", "High", "HIGH", "HighestPrice", "最高價"},
	"low":    {"low", "Low", "LOW", "LowestPrice", "最低價"},
	"close":  {"close", "Close", "CLOSE", "ClosingPrice", "收盤價"},
	"volume": {"volume", "Volume", "VOLUME", "TradeVolume", "成交股數"},
}

func lookup(row map[string]any, field string) (any, bool) {
	for _, k := range recordKeys[field] {
		if v, ok := row[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// NormalizeRecords converts generic JSON records with heterogeneous key
// spellings into records. A record without a date is a ParseError.
func NormalizeRecords(symbol string, rows []map[string]any) ([]models.PriceRecord, []*ParseError) {
	out := make([]models.PriceRecord, 0, len(rows))
	var errs []*ParseError
	for _, row := range rows {
		rec, err := recordRow(symbol, row)
		if err != nil {
			errs = append(errs, &ParseError{Symbol: symbol, Raw: fmt.Sprint(row), Err: err})
			continue
		}
		out = append(out, rec)
	}
	return out, errs
}

func recordRow(symbol string, row map[string]any) (models.PriceRecord, error) {
	rec := models.PriceRecord{Symbol: symbol}
	v, ok := lookup(row, "date")
	if !ok {
		return rec, fmt.Errorf("missing date")
	}
	var err error
	if rec.Date, err = ParseAnyDate(fmt.Sprint(v)); err != nil {
		return rec, err
	}
	for _, f := range []struct {
		name string
		dst  *decimal.NullDecimal
	}{{"open", &rec.Open}, {"high", &rec.High}, {"low", &rec.Low}, {"close", &rec.Close}} {
		v, ok := lookup(row, f.name)
		if !ok {
			continue
		}
		if *f.dst, err = ParsePrice(anyString(v)); err != nil {
			return rec, fmt.Errorf("%s: %w", f.name, err)
		}
	}
	if v, ok := lookup(row, "volume"); ok {
		if rec.Volume, err = ParseVolume(anyString(v)); err != nil {
			return rec, fmt.Errorf("volume: %w", err)
		}
	}
	return rec, nil
}

func anyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// ParseAnyDate accepts ROC dates (113/01/02) and Gregorian layouts.
func ParseAnyDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if rocDate.MatchString(s) {
		return util.ParseROCDate(s)
	}
	return util.ParseDate(s)
}

// ParsePrice parses "1,234.50". Placeholders such as "--" or "" yield an absent value.
func ParsePrice(s string) (decimal.NullDecimal, error) {
	s = cleanNumber(s)
	if isPlaceholder(s) {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("invalid number %q", s)
	}
	return decimal.NewNullDecimal(d), nil
}

// ParseVolume parses a non-negative share count; placeholders are 0.
func ParseVolume(s string) (int64, error) {
	s = cleanNumber(s)
	if isPlaceholder(s) {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid volume %q", s)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative volume %q", s)
	}
	return d.IntPart(), nil
}

func cleanNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, ",", "")
	// STOCK_DAY prefixes ex-dividend rows with X and price changes with +
	s = strings.TrimLeft(s, "X+")
	return s
}

func isPlaceholder(s string) bool {
	switch s {
	case "", "-", "--", "---", "----", "N/A", "null", "NaN":
		return true
	}
	return false
}
