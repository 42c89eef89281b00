package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is one daily bar. Date is always UTC midnight.
// At most one record exists per (Symbol, Date).
type PriceRecord struct {
	Symbol string              `json:"symbol"`
	Date   time.Time           `json:"date"`
	Open   decimal.NullDecimal `json:"open"`
	High   decimal.NullDecimal `json:"high"`
	Low    decimal.NullDecimal `json:"low"`
	Close  decimal.NullDecimal `json:"close"`
	Volume int64               `json:"volume"`
}

// Key identifies the record's (symbol, date) slot.
func (r PriceRecord) Key() string {
	return r.Symbol + "|" + r.Date.Format("2006-01-02")
}

// HasPositiveClose reports whether Close is present and > 0.
func (r PriceRecord) HasPositiveClose() bool {
	return r.Close.Valid && r.Close.Decimal.IsPositive()
}

// CoverageYear is the stored record count of one symbol in one calendar year.
type CoverageYear struct {
	Symbol      string `json:"symbol"`
	Year        int    `json:"year"`
	RecordCount int    `json:"record_count"`
}

// FetchRange is one contiguous inclusive span of calendar dates.
type FetchRange struct {
	Symbol string    `json:"symbol"`
	Start  time.Time `json:"start_date"`
	End    time.Time `json:"end_date"`
}

// Days is the number of calendar days covered, inclusive.
func (r FetchRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

// Contains reports whether d falls inside the range.
func (r FetchRange) Contains(d time.Time) bool {
	return !d.Before(r.Start) && !d.After(r.End)
}

// FetchStats counts the outcome of one chunk or an aggregate of chunks.
type FetchStats struct {
	NewRecords       int `json:"new_records"`
	DuplicateRecords int `json:"duplicate_records"`
	ExistingTotal    int `json:"existing_total"`
}

// Add accumulates o into s. ExistingTotal is a snapshot and is not summed.
func (s *FetchStats) Add(o FetchStats) {
	s.NewRecords += o.NewRecords
	s.DuplicateRecords += o.DuplicateRecords
}

// DailyReturn is a derived close-to-close simple return.
type DailyReturn struct {
	Symbol    string          `json:"symbol"`
	Date      time.Time       `json:"date"`
	Close     decimal.Decimal `json:"close"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Return    float64         `json:"return"`
}
