package models

import "time"

// Symbol-level backfill statuses reported to callers.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// SymbolState tracks a symbol through one backfill run. States only move forward.
type SymbolState string

const (
	StatePending   SymbolState = "pending"
	StateFetching  SymbolState = "fetching"
	StateInserted  SymbolState = "inserted"
	StateNoNewData SymbolState = "no_new_data"
	StateFailed    SymbolState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s SymbolState) Terminal() bool {
	return s == StateInserted || s == StateNoNewData || s == StateFailed
}

// DateRange describes the span of fetched trading days.
type DateRange struct {
	Start       string `json:"start"`
	End         string `json:"end"`
	TradingDays int    `json:"trading_days_count"`
}

// ChunkResult is the outcome of one fetch-upsert unit.
type ChunkResult struct {
	Symbol  string     `json:"symbol"`
	Range   FetchRange `json:"range"`
	Fetched int        `json:"fetched"`
	Dropped int        `json:"dropped"`
	Stats   FetchStats `json:"stats"`
	First   time.Time  `json:"-"`
	Last    time.Time  `json:"-"`
	Days    int        `json:"-"`
}

type BackfillResult struct {
	Symbol           string       `json:"symbol"`
	Status           string       `json:"status"`
	State            SymbolState  `json:"state"`
	PriceRecords     int          `json:"price_records"`
	DuplicateRecords int          `json:"duplicate_records"`
	ExistingRecords  int          `json:"existing_records"`
	PriceDateRange   *DateRange   `json:"price_date_range,omitempty"`
	SkippedChunks    int          `json:"skipped_chunks,omitempty"`
	Ranges           []FetchRange `json:"ranges,omitempty"`
}

type SymbolError struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

type BackfillSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type BackfillReport struct {
	RunID   string           `json:"run_id"`
	Success bool             `json:"success"`
	Aborted bool             `json:"aborted,omitempty"`
	Results []BackfillResult `json:"results"`
	Errors  []SymbolError    `json:"errors"`
	Summary BackfillSummary  `json:"summary"`
}

type AnomalyReport struct {
	Count     int             `json:"count"`
	Threshold float64         `json:"threshold"`
	Data      []AnomalyRecord `json:"data"`
}

// SuspiciousRecord is a refetched value rejected by validation.
type SuspiciousRecord struct {
	Date      string  `json:"date"`
	Close     string  `json:"close"`
	PrevClose string  `json:"prev_close,omitempty"`
	PctChange float64 `json:"pct_change,omitempty"`
	Reason    string  `json:"reason"`
}

type RepairDetail struct {
	Symbol       string             `json:"symbol"`
	Dates        []string           `json:"dates"`
	RefetchRange DateRange          `json:"refetch_range"`
	Fetched      int                `json:"fetched"`
	Inserted     int                `json:"inserted"`
	Skipped      int                `json:"skipped"`
	Deleted      int                `json:"deleted"`
	Suspicious   []SuspiciousRecord `json:"suspicious,omitempty"`
	Error        string             `json:"error,omitempty"`
}

type RepairReport struct {
	RunID     string         `json:"run_id"`
	Deleted   int            `json:"deleted"`
	Refetched int            `json:"refetched"`
	Count     int            `json:"count"`
	Aborted   bool           `json:"aborted,omitempty"`
	Details   []RepairDetail `json:"details"`
}

type CoverageReport struct {
	Symbol       string         `json:"symbol"`
	StartYear    int            `json:"start_year"`
	TotalRecords int            `json:"total_records"`
	Earliest     string         `json:"earliest,omitempty"`
	Latest       string         `json:"latest,omitempty"`
	Years        []YearCoverage `json:"years"`
	Ranges       []FetchRange   `json:"ranges"`
}

type YearCoverage struct {
	Year        int    `json:"year"`
	RecordCount int    `json:"record_count"`
	Threshold   int    `json:"threshold"`
	Status      string `json:"status"` // complete, partial, missing
}

type ReturnsReport struct {
	Symbols int           `json:"symbols"`
	Written int           `json:"written"`
	Errors  []SymbolError `json:"errors"`
}

// Progress event kinds.
const (
	EventRunStarted   = "run_started"
	EventChunkStarted = "chunk_started"
	EventChunkDone    = "chunk_done"
	EventSymbolDone   = "symbol_done"
	EventRepairDone   = "repair_symbol_done"
	EventRunDone      = "run_done"
)

// ProgressEvent is emitted at well-defined points of a run.
type ProgressEvent struct {
	RunID   string           `json:"run_id"`
	Kind    string           `json:"kind"`
	Symbol  string           `json:"symbol,omitempty"`
	Range   *FetchRange      `json:"range,omitempty"`
	Chunk   *ChunkResult     `json:"chunk,omitempty"`
	Result  *BackfillResult  `json:"result,omitempty"`
	Repair  *RepairDetail    `json:"repair,omitempty"`
	Summary *BackfillSummary `json:"summary,omitempty"`
	Error   string           `json:"error,omitempty"`
	At      time.Time        `json:"at"`
}
