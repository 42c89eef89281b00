package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ClosePair is a stored close alongside the close of the preceding stored trading day.
type ClosePair struct {
	Symbol    string
	Date      time.Time
	Close     decimal.NullDecimal
	PrevClose decimal.NullDecimal
}

// AnomalyRecord is a day whose close jumped beyond a threshold versus the previous stored day.
type AnomalyRecord struct {
	Symbol    string          `json:"symbol"`
	Date      time.Time       `json:"date"`
	Close     decimal.Decimal `json:"close"`
	PrevClose decimal.Decimal `json:"prev_close"`
	PctChange float64         `json:"pct_change"`
}

// AnomalyBackupRow is a verbatim copy of a price row taken right before it is deleted.
type AnomalyBackupRow struct {
	PriceRecord
	Reason      string    `json:"reason"`
	RuleVersion string    `json:"rule_version"`
	Threshold   float64   `json:"threshold"`
	BackupAt    time.Time `json:"backup_at"`
}

// AnomalyAuditEntry summarizes one symbol's repair.
type AnomalyAuditEntry struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	Symbol         string    `json:"symbol"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	DeletedCount   int       `json:"deleted_count"`
	RefetchedCount int       `json:"refetched_count"`
	RuleVersion    string    `json:"rule_version"`
	Threshold      float64   `json:"threshold"`
	CreatedAt      time.Time `json:"created_at"`
}

// SeriesFilter narrows stored series scans. Zero values mean unbounded.
type SeriesFilter struct {
	Symbol string
	Start  time.Time
	End    time.Time
}
