package repository

import (
	"context"
	"time"

	"TWPull/internal/domain/models"
)

// Source fetches daily bars from an upstream exchange. An empty result means
// no data. Implementations return source.ErrBlocked for anti-bot responses and
// a *source.TransientError for timeouts and 5xx.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceRecord, error)
}

// PriceStore persists daily bars keyed by (symbol, date).
type PriceStore interface {
	EnsureSchema(ctx context.Context) error
	YearCounts(ctx context.Context, symbol string) ([]models.CoverageYear, error)
	DateBounds(ctx context.Context, symbol string) (earliest, latest time.Time, ok bool, err error)
	CountRecords(ctx context.Context, symbol string) (int, error)
	// ExistingDates returns the subset of dates already stored, keyed YYYY-MM-DD.
	ExistingDates(ctx context.Context, symbol string, dates []time.Time) (map[string]bool, error)
	UpsertPrices(ctx context.Context, records []models.PriceRecord) (int, error)
	ListPrices(ctx context.Context, filter models.SeriesFilter) ([]models.PriceRecord, error)
	ClosePairs(ctx context.Context, filter models.SeriesFilter) ([]models.ClosePair, error)
	CloseBefore(ctx context.Context, symbol string, date time.Time) (models.PriceRecord, bool, error)
	Symbols(ctx context.Context) ([]string, error)
	BeginRepair(ctx context.Context) (RepairTx, error)
	Health(ctx context.Context) error
	Close() error
}

// RepairTx groups one symbol's backup, delete, upsert and audit writes.
type RepairTx interface {
	BackupAndDelete(ctx context.Context, symbol string, dates []time.Time, reason, ruleVersion string, threshold float64) (int, error)
	UpsertPrices(ctx context.Context, records []models.PriceRecord) (int, error)
	InsertAudit(ctx context.Context, entry models.AnomalyAuditEntry) (int64, error)
	Commit() error
	Rollback() error
}

// ReturnStore receives derived daily returns.
type ReturnStore interface {
	UpsertReturns(ctx context.Context, returns []models.DailyReturn) (int, error)
}

// ProgressObserver is notified at chunk start, chunk done, symbol done and run end.
// Implementations must not block the run for long.
type ProgressObserver interface {
	OnProgress(ctx context.Context, ev models.ProgressEvent)
}

type Metrics interface {
	RecordChunk(source, status string)
	RecordRecords(kind string, n int)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
	RecordAnomalies(n int)
	RecordRepair(deleted, inserted, skipped int)
}
