package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TWPull/internal/domain/models"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/sqldb"
)

func newTestStore(t *testing.T, opts ...SQLStoreOption) *SQLStore {
	t.Helper()
	db, err := sqldb.Open(sqldb.WithDSN(":memory:"))
	require.NoError(t, err)
	s := NewSQLStore(db, applogger.Nop(), opts...)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func bar(symbol string, d time.Time, close string) models.PriceRecord {
	c := decimal.RequireFromString(close)
	return models.PriceRecord{
		Symbol: symbol,
		Date:   d,
		Open:   decimal.NewNullDecimal(c),
		High:   decimal.NewNullDecimal(c),
		Low:    decimal.NewNullDecimal(c),
		Close:  decimal.NewNullDecimal(c),
		Volume: 1000,
	}
}

func TestUpsertIsIdempotentAndLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	recs := []models.PriceRecord{
		bar("2330.TW", day(2024, 1, 2), "590"),
		bar("2330.TW", day(2024, 1, 3), "593"),
	}
	n, err := s.UpsertPrices(ctx, recs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs[1] = bar("2330.TW", day(2024, 1, 3), "600.5")
	_, err = s.UpsertPrices(ctx, recs)
	require.NoError(t, err)

	count, err := s.CountRecords(ctx, "2330.TW")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := s.ListPrices(ctx, models.SeriesFilter{Symbol: "2330.TW"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].Close.Decimal.Equal(decimal.RequireFromString("600.5")))
	assert.Equal(t, day(2024, 1, 3), got[1].Date)
}

func TestUpsertDedupesWithinCall(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, WithUpsertBatchSize(1))

	n, err := s.UpsertPrices(ctx, []models.PriceRecord{
		bar("1101.TW", day(2024, 2, 1), "40"),
		bar("1101.TW", day(2024, 2, 1), "41"),
		bar("1101.TW", day(2024, 2, 2), "42"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.ListPrices(ctx, models.SeriesFilter{Symbol: "1101.TW"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Close.Decimal.Equal(decimal.NewFromInt(41)))
}

func TestNullPricesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	r := models.PriceRecord{Symbol: "0050.TW", Date: day(2024, 3, 1), Close: decimal.NewNullDecimal(decimal.NewFromInt(150))}
	_, err := s.UpsertPrices(ctx, []models.PriceRecord{r})
	require.NoError(t, err)

	got, err := s.ListPrices(ctx, models.SeriesFilter{Symbol: "0050.TW"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Open.Valid)
	assert.True(t, got[0].Close.Valid)
}

func TestYearCountsAndBounds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpsertPrices(ctx, []models.PriceRecord{
		bar("2317.TW", day(2022, 5, 2), "100"),
		bar("2317.TW", day(2023, 5, 2), "101"),
		bar("2317.TW", day(2023, 5, 3), "102"),
	})
	require.NoError(t, err)

	counts, err := s.YearCounts(ctx, "2317.TW")
	require.NoError(t, err)
	assert.Equal(t, []models.CoverageYear{
		{Symbol: "2317.TW", Year: 2022, RecordCount: 1},
		{Symbol: "2317.TW", Year: 2023, RecordCount: 2},
	}, counts)

	lo, hi, ok, err := s.DateBounds(ctx, "2317.TW")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(2022, 5, 2), lo)
	assert.Equal(t, day(2023, 5, 3), hi)

	_, _, ok, err = s.DateBounds(ctx, "NONE.TW")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExistingDates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.UpsertPrices(ctx, []models.PriceRecord{
		bar("2330.TW", day(2024, 1, 2), "1"),
		bar("2330.TW", day(2024, 1, 4), "1"),
		bar("2330.TW", day(2024, 1, 5), "1"),
	})
	require.NoError(t, err)

	got, err := s.ExistingDates(ctx, "2330.TW", []time.Time{day(2024, 1, 2), day(2024, 1, 3), day(2024, 1, 4)})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"2024-01-02": true, "2024-01-04": true}, got)
}

func TestClosePairsSpanFilterStart(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.UpsertPrices(ctx, []models.PriceRecord{
		bar("A.TW", day(2024, 1, 2), "100"),
		bar("A.TW", day(2024, 1, 3), "100"),
		bar("A.TW", day(2024, 1, 4), "200"),
		bar("B.TW", day(2024, 1, 3), "10"),
	})
	require.NoError(t, err)

	pairs, err := s.ClosePairs(ctx, models.SeriesFilter{Start: day(2024, 1, 3)})
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "A.TW", pairs[0].Symbol)
	assert.Equal(t, day(2024, 1, 3), pairs[0].Date)
	assert.True(t, pairs[0].PrevClose.Decimal.Equal(decimal.NewFromInt(100)))
	assert.True(t, pairs[1].Close.Decimal.Equal(decimal.NewFromInt(200)))
}

func TestCloseBefore(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.UpsertPrices(ctx, []models.PriceRecord{
		bar("A.TW", day(2024, 1, 2), "100"),
		bar("A.TW", day(2024, 1, 5), "105"),
	})
	require.NoError(t, err)

	r, ok, err := s.CloseBefore(ctx, "A.TW", day(2024, 1, 5))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(2024, 1, 2), r.Date)

	_, ok, err = s.CloseBefore(ctx, "A.TW", day(2024, 1, 2))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepairTxBackupDeleteAudit(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	_, err := s.UpsertPrices(ctx, []models.PriceRecord{
		bar("A.TW", day(2024, 1, 2), "100"),
		bar("A.TW", day(2024, 1, 3), "999"),
	})
	require.NoError(t, err)

	tx, err := s.BeginRepair(ctx)
	require.NoError(t, err)
	deleted, err := tx.BackupAndDelete(ctx, "A.TW", []time.Time{day(2024, 1, 3)}, "pct_jump", "pct_jump_v1", 0.2)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = tx.UpsertPrices(ctx, []models.PriceRecord{bar("A.TW", day(2024, 1, 3), "101")})
	require.NoError(t, err)
	id, err := tx.InsertAudit(ctx, models.AnomalyAuditEntry{
		RunID: "r1", Symbol: "A.TW", StartDate: day(2023, 12, 28), EndDate: day(2024, 1, 8),
		DeletedCount: deleted, RefetchedCount: 1, RuleVersion: "pct_jump_v1", Threshold: 0.2,
	})
	require.NoError(t, err)
	assert.Positive(t, id)
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Rollback())

	backups, err := s.BackupRows(ctx, "A.TW")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, backups[0].Close.Decimal.Equal(decimal.NewFromInt(999)))
	assert.Equal(t, "pct_jump_v1", backups[0].RuleVersion)
	assert.Equal(t, now.Unix(), backups[0].BackupAt.Unix())

	audits, err := s.AuditEntries(ctx, "A.TW")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, 1, audits[0].DeletedCount)
	assert.Equal(t, day(2023, 12, 28), audits[0].StartDate)

	got, err := s.ListPrices(ctx, models.SeriesFilter{Symbol: "A.TW", Start: day(2024, 1, 3)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Decimal.Equal(decimal.NewFromInt(101)))
}

func TestRepairTxRollbackKeepsRows(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.UpsertPrices(ctx, []models.PriceRecord{bar("A.TW", day(2024, 1, 3), "999")})
	require.NoError(t, err)

	tx, err := s.BeginRepair(ctx)
	require.NoError(t, err)
	_, err = tx.BackupAndDelete(ctx, "A.TW", []time.Time{day(2024, 1, 3)}, "pct_jump", "v1", 0.2)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	n, err := s.CountRecords(ctx, "A.TW")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func rejectSymbol(t *testing.T, s *SQLStore, symbol string) {
	t.Helper()
	_, err := s.db.ExecContext(context.Background(), `CREATE TRIGGER reject_symbol BEFORE INSERT ON stock_prices
		WHEN NEW.symbol = '`+symbol+`' BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)
}

func TestUpsertFallsBackToSmallerBatches(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rejectSymbol(t, s, "BAD.TW")

	n, err := s.UpsertPrices(ctx, []models.PriceRecord{
		bar("A.TW", day(2024, 1, 2), "10"),
		bar("BAD.TW", day(2024, 1, 2), "10"),
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)

	count, err := s.CountRecords(ctx, "A.TW")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRepairTxUpsertFailsWithoutFallback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rejectSymbol(t, s, "BAD.TW")

	tx, err := s.BeginRepair(ctx)
	require.NoError(t, err)
	n, err := tx.UpsertPrices(ctx, []models.PriceRecord{
		bar("A.TW", day(2024, 1, 2), "10"),
		bar("BAD.TW", day(2024, 1, 2), "10"),
	})
	require.Error(t, err)
	assert.Zero(t, n)
	require.NoError(t, tx.Rollback())

	count, err := s.CountRecords(ctx, "A.TW")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEnsureSchemaLockTimeoutIsNonFatal(t *testing.T) {
	s := newTestStore(t, WithSchemaLockTimeout(20*time.Millisecond))

	require.NoError(t, schemaLock.Acquire(context.Background(), 1))
	defer schemaLock.Release(1)

	assert.NoError(t, s.EnsureSchema(context.Background()))
}

func TestUpsertReturns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rets := []models.DailyReturn{
		{Symbol: "A.TW", Date: day(2024, 1, 3), Close: decimal.NewFromInt(110), PrevClose: decimal.NewFromInt(100), Return: 0.1},
	}
	n, err := s.UpsertReturns(ctx, rets)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rets[0].Return = 0.2
	_, err = s.UpsertReturns(ctx, rets)
	require.NoError(t, err)

	var ret float64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT ret FROM daily_returns WHERE symbol = 'A.TW'`).Scan(&ret))
	assert.InDelta(t, 0.2, ret, 1e-9)
}
