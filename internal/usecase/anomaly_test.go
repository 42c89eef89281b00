package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TWPull/internal/domain/models"
	"TWPull/internal/repository"
	"TWPull/internal/service/source"
	applogger "TWPull/pkg/logger"
)

func series(symbol string, start time.Time, closes ...string) []models.PriceRecord {
	out := make([]models.PriceRecord, len(closes))
	for i, c := range closes {
		out[i] = price(symbol, start.AddDate(0, 0, i), c)
	}
	return out
}

func TestDetectorFlagsOnlyTheJump(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "100", "200"))

	rep, err := NewDetector(store, applogger.Nop()).Detect(ctx, models.SeriesFilter{}, 0.2)
	require.NoError(t, err)

	require.Equal(t, 1, rep.Count)
	a := rep.Data[0]
	assert.Equal(t, "2330.TW", a.Symbol)
	assert.Equal(t, d(2024, 3, 3), a.Date)
	assert.InDelta(t, 1.0, a.PctChange, 1e-9)
	assert.Equal(t, "100", a.PrevClose.String())
	assert.Equal(t, 0.2, rep.Threshold)
}

func TestDetectorOrdersBySymbolThenDate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "150", "100"))
	seed(t, store, series("1101.TW", d(2024, 3, 1), "40", "10"))

	rep, err := NewDetector(store, applogger.Nop()).Detect(ctx, models.SeriesFilter{}, 0)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Count)
	assert.Equal(t, "1101.TW", rep.Data[0].Symbol)
	assert.Equal(t, "2330.TW", rep.Data[1].Symbol)
	assert.Equal(t, d(2024, 3, 2), rep.Data[1].Date)
	assert.Equal(t, d(2024, 3, 3), rep.Data[2].Date)
	assert.Equal(t, DefaultAnomalyThreshold, rep.Threshold)
}

func TestDetectorStartFilterKeepsPredecessor(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "300", "310"))

	rep, err := NewDetector(store, applogger.Nop()).Detect(ctx, models.SeriesFilter{Symbol: "2330.TW", Start: d(2024, 3, 2)}, 0.2)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Count)
	assert.Equal(t, d(2024, 3, 2), rep.Data[0].Date)
}

func TestFindJumpsSkipsMissingAndZeroPrevious(t *testing.T) {
	pairs := []models.ClosePair{
		{Symbol: "A", Date: d(2024, 1, 2), Close: decimal.NewNullDecimal(decimal.NewFromInt(5)), PrevClose: decimal.NewNullDecimal(decimal.Zero)},
		{Symbol: "A", Date: d(2024, 1, 3), Close: decimal.NewNullDecimal(decimal.NewFromInt(5))},
		{Symbol: "A", Date: d(2024, 1, 4), Close: decimal.NewNullDecimal(decimal.NewFromInt(6)), PrevClose: decimal.NewNullDecimal(decimal.NewFromInt(5))},
	}
	assert.Empty(t, FindJumps(pairs, 0.2))
	assert.Len(t, FindJumps(pairs, 0.1), 1)
}

func TestDetectorCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "200"))
	c := newMapCache()
	det := NewDetector(store, applogger.Nop(), WithReportCache(c, time.Minute))

	first, err := det.Detect(ctx, models.SeriesFilter{}, 0.2)
	require.NoError(t, err)
	require.Equal(t, 1, first.Count)

	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "100"))
	cached, err := det.Detect(ctx, models.SeriesFilter{}, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 1, cached.Count)

	det.Observer().OnProgress(ctx, models.ProgressEvent{Kind: models.EventRunDone})
	fresh, err := det.Detect(ctx, models.SeriesFilter{}, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Count)
	assert.Equal(t, 2, c.sets)
}

func TestValidateChain(t *testing.T) {
	recs := []models.PriceRecord{
		price("A", d(2024, 1, 2), "140"),
		price("A", d(2024, 1, 3), "280"),
		price("A", d(2024, 1, 4), "290"),
		price("A", d(2024, 1, 5), "0"),
		price("A", d(2024, 1, 8), "300"),
	}
	prev := decimal.NewNullDecimal(decimal.NewFromInt(100))

	accepted, suspicious := ValidateChain(recs, prev, 0.5)
	require.Len(t, accepted, 3)
	assert.Equal(t, d(2024, 1, 2), accepted[0].Date)
	assert.Equal(t, d(2024, 1, 4), accepted[1].Date)
	assert.Equal(t, d(2024, 1, 8), accepted[2].Date)
	require.Len(t, suspicious, 2)
	assert.Equal(t, SuspiciousJump, suspicious[0].Reason)
	assert.Equal(t, "2024-01-03", suspicious[0].Date)
	assert.InDelta(t, 1.0, suspicious[0].PctChange, 1e-9)
	assert.Equal(t, SuspiciousNonPositive, suspicious[1].Reason)

	accepted, suspicious = ValidateChain(recs, prev, 0)
	assert.Len(t, accepted, 4)
	assert.Len(t, suspicious, 1)

	accepted, _ = ValidateChain(recs[:1], decimal.NullDecimal{}, 0.01)
	assert.Len(t, accepted, 1)
}

func TestRefetchWindowPadsAndClipsToToday(t *testing.T) {
	w := RefetchWindow("A", []time.Time{d(2024, 6, 3), d(2024, 6, 12)}, 5, testToday)
	assert.Equal(t, d(2024, 5, 29), w.Start)
	assert.Equal(t, testToday, w.End)
}

func newTestRepairer(src *fakeSource, store *repository.SQLStore, opts ...RepairOption) *Repairer {
	det := NewDetector(store, applogger.Nop())
	r := NewRepairer(det, newTestPipeline(src, store), store, applogger.Nop(), opts...)
	r.now = fixedNow
	return r
}

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestRepairRefetchOnlyDeletesNothingAndAudits(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "101", "300", "102", "103"))
	src := seriesSource(series("2330.TW", d(2024, 2, 20), "100", "100", "100", "100", "100", "100", "100", "100", "100", "100", "101", "102", "102", "103", "103"))
	r := newTestRepairer(src, store)

	p, err := r.Params(models.AnomalyFixRequest{Symbol: "2330.TW"})
	require.NoError(t, err)
	assert.True(t, p.RefetchOnly)
	assert.Equal(t, DefaultPaddingDays, p.PaddingDays)
	assert.Equal(t, DefaultValidationThreshold, p.ValidationThreshold)

	rep, err := r.Repair(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Count)
	assert.Zero(t, rep.Deleted)
	assert.Positive(t, rep.Refetched)
	require.Len(t, rep.Details, 1)
	det := rep.Details[0]
	assert.Equal(t, []string{"2024-03-03", "2024-03-04"}, det.Dates)
	assert.Equal(t, "2024-02-27", det.RefetchRange.Start)
	assert.Equal(t, "2024-03-09", det.RefetchRange.End)
	assert.Zero(t, det.Deleted)
	assert.Empty(t, det.Error)

	audit, err := store.AuditEntries(ctx, "2330.TW")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, 0, audit[0].DeletedCount)
	assert.Equal(t, det.Inserted, audit[0].RefetchedCount)
	assert.Equal(t, rep.RunID, audit[0].RunID)
	assert.Equal(t, DefaultRuleVersion, audit[0].RuleVersion)

	backups, err := store.BackupRows(ctx, "2330.TW")
	require.NoError(t, err)
	assert.Empty(t, backups)

	after, err := NewDetector(store, applogger.Nop()).Detect(ctx, models.SeriesFilter{Symbol: "2330.TW"}, 0.2)
	require.NoError(t, err)
	assert.Zero(t, after.Count)
}

func TestRepairValidationKeepsStoredRowOnDoubledValue(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "100", "300"))
	// Upstream still serves a doubled value for the flagged day.
	src := seriesSource(series("2330.TW", d(2024, 3, 1), "100", "100", "200"))
	r := newTestRepairer(src, store)

	p, err := r.Params(models.AnomalyFixRequest{Symbol: "2330.TW", RefetchPaddingDays: intPtr(0)})
	require.NoError(t, err)
	rep, err := r.Repair(ctx, p)
	require.NoError(t, err)

	require.Len(t, rep.Details, 1)
	det := rep.Details[0]
	assert.Equal(t, 1, det.Fetched)
	assert.Equal(t, 1, det.Skipped)
	assert.Zero(t, det.Inserted)
	require.Len(t, det.Suspicious, 1)
	assert.Equal(t, SuspiciousJump, det.Suspicious[0].Reason)

	got, err := store.ListPrices(ctx, models.SeriesFilter{Symbol: "2330.TW", Start: d(2024, 3, 3), End: d(2024, 3, 3)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "300", got[0].Close.Decimal.String())
}

func TestRepairAcceptsSmallCorrection(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "100", "300"))
	src := seriesSource(series("2330.TW", d(2024, 3, 1), "100", "100", "120"))
	r := newTestRepairer(src, store)

	p, err := r.Params(models.AnomalyFixRequest{Symbol: "2330.TW", RefetchPaddingDays: intPtr(0)})
	require.NoError(t, err)
	rep, err := r.Repair(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Refetched)

	got, err := store.ListPrices(ctx, models.SeriesFilter{Symbol: "2330.TW", Start: d(2024, 3, 3), End: d(2024, 3, 3)})
	require.NoError(t, err)
	assert.Equal(t, "120", got[0].Close.Decimal.String())
}

func TestRepairBackupDeleteMode(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "100", "300"))
	src := seriesSource(series("2330.TW", d(2024, 3, 1), "100", "100", "101"))
	rec := &recorder{}
	r := newTestRepairer(src, store)

	p, err := r.Params(models.AnomalyFixRequest{
		Symbol:                     "2330.TW",
		RefetchOnly:                boolPtr(false),
		RefetchValidationThreshold: floatPtr(0),
		RuleVersion:                "pct_jump_v2",
	})
	require.NoError(t, err)
	p.Observer = rec
	rep, err := r.Repair(ctx, p)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Deleted)
	assert.Equal(t, 3, rep.Refetched)
	assert.Equal(t, 1, rec.count(models.EventRepairDone))

	backups, err := store.BackupRows(ctx, "2330.TW")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, d(2024, 3, 3), backups[0].Date)
	assert.Equal(t, "300", backups[0].Close.Decimal.String())
	assert.Equal(t, "pct_jump_v2", backups[0].RuleVersion)
	assert.Equal(t, 0.2, backups[0].Threshold)

	audit, err := store.AuditEntries(ctx, "2330.TW")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, 1, audit[0].DeletedCount)
	assert.Equal(t, 3, audit[0].RefetchedCount)
}

func TestRepairFetchFailureLeavesRowsUntouched(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "100", "300"))
	seed(t, store, series("2454.TW", d(2024, 3, 1), "900", "900", "100"))
	src := &fakeSource{fn: func(symbol string, _, _ time.Time) ([]models.PriceRecord, error) {
		return nil, source.ErrBlocked
	}}
	r := newTestRepairer(src, store)

	p, err := r.Params(models.AnomalyFixRequest{RefetchOnly: boolPtr(false)})
	require.NoError(t, err)
	rep, err := r.Repair(ctx, p)
	require.NoError(t, err)

	assert.True(t, rep.Aborted)
	require.Len(t, rep.Details, 1)
	assert.NotEmpty(t, rep.Details[0].Error)
	assert.Zero(t, rep.Deleted)

	n, err := store.CountRecords(ctx, "2330.TW")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	audit, err := store.AuditEntries(ctx, "2330.TW")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, rep.RunID, audit[0].RunID)
	assert.Zero(t, audit[0].DeletedCount)
	assert.Zero(t, audit[0].RefetchedCount)

	audit, err = store.AuditEntries(ctx, "2454.TW")
	require.NoError(t, err)
	assert.Empty(t, audit)
}

func TestRepairWaitsOnPacerBeforeEverySymbol(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	seed(t, store, series("2330.TW", d(2024, 3, 1), "100", "100", "300"))
	seed(t, store, series("2454.TW", d(2024, 3, 1), "900", "900", "100"))
	pacer := &countingPacer{}
	r := newTestRepairer(seriesSource(nil), store, WithRepairPacer(pacer))

	p, err := r.Params(models.AnomalyFixRequest{RefetchOnly: boolPtr(true)})
	require.NoError(t, err)
	rep, err := r.Repair(ctx, p)
	require.NoError(t, err)

	require.Len(t, rep.Details, 2)
	assert.Equal(t, int32(2), pacer.n.Load())
}

func TestRepairParamsRejectsBadInput(t *testing.T) {
	r := newTestRepairer(&fakeSource{}, newStore(t))
	_, err := r.Params(models.AnomalyFixRequest{Start: "2024-03-10", End: "2024-03-01"})
	require.Error(t, err)
	_, err = r.Params(models.AnomalyFixRequest{RefetchPaddingDays: intPtr(-1)})
	require.Error(t, err)
	_, err = r.Params(models.AnomalyFixRequest{RefetchValidationThreshold: floatPtr(-0.1)})
	require.Error(t, err)
}
