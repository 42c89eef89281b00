package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TWPull/internal/domain/models"
	"TWPull/internal/service/source"
)

func TestPipelineCountsDuplicatesOnRerun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	chunk := models.FetchRange{Symbol: "2330.TW", Start: d(2024, 1, 1), End: d(2024, 1, 31)}
	src := seriesSource(weekdays("2330.TW", d(2024, 1, 1), d(2024, 1, 31), "590"))
	p := newTestPipeline(src, store)

	first, err := p.Run(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, 23, first.Stats.NewRecords)
	assert.Equal(t, 0, first.Stats.DuplicateRecords)
	assert.Equal(t, d(2024, 1, 1), first.First)
	assert.Equal(t, d(2024, 1, 31), first.Last)

	second, err := p.Run(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Stats.NewRecords)
	assert.Equal(t, 23, second.Stats.DuplicateRecords)

	n, err := store.CountRecords(ctx, "2330.TW")
	require.NoError(t, err)
	assert.Equal(t, 23, n)
}

func TestPipelineDropsRecordsOutsideChunk(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	src := &fakeSource{fn: func(symbol string, _, _ time.Time) ([]models.PriceRecord, error) {
		return []models.PriceRecord{
			price("2330", d(2023, 12, 29), "580"),
			price("2330", d(2024, 1, 2), "590"),
			price("2330", d(2024, 1, 2), "591"),
			price("2330", d(2024, 2, 1), "600"),
		}, nil
	}}
	chunk := models.FetchRange{Symbol: "2330.TW", Start: d(2024, 1, 1), End: d(2024, 1, 31)}

	res, err := newTestPipeline(src, store).Run(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Fetched)
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, 1, res.Stats.NewRecords)

	got, err := store.ListPrices(ctx, models.SeriesFilter{Symbol: "2330.TW"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "591", got[0].Close.Decimal.String())
}

func TestPipelineEmptyFetchIsNotAnError(t *testing.T) {
	res, err := newTestPipeline(&fakeSource{}, newStore(t)).Run(context.Background(),
		models.FetchRange{Symbol: "9999.TW", Start: d(2024, 1, 1), End: d(2024, 1, 31)})
	require.NoError(t, err)
	assert.Zero(t, res.Fetched)
	assert.Zero(t, res.Stats.NewRecords)
}

func TestPipelineRetriesTransientErrors(t *testing.T) {
	src := &fakeSource{fn: func(string, time.Time, time.Time) ([]models.PriceRecord, error) {
		return nil, &source.TransientError{Op: "fetch", Status: 503, Err: errors.New("unavailable")}
	}}
	_, err := newTestPipeline(src, newStore(t)).Run(context.Background(),
		models.FetchRange{Symbol: "2330.TW", Start: d(2024, 1, 1), End: d(2024, 1, 31)})
	require.Error(t, err)

	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StageFetch, ce.Stage)
	assert.Len(t, src.Calls(), 2)
	assert.False(t, isStoreFailure(err))
}

func TestPipelineDoesNotRetryBlocked(t *testing.T) {
	src := &fakeSource{fn: func(string, time.Time, time.Time) ([]models.PriceRecord, error) {
		return nil, fmt.Errorf("stock day: %w", source.ErrBlocked)
	}}
	_, err := newTestPipeline(src, newStore(t)).Run(context.Background(),
		models.FetchRange{Symbol: "2330.TW", Start: d(2024, 1, 1), End: d(2024, 1, 31)})
	require.ErrorIs(t, err, source.ErrBlocked)
	assert.Len(t, src.Calls(), 1)
}

func TestFilterChunkOrdersByDate(t *testing.T) {
	chunk := models.FetchRange{Symbol: "2330.TW", Start: d(2024, 1, 1), End: d(2024, 1, 31)}
	out := FilterChunk(chunk, []models.PriceRecord{
		price("x", d(2024, 1, 5), "3"),
		price("x", d(2024, 1, 3).Add(13*time.Hour), "1"),
		price("x", d(2024, 1, 4), "2"),
	})
	require.Len(t, out, 3)
	for i, want := range []time.Time{d(2024, 1, 3), d(2024, 1, 4), d(2024, 1, 5)} {
		assert.Equal(t, want, out[i].Date)
		assert.Equal(t, "2330.TW", out[i].Symbol)
	}
}
