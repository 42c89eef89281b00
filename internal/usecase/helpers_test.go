package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"TWPull/internal/domain/models"
	"TWPull/internal/repository"
	"TWPull/internal/service/retry"
	"TWPull/internal/service/source"
	"TWPull/pkg/cache"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/sqldb"
)

var testToday = d(2024, 6, 14)

func fixedNow() time.Time { return testToday.Add(9 * time.Hour) }

func newStore(t *testing.T) *repository.SQLStore {
	t.Helper()
	db, err := sqldb.Open(sqldb.WithDSN(":memory:"))
	require.NoError(t, err)
	s := repository.NewSQLStore(db, applogger.Nop())
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func price(symbol string, date time.Time, close string) models.PriceRecord {
	c := decimal.RequireFromString(close)
	return models.PriceRecord{
		Symbol: symbol,
		Date:   date,
		Open:   decimal.NewNullDecimal(c),
		High:   decimal.NewNullDecimal(c),
		Low:    decimal.NewNullDecimal(c),
		Close:  decimal.NewNullDecimal(c),
		Volume: 500,
	}
}

// weekdays returns one bar per weekday in [start, end] at a flat close.
func weekdays(symbol string, start, end time.Time, close string) []models.PriceRecord {
	var out []models.PriceRecord
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 0, 1) {
		if cur.Weekday() == time.Saturday || cur.Weekday() == time.Sunday {
			continue
		}
		out = append(out, price(symbol, cur, close))
	}
	return out
}

func seed(t *testing.T, s *repository.SQLStore, recs []models.PriceRecord) {
	t.Helper()
	_, err := s.UpsertPrices(context.Background(), recs)
	require.NoError(t, err)
}

type fetchCall struct {
	Symbol string
	Start  time.Time
	End    time.Time
}

// fakeSource records calls and answers through fn.
type fakeSource struct {
	mu    sync.Mutex
	calls []fetchCall
	fn    func(symbol string, start, end time.Time) ([]models.PriceRecord, error)
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context, symbol string, start, end time.Time) ([]models.PriceRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{Symbol: symbol, Start: start, End: end})
	f.mu.Unlock()
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(symbol, start, end)
}

func (f *fakeSource) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

// seriesSource serves bars from a fixed series, clipped to the requested window.
func seriesSource(series []models.PriceRecord) *fakeSource {
	return &fakeSource{fn: func(symbol string, start, end time.Time) ([]models.PriceRecord, error) {
		var out []models.PriceRecord
		for _, r := range series {
			if r.Symbol == symbol && !r.Date.Before(start) && !r.Date.After(end) {
				out = append(out, r)
			}
		}
		return out, nil
	}}
}

func fastRetry() retry.Policy {
	return retry.New(
		retry.WithMaxAttempts(2),
		retry.WithBackoff(time.Millisecond, time.Millisecond),
		retry.WithClassifier(source.Classify),
	)
}

func newTestPipeline(src *fakeSource, store *repository.SQLStore) *Pipeline {
	return NewPipeline(src, store, applogger.Nop(), WithRetryPolicy(fastRetry()))
}

func newTestBackfiller(src *fakeSource, store *repository.SQLStore, opts ...BackfillOption) *Backfiller {
	cov := NewCoverageAnalyzer(store, DefaultCoveragePolicy())
	cov.now = fixedNow
	b := NewBackfiller(newTestPipeline(src, store), store, cov, applogger.Nop(), opts...)
	b.now = fixedNow
	return b
}

// mapCache is an in-process ReportCache storing JSON like the real services do.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (c *mapCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return cache.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = raw
	c.sets++
	return nil
}

func (c *mapCache) DeleteByPattern(_ context.Context, pattern string) error {
	prefix := strings.TrimSuffix(pattern, "*")
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.data {
		if strings.HasPrefix(k, prefix) {
			delete(c.data, k)
		}
	}
	return nil
}

// recorder collects progress events.
type recorder struct {
	mu     sync.Mutex
	events []models.ProgressEvent
}

func (r *recorder) OnProgress(_ context.Context, ev models.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}
