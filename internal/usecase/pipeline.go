package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"TWPull/internal/domain/models"
	domrepo "TWPull/internal/domain/repository"
	"TWPull/internal/service/retry"
	"TWPull/internal/service/source"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/util"
)

// Chunk failure stages.
const (
	StageFetch = "fetch"
	StageStore = "store"
)

// ChunkError reports where a chunk failed. A blocked upstream still matches
// errors.Is(err, source.ErrBlocked).
type ChunkError struct {
	Stage string
	Range models.FetchRange
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s %s %s..%s: %v", e.Stage, e.Range.Symbol,
		util.FormatDate(e.Range.Start), util.FormatDate(e.Range.End), e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Pipeline fetches one chunk from the source and upserts it.
type Pipeline struct {
	source  domrepo.Source
	store   domrepo.PriceStore
	policy  retry.Policy
	metrics domrepo.Metrics
	l       *applogger.Logger
}

type PipelineOption func(*Pipeline)

func WithRetryPolicy(p retry.Policy) PipelineOption {
	return func(pl *Pipeline) { pl.policy = p }
}

func WithPipelineMetrics(m domrepo.Metrics) PipelineOption {
	return func(pl *Pipeline) { pl.metrics = m }
}

func NewPipeline(src domrepo.Source, store domrepo.PriceStore, l *applogger.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		source: src,
		store:  store,
		policy: retry.New(retry.WithClassifier(source.Classify)),
		l:      l,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.policy.Classify == nil {
		p.policy.Classify = source.Classify
	}
	return p
}

func (p *Pipeline) Source() domrepo.Source { return p.source }

// Fetch calls the source under the retry policy.
func (p *Pipeline) Fetch(ctx context.Context, symbol string, start, end time.Time) ([]models.PriceRecord, error) {
	begin := time.Now()
	attempt := 0
	records, err := retry.Do(ctx, p.policy, func(ctx context.Context) ([]models.PriceRecord, error) {
		attempt++
		if attempt > 1 {
			p.l.Debug("fetch retry",
				applogger.String("symbol", symbol),
				applogger.Int("attempt", attempt),
			)
		}
		return p.source.Fetch(ctx, symbol, start, end)
	})
	if p.metrics != nil {
		p.metrics.RecordLatency("fetch", time.Since(begin).Seconds())
		if err != nil {
			p.metrics.RecordError("fetch")
		}
	}
	return records, err
}

// Run executes fetch then upsert for one chunk. The returned error is a *ChunkError.
func (p *Pipeline) Run(ctx context.Context, chunk models.FetchRange) (models.ChunkResult, error) {
	res := models.ChunkResult{Symbol: chunk.Symbol, Range: chunk}

	fetched, err := p.Fetch(ctx, chunk.Symbol, chunk.Start, chunk.End)
	if err != nil {
		return res, &ChunkError{Stage: StageFetch, Range: chunk, Err: err}
	}
	res.Fetched = len(fetched)

	records := FilterChunk(chunk, fetched)
	res.Dropped = len(fetched) - len(records)
	if res.Dropped > 0 {
		p.l.Warn("dropped records outside chunk",
			applogger.String("symbol", chunk.Symbol),
			applogger.Int("dropped", res.Dropped),
		)
	}
	if len(records) == 0 {
		return res, nil
	}

	dates := make([]time.Time, len(records))
	for i, r := range records {
		dates[i] = r.Date
	}
	existing, err := p.store.ExistingDates(ctx, chunk.Symbol, dates)
	if err != nil {
		return res, &ChunkError{Stage: StageStore, Range: chunk, Err: fmt.Errorf("existing dates: %w", err)}
	}
	dup := 0
	for _, d := range dates {
		if existing[util.FormatDate(d)] {
			dup++
		}
	}

	if _, err := p.store.UpsertPrices(ctx, records); err != nil {
		if p.metrics != nil {
			p.metrics.RecordError("upsert")
		}
		return res, &ChunkError{Stage: StageStore, Range: chunk, Err: fmt.Errorf("upsert: %w", err)}
	}

	res.Stats.DuplicateRecords = dup
	res.Stats.NewRecords = max(0, len(records)-dup)
	res.Days = len(records)
	res.First = records[0].Date
	res.Last = records[len(records)-1].Date
	return res, nil
}

// FilterChunk keeps records dated inside the chunk, forces the chunk's symbol,
// keeps the last record per date and returns them in date order.
func FilterChunk(chunk models.FetchRange, records []models.PriceRecord) []models.PriceRecord {
	byDate := make(map[time.Time]int, len(records))
	out := make([]models.PriceRecord, 0, len(records))
	for _, r := range records {
		r.Date = util.Day(r.Date)
		if !chunk.Contains(r.Date) {
			continue
		}
		r.Symbol = chunk.Symbol
		if i, ok := byDate[r.Date]; ok {
			out[i] = r
			continue
		}
		byDate[r.Date] = len(out)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// isStoreFailure reports whether err came from the database side of a chunk.
func isStoreFailure(err error) bool {
	var ce *ChunkError
	return errors.As(err, &ce) && ce.Stage == StageStore
}
