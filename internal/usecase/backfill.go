package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TWPull/internal/domain/models"
	domrepo "TWPull/internal/domain/repository"
	"TWPull/internal/service/source"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/util"

	"github.com/google/uuid"
)

// Pacer spaces out upstream calls.
type Pacer interface {
	Wait(ctx context.Context) error
}

// BackfillParams is a validated backfill request.
type BackfillParams struct {
	RunID            string
	Symbols          []string
	Start            time.Time
	End              time.Time
	ForceFullRefresh bool
	ForceStart       time.Time
	// Observer receives this run's events in addition to the service-wide observer.
	Observer domrepo.ProgressObserver
}

// Backfiller plans and runs backfills symbol by symbol, one chunk at a time.
type Backfiller struct {
	pipeline     *Pipeline
	store        domrepo.PriceStore
	coverage     *CoverageAnalyzer
	pacer        Pacer
	observer     domrepo.ProgressObserver
	batchSize    int
	batchTimeout time.Duration
	locks        symbolLocks
	l            *applogger.Logger
	now          func() time.Time
}

type BackfillOption func(*Backfiller)

func WithPacer(p Pacer) BackfillOption {
	return func(b *Backfiller) { b.pacer = p }
}

func WithObserver(o domrepo.ProgressObserver) BackfillOption {
	return func(b *Backfiller) { b.observer = o }
}

// WithSymbolLocker guards each symbol with a lock held for at most ttl.
func WithSymbolLocker(l SymbolLocker, ttl time.Duration) BackfillOption {
	return func(b *Backfiller) {
		b.locks.locker = l
		b.locks.ttl = ttl
	}
}

// WithSymbolBatches sets the group size and per-group timeout used by RunBatches.
func WithSymbolBatches(size int, timeout time.Duration) BackfillOption {
	return func(b *Backfiller) {
		b.batchSize = size
		b.batchTimeout = timeout
	}
}

func NewBackfiller(p *Pipeline, store domrepo.PriceStore, coverage *CoverageAnalyzer, l *applogger.Logger, opts ...BackfillOption) *Backfiller {
	b := &Backfiller{
		pipeline:  p,
		store:     store,
		coverage:  coverage,
		batchSize: 20,
		l:         l,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.locks.l = l
	return b
}

// Params validates a request. Start defaults to Jan 1 of the default start
// year and end to today; end is never later than today.
func (b *Backfiller) Params(req models.BackfillRequest) (BackfillParams, error) {
	today := util.Day(b.now())
	p := BackfillParams{
		Symbols:          dedupeSymbols(req.Symbols),
		Start:            util.YearStart(b.coverage.Policy().DefaultStartYear),
		End:              today,
		ForceFullRefresh: req.ForceFullRefresh,
	}
	if len(p.Symbols) == 0 {
		return p, errors.New("symbols: at least one symbol is required")
	}
	var err error
	if req.StartDate != "" {
		if p.Start, err = util.ParseDate(req.StartDate); err != nil {
			return p, fmt.Errorf("start_date: %w", err)
		}
	}
	if req.EndDate != "" {
		if p.End, err = util.ParseDate(req.EndDate); err != nil {
			return p, fmt.Errorf("end_date: %w", err)
		}
	}
	if req.ForceStartDate != "" {
		if p.ForceStart, err = util.ParseDate(req.ForceStartDate); err != nil {
			return p, fmt.Errorf("force_start_date: %w", err)
		}
	}
	p.End = util.MinDate(p.End, today)
	if p.Start.After(p.End) {
		return p, fmt.Errorf("start_date %s is after end_date %s", util.FormatDate(p.Start), util.FormatDate(p.End))
	}
	return p, nil
}

func dedupeSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Plan returns the ordered ranges to fetch for one symbol and its stored record count.
func (b *Backfiller) Plan(ctx context.Context, symbol string, p BackfillParams) ([]models.FetchRange, int, error) {
	if !p.ForceStart.IsZero() || p.ForceFullRefresh {
		n, err := b.store.CountRecords(ctx, symbol)
		if err != nil {
			return nil, 0, fmt.Errorf("plan %s: %w", symbol, err)
		}
		start := p.Start
		if !p.ForceStart.IsZero() {
			start = p.ForceStart
		}
		if start.After(p.End) {
			return nil, n, nil
		}
		return []models.FetchRange{{Symbol: symbol, Start: start, End: p.End}}, n, nil
	}

	rep, err := b.coverage.Analyze(ctx, symbol)
	if err != nil {
		return nil, 0, fmt.Errorf("plan %s: %w", symbol, err)
	}
	ranges := rep.Ranges
	// Year-level coverage cannot see the days after the latest stored bar
	// of the current year. Past years are already judged by the analyzer.
	if rep.Latest != "" {
		latest, err := util.ParseDate(rep.Latest)
		if err != nil {
			return nil, 0, fmt.Errorf("plan %s: %w", symbol, err)
		}
		tail := util.MaxDate(p.Start, latest.AddDate(0, 0, 1))
		if latest.Year() == b.now().Year() && !tail.After(p.End) {
			ranges = append(ranges, models.FetchRange{Symbol: symbol, Start: tail, End: p.End})
		}
	}
	return ClipRanges(MergeRanges(ranges), p.Start, p.End), rep.TotalRecords, nil
}

// run carries per-run state.
type run struct {
	em     emitter
	report models.BackfillReport
}

// Run backfills every symbol in order. Per-symbol failures land in the report;
// a blocked upstream or a cancelled context stops the run early. The error is
// non-nil only when nothing could be attempted.
func (b *Backfiller) Run(ctx context.Context, p BackfillParams) (models.BackfillReport, error) {
	if len(p.Symbols) == 0 {
		return models.BackfillReport{}, errors.New("backfill: no symbols")
	}
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	r := &run{
		em: emitter{runID: p.RunID, obs: MultiObserver(b.observer, p.Observer), now: b.now},
		report: models.BackfillReport{
			RunID:   p.RunID,
			Results: make([]models.BackfillResult, 0, len(p.Symbols)),
			Errors:  []models.SymbolError{},
		},
	}
	r.em.emit(ctx, models.ProgressEvent{Kind: models.EventRunStarted})
	b.l.Info("backfill started",
		applogger.String("run_id", p.RunID),
		applogger.Int("symbols", len(p.Symbols)),
		applogger.Date("start", p.Start),
		applogger.Date("end", p.End),
		applogger.Bool("force_full_refresh", p.ForceFullRefresh),
	)

	for i, symbol := range p.Symbols {
		if err := ctx.Err(); err != nil {
			b.abort(r, p.Symbols[i:], fmt.Errorf("run cancelled: %w", err))
			break
		}
		res, err := b.lockedSymbol(ctx, r, symbol, p)
		r.report.Results = append(r.report.Results, res)
		r.em.emit(ctx, models.ProgressEvent{Kind: models.EventSymbolDone, Symbol: symbol, Result: &res, Error: errString(err)})
		if err == nil {
			continue
		}
		r.report.Errors = append(r.report.Errors, models.SymbolError{Symbol: symbol, Error: err.Error()})
		if source.IsBlocked(err) || ctx.Err() != nil {
			b.l.Error("backfill aborted", applogger.String("symbol", symbol), applogger.Error(err))
			b.abort(r, p.Symbols[i+1:], fmt.Errorf("not processed: %w", err))
			break
		}
	}

	r.report.Summary = summarize(r.report.Results, r.report.Errors)
	r.report.Success = r.report.Summary.Failed == 0 && !r.report.Aborted
	r.em.emit(ctx, models.ProgressEvent{Kind: models.EventRunDone, Summary: &r.report.Summary})
	b.l.Info("backfill finished",
		applogger.String("run_id", p.RunID),
		applogger.Int("success", r.report.Summary.Success),
		applogger.Int("failed", r.report.Summary.Failed),
		applogger.Bool("aborted", r.report.Aborted),
	)
	return r.report, nil
}

func (b *Backfiller) abort(r *run, rest []string, cause error) {
	r.report.Aborted = true
	for _, s := range rest {
		r.report.Errors = append(r.report.Errors, models.SymbolError{Symbol: s, Error: cause.Error()})
	}
}

func (b *Backfiller) lockedSymbol(ctx context.Context, r *run, symbol string, p BackfillParams) (models.BackfillResult, error) {
	release, err := b.locks.acquire(ctx, symbol)
	if err != nil {
		return newSymbolTally(symbol, 0).finish(true), err
	}
	defer release()
	return b.backfillSymbol(ctx, r, symbol, p)
}

func (b *Backfiller) backfillSymbol(ctx context.Context, r *run, symbol string, p BackfillParams) (models.BackfillResult, error) {
	ranges, existing, err := b.Plan(ctx, symbol, p)
	tally := newSymbolTally(symbol, existing)
	if err != nil {
		return tally.finish(true), err
	}
	tally.res.Ranges = ranges
	tally.advance(models.StateFetching)

	for _, rg := range ranges {
		for _, chunk := range SplitByMonth(rg) {
			if err := b.pace(ctx); err != nil {
				return tally.finish(false), fmt.Errorf("run cancelled: %w", err)
			}
			chunk := chunk
			r.em.emit(ctx, models.ProgressEvent{Kind: models.EventChunkStarted, Symbol: symbol, Range: &chunk})

			cr, err := b.pipeline.Run(ctx, chunk)
			cr.Stats.ExistingTotal = existing
			r.em.emit(ctx, models.ProgressEvent{Kind: models.EventChunkDone, Symbol: symbol, Range: &chunk, Chunk: &cr, Error: errString(err)})
			if err == nil {
				tally.addChunk(cr)
				continue
			}
			switch {
			case source.IsBlocked(err), isStoreFailure(err):
				return tally.finish(true), err
			case ctx.Err() != nil:
				return tally.finish(false), fmt.Errorf("run cancelled: %w", ctx.Err())
			}
			b.l.Warn("chunk skipped",
				applogger.String("symbol", symbol),
				applogger.Date("start", chunk.Start),
				applogger.Date("end", chunk.End),
				applogger.Error(err),
			)
			tally.skipChunk()
		}
	}
	return tally.finish(false), nil
}

// pace waits on the pacer before every chunk. The pacer is shared across
// runs, so consecutive groups and runs keep the same spacing.
func (b *Backfiller) pace(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.pacer == nil {
		return nil
	}
	return b.pacer.Wait(ctx)
}

// RunBatches splits symbols into groups and runs each under its own timeout,
// merging the reports. A group that only ran out of time does not stop the
// remaining groups; a blocked upstream or parent cancellation does, and the
// symbols of the groups never started are reported as not processed.
func (b *Backfiller) RunBatches(ctx context.Context, p BackfillParams) (models.BackfillReport, error) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	merged := models.BackfillReport{RunID: p.RunID, Results: []models.BackfillResult{}, Errors: []models.SymbolError{}}
	groups := SplitSymbols(p.Symbols, b.batchSize)
	for gi, group := range groups {
		gp := p
		gp.Symbols = group
		rep, timedOut, err := b.runGroup(ctx, gp)
		if err != nil {
			return merged, err
		}
		merged.Results = append(merged.Results, rep.Results...)
		merged.Errors = append(merged.Errors, rep.Errors...)
		if rep.Aborted {
			merged.Aborted = true
			if timedOut && ctx.Err() == nil {
				b.l.Warn("symbol batch timed out", applogger.Strings("symbols", group))
				continue
			}
			cause := abortCause(ctx, rep)
			for _, rest := range groups[gi+1:] {
				for _, s := range rest {
					merged.Errors = append(merged.Errors, models.SymbolError{Symbol: s, Error: "not processed: " + cause})
				}
			}
			break
		}
	}
	merged.Summary = summarize(merged.Results, merged.Errors)
	merged.Success = merged.Summary.Failed == 0 && !merged.Aborted
	return merged, nil
}

// abortCause names why an aborted group stopped the whole run.
func abortCause(ctx context.Context, rep models.BackfillReport) string {
	if err := ctx.Err(); err != nil {
		return "run cancelled: " + err.Error()
	}
	if n := len(rep.Results); n > 0 {
		last := rep.Results[n-1].Symbol
		for _, e := range rep.Errors {
			if e.Symbol == last {
				return e.Error
			}
		}
	}
	return "run aborted"
}

// runGroup reports whether the group hit its own deadline.
func (b *Backfiller) runGroup(ctx context.Context, p BackfillParams) (models.BackfillReport, bool, error) {
	if b.batchTimeout <= 0 {
		rep, err := b.Run(ctx, p)
		return rep, false, err
	}
	gctx, cancel := context.WithTimeout(ctx, b.batchTimeout)
	defer cancel()
	rep, err := b.Run(gctx, p)
	return rep, errors.Is(gctx.Err(), context.DeadlineExceeded), err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
