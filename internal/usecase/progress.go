package usecase

import (
	"context"
	"time"

	"TWPull/internal/domain/models"
	domrepo "TWPull/internal/domain/repository"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/util"
)

// ObserverFunc adapts a function to ProgressObserver.
type ObserverFunc func(ctx context.Context, ev models.ProgressEvent)

func (f ObserverFunc) OnProgress(ctx context.Context, ev models.ProgressEvent) { f(ctx, ev) }

type multiObserver []domrepo.ProgressObserver

// MultiObserver fans events out to every non-nil observer in order.
func MultiObserver(obs ...domrepo.ProgressObserver) domrepo.ProgressObserver {
	out := make(multiObserver, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) OnProgress(ctx context.Context, ev models.ProgressEvent) {
	for _, o := range m {
		o.OnProgress(ctx, ev)
	}
}

// LogObserver writes progress as structured log lines.
type LogObserver struct {
	l *applogger.Logger
}

func NewLogObserver(l *applogger.Logger) *LogObserver { return &LogObserver{l: l} }

func (o *LogObserver) OnProgress(_ context.Context, ev models.ProgressEvent) {
	fields := []applogger.Field{
		applogger.String("run_id", ev.RunID),
		applogger.String("kind", ev.Kind),
	}
	if ev.Symbol != "" {
		fields = append(fields, applogger.String("symbol", ev.Symbol))
	}
	if ev.Range != nil {
		fields = append(fields, applogger.Date("start", ev.Range.Start), applogger.Date("end", ev.Range.End))
	}
	switch {
	case ev.Chunk != nil:
		fields = append(fields,
			applogger.Int("fetched", ev.Chunk.Fetched),
			applogger.Int("new", ev.Chunk.Stats.NewRecords),
			applogger.Int("duplicate", ev.Chunk.Stats.DuplicateRecords),
		)
	case ev.Result != nil:
		fields = append(fields,
			applogger.String("status", ev.Result.Status),
			applogger.Int("price_records", ev.Result.PriceRecords),
		)
	case ev.Repair != nil:
		fields = append(fields,
			applogger.Int("inserted", ev.Repair.Inserted),
			applogger.Int("skipped", ev.Repair.Skipped),
			applogger.Int("deleted", ev.Repair.Deleted),
		)
	case ev.Summary != nil:
		fields = append(fields,
			applogger.Int("total", ev.Summary.Total),
			applogger.Int("success", ev.Summary.Success),
			applogger.Int("failed", ev.Summary.Failed),
		)
	}
	if ev.Error != "" {
		o.l.Warn("progress", append(fields, applogger.String("error", ev.Error))...)
		return
	}
	if ev.Kind == models.EventChunkStarted {
		o.l.Debug("progress", fields...)
		return
	}
	o.l.Info("progress", fields...)
}

// MetricsObserver turns progress events into counters.
type MetricsObserver struct {
	m      domrepo.Metrics
	source string
}

func NewMetricsObserver(m domrepo.Metrics, source string) *MetricsObserver {
	return &MetricsObserver{m: m, source: source}
}

func (o *MetricsObserver) OnProgress(_ context.Context, ev models.ProgressEvent) {
	switch ev.Kind {
	case models.EventChunkDone:
		status := "ok"
		switch {
		case ev.Error != "":
			status = "failed"
		case ev.Chunk != nil && ev.Chunk.Fetched == 0:
			status = "empty"
		}
		o.m.RecordChunk(o.source, status)
		if ev.Chunk != nil {
			o.m.RecordRecords("new", ev.Chunk.Stats.NewRecords)
			o.m.RecordRecords("duplicate", ev.Chunk.Stats.DuplicateRecords)
		}
	case models.EventRepairDone:
		if ev.Repair != nil {
			o.m.RecordRepair(ev.Repair.Deleted, ev.Repair.Inserted, ev.Repair.Skipped)
		}
	}
}

// ChannelObserver forwards events to a buffered channel for streaming
// transports. A full buffer blocks the run until the reader catches up or
// the run's context ends, so the reader must drain Events until it closes.
type ChannelObserver struct {
	ch chan models.ProgressEvent
}

func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{ch: make(chan models.ProgressEvent, buffer)}
}

func (o *ChannelObserver) Events() <-chan models.ProgressEvent { return o.ch }

// Close ends the stream; call it once the run has returned.
func (o *ChannelObserver) Close() { close(o.ch) }

func (o *ChannelObserver) OnProgress(ctx context.Context, ev models.ProgressEvent) {
	select {
	case o.ch <- ev:
	case <-ctx.Done():
	}
}

// emitter stamps events with the run id and time.
type emitter struct {
	runID string
	obs   domrepo.ProgressObserver
	now   func() time.Time
}

func (e emitter) emit(ctx context.Context, ev models.ProgressEvent) {
	if e.obs == nil {
		return
	}
	ev.RunID = e.runID
	ev.At = e.now()
	e.obs.OnProgress(ctx, ev)
}

// symbolTally aggregates one symbol's chunk outcomes into a BackfillResult.
type symbolTally struct {
	res      models.BackfillResult
	first    time.Time
	last     time.Time
	days     int
	chunks   int
	failures int
}

func newSymbolTally(symbol string, existing int) *symbolTally {
	return &symbolTally{res: models.BackfillResult{Symbol: symbol, State: models.StatePending, ExistingRecords: existing}}
}

// advance moves the state forward only; terminal states are sticky.
func (t *symbolTally) advance(s models.SymbolState) {
	if t.res.State.Terminal() {
		return
	}
	t.res.State = s
}

func (t *symbolTally) addChunk(c models.ChunkResult) {
	t.chunks++
	t.res.PriceRecords += c.Stats.NewRecords
	t.res.DuplicateRecords += c.Stats.DuplicateRecords
	if c.Days == 0 {
		return
	}
	t.days += c.Days
	if t.first.IsZero() || c.First.Before(t.first) {
		t.first = c.First
	}
	if c.Last.After(t.last) {
		t.last = c.Last
	}
}

func (t *symbolTally) skipChunk() {
	t.chunks++
	t.failures++
	t.res.SkippedChunks++
}

// finish settles status and state. fatal marks a symbol-level failure.
func (t *symbolTally) finish(fatal bool) models.BackfillResult {
	switch {
	case fatal || (t.chunks > 0 && t.failures == t.chunks):
		t.res.Status = models.StatusFailed
		t.advance(models.StateFailed)
	case t.res.PriceRecords > 0 && t.failures == 0:
		t.res.Status = models.StatusSuccess
		t.advance(models.StateInserted)
	case t.res.PriceRecords > 0:
		t.res.Status = models.StatusPartial
		t.advance(models.StateInserted)
	default:
		t.res.Status = models.StatusPartial
		t.advance(models.StateNoNewData)
	}
	if t.days > 0 {
		t.res.PriceDateRange = &models.DateRange{
			Start:       util.FormatDate(t.first),
			End:         util.FormatDate(t.last),
			TradingDays: t.days,
		}
	}
	return t.res
}

// summarize builds the run summary; partial counts as success for the summary.
// Symbols that only appear in errs were never processed and count as failed.
func summarize(results []models.BackfillResult, errs []models.SymbolError) models.BackfillSummary {
	s := models.BackfillSummary{Total: len(results)}
	seen := make(map[string]bool, len(results)+len(errs))
	for _, r := range results {
		seen[r.Symbol] = true
		if r.Status == models.StatusFailed {
			s.Failed++
			continue
		}
		s.Success++
	}
	for _, e := range errs {
		if seen[e.Symbol] {
			continue
		}
		seen[e.Symbol] = true
		s.Total++
		s.Failed++
	}
	return s
}
