package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"TWPull/internal/domain/models"
	domrepo "TWPull/internal/domain/repository"
	"TWPull/internal/service/source"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Repair defaults.
const (
	DefaultPaddingDays         = 5
	DefaultValidationThreshold = 0.5
	DefaultRuleVersion         = "pct_jump_v1"

	backupReason = "price_jump"
)

// Reasons attached to rejected refetched records.
const (
	SuspiciousNonPositive = "non_positive_close"
	SuspiciousJump        = "validation_jump"
)

// RepairParams is a validated fix request.
type RepairParams struct {
	RunID       string
	Filter      models.SeriesFilter
	Threshold   float64
	RefetchOnly bool
	PaddingDays int
	// ValidationThreshold 0 disables the refetch jump check.
	ValidationThreshold float64
	RuleVersion         string
	Observer            domrepo.ProgressObserver
}

// Repairer re-fetches anomalous windows and rewrites them symbol by symbol.
type Repairer struct {
	detector *Detector
	pipeline *Pipeline
	store    domrepo.PriceStore
	pacer    Pacer
	observer domrepo.ProgressObserver
	defaults RepairParams
	locks    symbolLocks
	l        *applogger.Logger
	now      func() time.Time
}

type RepairOption func(*Repairer)

func WithRepairPacer(p Pacer) RepairOption {
	return func(r *Repairer) { r.pacer = p }
}

func WithRepairObserver(o domrepo.ProgressObserver) RepairOption {
	return func(r *Repairer) { r.observer = o }
}

// WithRepairLocker shares the backfill symbol locks so a repair never races a backfill.
func WithRepairLocker(l SymbolLocker, ttl time.Duration) RepairOption {
	return func(r *Repairer) {
		r.locks.locker = l
		r.locks.ttl = ttl
	}
}

// WithRepairDefaults sets the values used when a request omits them.
func WithRepairDefaults(paddingDays int, validation float64, ruleVersion string) RepairOption {
	return func(r *Repairer) {
		r.defaults.PaddingDays = paddingDays
		r.defaults.ValidationThreshold = validation
		r.defaults.RuleVersion = ruleVersion
	}
}

func NewRepairer(d *Detector, p *Pipeline, store domrepo.PriceStore, l *applogger.Logger, opts ...RepairOption) *Repairer {
	r := &Repairer{
		detector: d,
		pipeline: p,
		store:    store,
		defaults: RepairParams{
			Threshold:           DefaultAnomalyThreshold,
			RefetchOnly:         true,
			PaddingDays:         DefaultPaddingDays,
			ValidationThreshold: DefaultValidationThreshold,
			RuleVersion:         DefaultRuleVersion,
		},
		l:   l,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.locks.l = l
	return r
}

// SeriesFilter parses optional symbol and date bounds.
func SeriesFilter(symbol, start, end string) (models.SeriesFilter, error) {
	f := models.SeriesFilter{Symbol: symbol}
	var err error
	if start != "" {
		if f.Start, err = util.ParseDate(start); err != nil {
			return f, fmt.Errorf("start: %w", err)
		}
	}
	if end != "" {
		if f.End, err = util.ParseDate(end); err != nil {
			return f, fmt.Errorf("end: %w", err)
		}
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.Start.After(f.End) {
		return f, fmt.Errorf("start %s is after end %s", start, end)
	}
	return f, nil
}

// Params resolves a fix request against the configured defaults.
func (r *Repairer) Params(req models.AnomalyFixRequest) (RepairParams, error) {
	p := r.defaults
	f, err := SeriesFilter(req.Symbol, req.Start, req.End)
	if err != nil {
		return p, err
	}
	p.Filter = f
	if req.Threshold > 0 {
		p.Threshold = req.Threshold
	}
	if req.RefetchOnly != nil {
		p.RefetchOnly = *req.RefetchOnly
	}
	if req.RefetchPaddingDays != nil {
		if *req.RefetchPaddingDays < 0 {
			return p, errors.New("refetchPaddingDays must be >= 0")
		}
		p.PaddingDays = *req.RefetchPaddingDays
	}
	if req.RefetchValidationThreshold != nil {
		if *req.RefetchValidationThreshold < 0 {
			return p, errors.New("refetchValidationThreshold must be >= 0")
		}
		p.ValidationThreshold = *req.RefetchValidationThreshold
	}
	if req.RuleVersion != "" {
		p.RuleVersion = req.RuleVersion
	}
	return p, nil
}

// GroupBySymbol returns each symbol's flagged dates in ascending order.
func GroupBySymbol(anomalies []models.AnomalyRecord) ([]string, map[string][]time.Time) {
	groups := make(map[string][]time.Time)
	var order []string
	for _, a := range anomalies {
		if _, ok := groups[a.Symbol]; !ok {
			order = append(order, a.Symbol)
		}
		groups[a.Symbol] = append(groups[a.Symbol], a.Date)
	}
	sort.Strings(order)
	for _, dates := range groups {
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	}
	return order, groups
}

// RefetchWindow pads the flagged span on both sides; the end never passes today.
func RefetchWindow(symbol string, dates []time.Time, pad int, today time.Time) models.FetchRange {
	w := models.FetchRange{Symbol: symbol, Start: dates[0], End: dates[0]}
	for _, d := range dates[1:] {
		w.Start = util.MinDate(w.Start, d)
		w.End = util.MaxDate(w.End, d)
	}
	w.Start = w.Start.AddDate(0, 0, -pad)
	w.End = util.MinDate(w.End.AddDate(0, 0, pad), today)
	return w
}

// ValidateChain walks records in date order and splits them into accepted and
// suspicious. prev is the close preceding the first record, if known. A record
// whose jump exceeds threshold is rejected but still becomes the next
// comparison base; a record without a positive close is rejected and does not.
// threshold 0 disables the jump check.
func ValidateChain(records []models.PriceRecord, prev decimal.NullDecimal, threshold float64) ([]models.PriceRecord, []models.SuspiciousRecord) {
	accepted := make([]models.PriceRecord, 0, len(records))
	var suspicious []models.SuspiciousRecord
	for _, rec := range records {
		if !rec.HasPositiveClose() {
			c := ""
			if rec.Close.Valid {
				c = rec.Close.Decimal.String()
			}
			suspicious = append(suspicious, models.SuspiciousRecord{
				Date:   util.FormatDate(rec.Date),
				Close:  c,
				Reason: SuspiciousNonPositive,
			})
			continue
		}
		if threshold > 0 && prev.Valid {
			if pct, ok := PctChange(rec.Close.Decimal, prev.Decimal); ok && pct > threshold {
				suspicious = append(suspicious, models.SuspiciousRecord{
					Date:      util.FormatDate(rec.Date),
					Close:     rec.Close.Decimal.String(),
					PrevClose: prev.Decimal.String(),
					PctChange: pct,
					Reason:    SuspiciousJump,
				})
				prev = rec.Close
				continue
			}
		}
		accepted = append(accepted, rec)
		prev = rec.Close
	}
	return accepted, suspicious
}

// Repair detects anomalies under p.Filter and repairs each affected symbol in
// its own transaction. Per-symbol failures are reported in the details; a
// blocked upstream or cancellation stops the run with Aborted set.
func (r *Repairer) Repair(ctx context.Context, p RepairParams) (models.RepairReport, error) {
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}
	if p.RuleVersion == "" {
		p.RuleVersion = r.defaults.RuleVersion
	}
	if p.Threshold <= 0 {
		p.Threshold = r.defaults.Threshold
	}
	em := emitter{runID: p.RunID, obs: MultiObserver(r.observer, p.Observer), now: r.now}
	rep := models.RepairReport{RunID: p.RunID, Details: []models.RepairDetail{}}

	anomalies, err := r.detector.scan(ctx, p.Filter, p.Threshold)
	if err != nil {
		return rep, err
	}
	rep.Count = len(anomalies)
	em.emit(ctx, models.ProgressEvent{Kind: models.EventRunStarted})

	symbols, groups := GroupBySymbol(anomalies)
	for _, symbol := range symbols {
		if r.pacer != nil {
			if err := r.pacer.Wait(ctx); err != nil {
				rep.Aborted = true
				break
			}
		}
		if ctx.Err() != nil {
			rep.Aborted = true
			break
		}
		detail, err := r.repairSymbol(ctx, p, symbol, groups[symbol])
		if err != nil {
			detail.Error = err.Error()
			r.l.Warn("repair symbol failed", applogger.String("symbol", symbol), applogger.Error(err))
		}
		rep.Deleted += detail.Deleted
		rep.Refetched += detail.Inserted
		rep.Details = append(rep.Details, detail)
		em.emit(ctx, models.ProgressEvent{Kind: models.EventRepairDone, Symbol: symbol, Repair: &detail, Error: detail.Error})
		if err != nil && (source.IsBlocked(err) || ctx.Err() != nil) {
			rep.Aborted = true
			break
		}
	}

	if rep.Deleted > 0 || rep.Refetched > 0 {
		r.detector.Invalidate(context.WithoutCancel(ctx))
	}
	em.emit(ctx, models.ProgressEvent{Kind: models.EventRunDone})
	r.l.Info("anomaly repair finished",
		applogger.String("run_id", p.RunID),
		applogger.Int("anomalies", rep.Count),
		applogger.Int("deleted", rep.Deleted),
		applogger.Int("refetched", rep.Refetched),
		applogger.Bool("refetch_only", p.RefetchOnly),
		applogger.Bool("aborted", rep.Aborted),
	)
	return rep, nil
}

// repairSymbol fetches first and only then opens the transaction, so no
// network call happens while rows are locked.
func (r *Repairer) repairSymbol(ctx context.Context, p RepairParams, symbol string, dates []time.Time) (models.RepairDetail, error) {
	release, err := r.locks.acquire(ctx, symbol)
	if err != nil {
		return models.RepairDetail{Symbol: symbol, Dates: formatDates(dates)}, err
	}
	defer release()

	window := RefetchWindow(symbol, dates, p.PaddingDays, util.Day(r.now()))
	detail := models.RepairDetail{
		Symbol: symbol,
		Dates:  formatDates(dates),
		RefetchRange: models.DateRange{
			Start: util.FormatDate(window.Start),
			End:   util.FormatDate(window.End),
		},
	}
	detail, err = r.refetchAndRewrite(ctx, p, detail, window, dates)
	if err != nil {
		r.auditFailure(ctx, p, window)
	}
	return detail, err
}

// auditFailure records an attempt that changed nothing. It runs in its own
// transaction and outlives cancellation of the run.
func (r *Repairer) auditFailure(ctx context.Context, p RepairParams, window models.FetchRange) {
	ctx = context.WithoutCancel(ctx)
	tx, err := r.store.BeginRepair(ctx)
	if err == nil {
		_, err = tx.InsertAudit(ctx, r.auditEntry(p, window, 0, 0))
		if err == nil {
			err = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
	}
	if err != nil {
		r.l.Warn("failed repair not audited", applogger.String("symbol", window.Symbol), applogger.Error(err))
	}
}

func (r *Repairer) auditEntry(p RepairParams, window models.FetchRange, deleted, refetched int) models.AnomalyAuditEntry {
	return models.AnomalyAuditEntry{
		RunID:          p.RunID,
		Symbol:         window.Symbol,
		StartDate:      window.Start,
		EndDate:        window.End,
		DeletedCount:   deleted,
		RefetchedCount: refetched,
		RuleVersion:    p.RuleVersion,
		Threshold:      p.Threshold,
		CreatedAt:      r.now().UTC(),
	}
}

func (r *Repairer) refetchAndRewrite(ctx context.Context, p RepairParams, detail models.RepairDetail, window models.FetchRange, dates []time.Time) (models.RepairDetail, error) {
	symbol := window.Symbol
	fetched, err := r.pipeline.Fetch(ctx, symbol, window.Start, window.End)
	if err != nil {
		return detail, fmt.Errorf("refetch %s: %w", symbol, err)
	}
	records := FilterChunk(window, fetched)
	detail.Fetched = len(records)
	detail.RefetchRange.TradingDays = len(records)

	var prev decimal.NullDecimal
	before, ok, err := r.store.CloseBefore(ctx, symbol, window.Start)
	if err != nil {
		return detail, fmt.Errorf("previous close %s: %w", symbol, err)
	}
	if ok {
		prev = before.Close
	}
	accepted, suspicious := ValidateChain(records, prev, p.ValidationThreshold)
	detail.Skipped = len(records) - len(accepted)
	detail.Suspicious = suspicious
	for _, s := range suspicious {
		r.l.Warn("refetched record rejected",
			applogger.String("symbol", symbol),
			applogger.String("date", s.Date),
			applogger.String("close", s.Close),
			applogger.String("reason", s.Reason),
		)
	}

	tx, err := r.store.BeginRepair(ctx)
	if err != nil {
		return detail, fmt.Errorf("begin repair %s: %w", symbol, err)
	}
	deleted, inserted, err := r.rewrite(ctx, tx, p, symbol, window, dates, accepted)
	if err != nil {
		_ = tx.Rollback()
		return detail, err
	}
	if err := tx.Commit(); err != nil {
		return detail, fmt.Errorf("commit repair %s: %w", symbol, err)
	}
	detail.Deleted = deleted
	detail.Inserted = inserted
	return detail, nil
}

func formatDates(dates []time.Time) []string {
	out := make([]string, len(dates))
	for i, d := range dates {
		out[i] = util.FormatDate(d)
	}
	return out
}

func (r *Repairer) rewrite(ctx context.Context, tx domrepo.RepairTx, p RepairParams, symbol string, window models.FetchRange, dates []time.Time, accepted []models.PriceRecord) (int, int, error) {
	deleted := 0
	if !p.RefetchOnly {
		n, err := tx.BackupAndDelete(ctx, symbol, dates, backupReason, p.RuleVersion, p.Threshold)
		if err != nil {
			return 0, 0, fmt.Errorf("backup %s: %w", symbol, err)
		}
		deleted = n
	}
	inserted := 0
	if len(accepted) > 0 {
		n, err := tx.UpsertPrices(ctx, accepted)
		if err != nil {
			return 0, 0, fmt.Errorf("upsert %s: %w", symbol, err)
		}
		inserted = n
	}
	_, err := tx.InsertAudit(ctx, r.auditEntry(p, window, deleted, inserted))
	if err != nil {
		return 0, 0, fmt.Errorf("audit %s: %w", symbol, err)
	}
	return deleted, inserted, nil
}
