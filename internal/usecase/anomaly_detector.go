package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"TWPull/internal/domain/models"
	domrepo "TWPull/internal/domain/repository"
	"TWPull/pkg/cache"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/util"

	"github.com/shopspring/decimal"
)

// DefaultAnomalyThreshold flags day-over-day moves above 20%.
const DefaultAnomalyThreshold = 0.2

// ReportCache is the subset of the cache service the detector needs.
type ReportCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

const anomalyCachePrefix = "anomalies"

// PctChange returns |close - prev| / |prev|. ok is false when prev is zero.
func PctChange(close, prev decimal.Decimal) (float64, bool) {
	if prev.IsZero() {
		return 0, false
	}
	pct, _ := close.Sub(prev).Abs().Div(prev.Abs()).Float64()
	return pct, true
}

// FindJumps flags pairs whose close moved more than threshold versus the
// previous stored close. Pairs without a previous close or with a zero
// previous close are never flagged. Output is ordered by symbol then date.
func FindJumps(pairs []models.ClosePair, threshold float64) []models.AnomalyRecord {
	out := []models.AnomalyRecord{}
	for _, p := range pairs {
		if !p.Close.Valid || !p.PrevClose.Valid {
			continue
		}
		pct, ok := PctChange(p.Close.Decimal, p.PrevClose.Decimal)
		if !ok || pct <= threshold {
			continue
		}
		out = append(out, models.AnomalyRecord{
			Symbol:    p.Symbol,
			Date:      p.Date,
			Close:     p.Close.Decimal,
			PrevClose: p.PrevClose.Decimal,
			PctChange: pct,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// Detector scans stored closes for threshold jumps.
type Detector struct {
	store   domrepo.PriceStore
	cache   ReportCache
	ttl     time.Duration
	metrics domrepo.Metrics
	l       *applogger.Logger
}

type DetectorOption func(*Detector)

// WithReportCache caches detect results for ttl. Repairs invalidate the cache.
func WithReportCache(c ReportCache, ttl time.Duration) DetectorOption {
	return func(d *Detector) {
		d.cache = c
		d.ttl = ttl
	}
}

func WithDetectorMetrics(m domrepo.Metrics) DetectorOption {
	return func(d *Detector) { d.metrics = m }
}

func NewDetector(store domrepo.PriceStore, l *applogger.Logger, opts ...DetectorOption) *Detector {
	d := &Detector{store: store, l: l}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func detectKey(f models.SeriesFilter, threshold float64) string {
	return cache.Key(anomalyCachePrefix, f.Symbol, dateKey(f.Start), dateKey(f.End), threshold)
}

func dateKey(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return util.FormatDate(t)
}

// Detect returns every anomaly inside the filter. A non-positive threshold uses the default.
func (d *Detector) Detect(ctx context.Context, f models.SeriesFilter, threshold float64) (models.AnomalyReport, error) {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	key := detectKey(f, threshold)
	if d.cache != nil {
		var cached models.AnomalyReport
		if err := d.cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		}
	}

	found, err := d.scan(ctx, f, threshold)
	if err != nil {
		return models.AnomalyReport{}, err
	}
	rep := models.AnomalyReport{Count: len(found), Threshold: threshold, Data: found}

	if d.cache != nil {
		if err := d.cache.Set(ctx, key, rep, d.ttl); err != nil {
			d.l.Warn("cache anomaly report", applogger.Error(err))
		}
	}
	return rep, nil
}

// scan always reads the store.
func (d *Detector) scan(ctx context.Context, f models.SeriesFilter, threshold float64) ([]models.AnomalyRecord, error) {
	pairs, err := d.store.ClosePairs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("detect anomalies: %w", err)
	}
	found := FindJumps(pairs, threshold)
	if d.metrics != nil {
		d.metrics.RecordAnomalies(len(found))
	}
	d.l.Info("anomaly scan",
		applogger.String("symbol", f.Symbol),
		applogger.Int("pairs", len(pairs)),
		applogger.Int("anomalies", len(found)),
		applogger.Float64("threshold", threshold),
	)
	return found, nil
}

// Observer invalidates cached reports when a backfill run finishes.
func (d *Detector) Observer() domrepo.ProgressObserver {
	return ObserverFunc(func(ctx context.Context, ev models.ProgressEvent) {
		if ev.Kind == models.EventRunDone {
			d.Invalidate(context.WithoutCancel(ctx))
		}
	})
}

// Invalidate drops cached reports after stored prices changed.
func (d *Detector) Invalidate(ctx context.Context) {
	if d.cache == nil {
		return
	}
	if err := d.cache.DeleteByPattern(ctx, cache.Pattern(anomalyCachePrefix+":")); err != nil {
		d.l.Warn("invalidate anomaly cache", applogger.Error(err))
	}
}
