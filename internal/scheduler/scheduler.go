package scheduler

import (
	"context"
	"fmt"
	"time"

	"TWPull/internal/domain/models"
	"TWPull/internal/usecase"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/util"

	"github.com/robfig/cron/v3"
)

// Option configures Scheduler.
type Option func(*Scheduler)

// WithLocation evaluates cron specs in loc.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithLookback sets how many days back the post-update anomaly scan looks.
func WithLookback(days int) Option {
	return func(s *Scheduler) {
		if days > 0 {
			s.lookback = days
		}
	}
}

// Scheduler runs the daily incremental update.
type Scheduler struct {
	cron       *cron.Cron
	backfiller *usecase.Backfiller
	detector   *usecase.Detector
	symbols    []string
	lookback   int
	loc        *time.Location
	l          *applogger.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler for symbols.
func New(b *usecase.Backfiller, d *usecase.Detector, symbols []string, l *applogger.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		backfiller: b,
		detector:   d,
		symbols:    symbols,
		lookback:   30,
		loc:        time.Local,
		l:          l,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{l: l}
	s.cron = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// LoadLocation resolves a tz name, falling back to UTC+8 when the tz database is missing.
func LoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("CST", 8*60*60)
	}
	return loc
}

// Register schedules the daily update under a standard 5-field cron spec.
func (s *Scheduler) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.dailyTask); err != nil {
		return fmt.Errorf("register daily update %q: %w", spec, err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.l.Info("scheduler started", applogger.Int("jobs", len(s.cron.Entries())), applogger.Int("symbols", len(s.symbols)))
}

// Stop cancels a running update at its next checkpoint and waits for it.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.l.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) dailyTask() {
	if _, _, err := s.RunDaily(s.ctx); err != nil {
		s.l.Error("daily update failed", applogger.Error(err))
	}
}

// RunDaily backfills the configured symbols incrementally in batches, then
// reports anomalies over the lookback window. The scan is report-only.
func (s *Scheduler) RunDaily(ctx context.Context) (models.BackfillReport, models.AnomalyReport, error) {
	params, err := s.backfiller.Params(models.BackfillRequest{Symbols: s.symbols})
	if err != nil {
		return models.BackfillReport{}, models.AnomalyReport{}, fmt.Errorf("daily update: %w", err)
	}
	rep, err := s.backfiller.RunBatches(ctx, params)
	if err != nil {
		return rep, models.AnomalyReport{}, fmt.Errorf("daily update: %w", err)
	}
	s.l.Info("daily backfill done",
		applogger.String("run_id", rep.RunID),
		applogger.Int("success", rep.Summary.Success),
		applogger.Int("failed", rep.Summary.Failed),
		applogger.Bool("aborted", rep.Aborted),
	)

	today := util.Day(s.now())
	filter := models.SeriesFilter{Start: today.AddDate(0, 0, -s.lookback), End: today}
	anomalies, err := s.detector.Detect(ctx, filter, 0)
	if err != nil {
		return rep, anomalies, fmt.Errorf("daily anomaly scan: %w", err)
	}
	for _, a := range anomalies.Data {
		s.l.Warn("price anomaly",
			applogger.String("symbol", a.Symbol),
			applogger.Date("date", a.Date),
			applogger.Float64("pct_change", a.PctChange),
		)
	}
	s.l.Info("daily anomaly scan done", applogger.Int("count", anomalies.Count), applogger.Int("lookback_days", s.lookback))
	return rep, anomalies, nil
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	l *applogger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(kvFields(keysAndValues), applogger.Error(err))...)
}

func kvFields(kv []interface{}) []applogger.Field {
	fields := make([]applogger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, applogger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
