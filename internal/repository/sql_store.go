package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"TWPull/internal/domain/models"
	"TWPull/internal/domain/repository"
	applogger "TWPull/pkg/logger"
	"TWPull/pkg/sqldb"
	"TWPull/pkg/util"
)

const (
	defaultUpsertBatch = 500
	maxUpsertBatch     = 1000
)

// schemaLock serializes DDL across every store in the process.
var schemaLock = semaphore.NewWeighted(1)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements PriceStore and ReturnStore on sqlite or postgres.
type SQLStore struct {
	db          *sqldb.DB
	d           dialect
	log         *applogger.Logger
	batchSize   int
	lockTimeout time.Duration
	now         func() time.Time
}

// SQLStoreOption configures SQLStore.
type SQLStoreOption func(*SQLStore)

// WithUpsertBatchSize bounds rows per INSERT statement (max 1000).
func WithUpsertBatchSize(n int) SQLStoreOption {
	return func(s *SQLStore) {
		if n > 0 && n <= maxUpsertBatch {
			s.batchSize = n
		}
	}
}

// WithSchemaLockTimeout bounds how long EnsureSchema waits for the DDL lock.
func WithSchemaLockTimeout(d time.Duration) SQLStoreOption {
	return func(s *SQLStore) {
		s.lockTimeout = d
	}
}

// WithClock overrides the time source used for updated_at and audit stamps.
func WithClock(now func() time.Time) SQLStoreOption {
	return func(s *SQLStore) {
		s.now = now
	}
}

// NewSQLStore creates the relational price store.
func NewSQLStore(db *sqldb.DB, log *applogger.Logger, opts ...SQLStoreOption) *SQLStore {
	s := &SQLStore{
		db:          db,
		d:           dialectFor(db.Driver()),
		log:         log,
		batchSize:   defaultUpsertBatch,
		lockTimeout: 10 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	_ repository.PriceStore  = (*SQLStore)(nil)
	_ repository.ReturnStore = (*SQLStore)(nil)
)

// EnsureSchema creates tables and indexes. Failing to take the DDL lock in time
// is not an error: another instance is migrating and the schema is assumed present.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	if err := schemaLock.Acquire(lockCtx, 1); err != nil {
		s.log.Warn("schema lock not acquired, assuming schema exists",
			applogger.Duration("timeout_ms", s.lockTimeout),
			applogger.Error(err),
		)
		return nil
	}
	defer schemaLock.Release(1)

	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string { return s.db.Rebind(query) }

func (s *SQLStore) YearCounts(ctx context.Context, symbol string) ([]models.CoverageYear, error) {
	query := fmt.Sprintf(`SELECT %s AS y, COUNT(*) FROM stock_prices WHERE symbol = ? GROUP BY y ORDER BY y`, s.d.year("trade_date"))
	rows, err := s.db.QueryContext(ctx, s.q(query), symbol)
	if err != nil {
		return nil, fmt.Errorf("year counts: %w", err)
	}
	defer rows.Close()

	var out []models.CoverageYear
	for rows.Next() {
		cy := models.CoverageYear{Symbol: symbol}
		if err := rows.Scan(&cy.Year, &cy.RecordCount); err != nil {
			return nil, fmt.Errorf("year counts scan: %w", err)
		}
		out = append(out, cy)
	}
	return out, rows.Err()
}

func (s *SQLStore) DateBounds(ctx context.Context, symbol string) (time.Time, time.Time, bool, error) {
	query := fmt.Sprintf(`SELECT %s, %s FROM stock_prices WHERE symbol = ?`,
		s.d.date("MIN(trade_date)"), s.d.date("MAX(trade_date)"))
	var lo, hi sql.NullString
	if err := s.db.QueryRowContext(ctx, s.q(query), symbol).Scan(&lo, &hi); err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("date bounds: %w", err)
	}
	if !lo.Valid || !hi.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	earliest, err := util.ParseDate(lo.String)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("date bounds: %w", err)
	}
	latest, err := util.ParseDate(hi.String)
	if err != nil {
		return time.Time{}, time.Time{}, false, fmt.Errorf("date bounds: %w", err)
	}
	return earliest, latest, true, nil
}

func (s *SQLStore) CountRecords(ctx context.Context, symbol string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM stock_prices WHERE symbol = ?`), symbol).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// ExistingDates scans the [min, max] span of dates once and intersects in memory.
func (s *SQLStore) ExistingDates(ctx context.Context, symbol string, dates []time.Time) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(dates) == 0 {
		return found, nil
	}
	want := make(map[string]bool, len(dates))
	lo, hi := dates[0], dates[0]
	for _, d := range dates {
		want[util.FormatDate(d)] = true
		lo, hi = util.MinDate(lo, d), util.MaxDate(hi, d)
	}

	query := fmt.Sprintf(`SELECT %s FROM stock_prices WHERE symbol = ? AND trade_date >= ? AND trade_date <= ?`, s.d.date("trade_date"))
	rows, err := s.db.QueryContext(ctx, s.q(query), symbol, util.FormatDate(lo), util.FormatDate(hi))
	if err != nil {
		return nil, fmt.Errorf("existing dates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("existing dates scan: %w", err)
		}
		if want[d] {
			found[d] = true
		}
	}
	return found, rows.Err()
}

// UpsertPrices writes records with last-write-wins semantics and returns rows written.
func (s *SQLStore) UpsertPrices(ctx context.Context, records []models.PriceRecord) (int, error) {
	return s.upsertPrices(ctx, s.db, records)
}

func (s *SQLStore) upsertPrices(ctx context.Context, ex execer, records []models.PriceRecord) (int, error) {
	records = dedupeRecords(records)
	written := 0
	for start := 0; start < len(records); start += s.batchSize {
		end := min(start+s.batchSize, len(records))
		batch := records[start:end]
		if err := s.execUpsert(ctx, ex, batch); err != nil {
			// A failed statement poisons a Postgres transaction, so inside a
			// repair tx the caller rolls back instead.
			if _, inTx := ex.(*sql.Tx); inTx {
				return written, fmt.Errorf("upsert prices: %w", err)
			}
			s.log.Warn("upsert batch failed, retrying in smaller batches",
				applogger.Int("batch_size", len(batch)),
				applogger.Error(err),
			)
			n, err := s.upsertSubBatches(ctx, ex, batch)
			written += n
			if err != nil {
				return written, fmt.Errorf("upsert prices: %w", err)
			}
			continue
		}
		written += len(batch)
	}
	return written, nil
}

func (s *SQLStore) upsertSubBatches(ctx context.Context, ex execer, batch []models.PriceRecord) (int, error) {
	size := max(1, len(batch)/10)
	written := 0
	for start := 0; start < len(batch); start += size {
		end := min(start+size, len(batch))
		if err := s.execUpsert(ctx, ex, batch[start:end]); err != nil {
			return written, err
		}
		written += end - start
	}
	return written, nil
}

func (s *SQLStore) execUpsert(ctx context.Context, ex execer, batch []models.PriceRecord) error {
	if len(batch) == 0 {
		return nil
	}
	stamp := s.now().Unix()
	values := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*8)
	for _, r := range batch {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, r.Symbol, util.FormatDate(r.Date), r.Open, r.High, r.Low, r.Close, r.Volume, stamp)
	}
	query := `INSERT INTO stock_prices (symbol, trade_date, open, high, low, close, volume, updated_at) VALUES ` +
		strings.Join(values, ", ") +
		` ON CONFLICT (symbol, trade_date) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			updated_at = excluded.updated_at`
	_, err := ex.ExecContext(ctx, s.q(query), args...)
	return err
}

// dedupeRecords keeps the last record per (symbol, date) and orders by symbol, date.
func dedupeRecords(records []models.PriceRecord) []models.PriceRecord {
	if len(records) < 2 {
		return records
	}
	idx := make(map[string]int, len(records))
	out := make([]models.PriceRecord, 0, len(records))
	for _, r := range records {
		if i, ok := idx[r.Key()]; ok {
			out[i] = r
			continue
		}
		idx[r.Key()] = len(out)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func (s *SQLStore) priceColumns() string {
	return fmt.Sprintf("symbol, %s, open, high, low, close, volume", s.d.date("trade_date"))
}

func filterClause(f models.SeriesFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if !f.Start.IsZero() {
		conds = append(conds, "trade_date >= ?")
		args = append(args, util.FormatDate(f.Start))
	}
	if !f.End.IsZero() {
		conds = append(conds, "trade_date <= ?")
		args = append(args, util.FormatDate(f.End))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) ListPrices(ctx context.Context, f models.SeriesFilter) ([]models.PriceRecord, error) {
	where, args := filterClause(f)
	query := fmt.Sprintf(`SELECT %s FROM stock_prices%s ORDER BY symbol, trade_date`, s.priceColumns(), where)
	return queryPrices(ctx, s.db, s.q(query), args...)
}

func queryPrices(ctx context.Context, ex execer, query string, args ...any) ([]models.PriceRecord, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	var out []models.PriceRecord
	for rows.Next() {
		r, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrice(sc scanner) (models.PriceRecord, error) {
	var (
		r    models.PriceRecord
		date string
		vol  sql.NullInt64
	)
	if err := sc.Scan(&r.Symbol, &date, &r.Open, &r.High, &r.Low, &r.Close, &vol); err != nil {
		return r, fmt.Errorf("scan price: %w", err)
	}
	d, err := util.ParseDate(date)
	if err != nil {
		return r, fmt.Errorf("scan price: %w", err)
	}
	r.Date = d
	r.Volume = vol.Int64
	return r, nil
}

// ClosePairs returns every stored close with its predecessor's close inside the
// same symbol. The predecessor may fall before f.Start.
func (s *SQLStore) ClosePairs(ctx context.Context, f models.SeriesFilter) ([]models.ClosePair, error) {
	inner, args := filterClause(models.SeriesFilter{Symbol: f.Symbol, End: f.End})
	outer := ""
	if !f.Start.IsZero() {
		outer = " AND trade_date >= ?"
		args = append(args, util.FormatDate(f.Start))
	}
	query := fmt.Sprintf(`SELECT symbol, d, close, prev_close FROM (
		SELECT symbol, trade_date, %s AS d, close,
			LAG(close) OVER (PARTITION BY symbol ORDER BY trade_date) AS prev_close
		FROM stock_prices%s
	) t WHERE prev_close IS NOT NULL%s ORDER BY symbol, trade_date`, s.d.date("trade_date"), inner, outer)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("close pairs: %w", err)
	}
	defer rows.Close()

	var out []models.ClosePair
	for rows.Next() {
		var (
			p    models.ClosePair
			date string
		)
		if err := rows.Scan(&p.Symbol, &date, &p.Close, &p.PrevClose); err != nil {
			return nil, fmt.Errorf("close pairs scan: %w", err)
		}
		if p.Date, err = util.ParseDate(date); err != nil {
			return nil, fmt.Errorf("close pairs scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) CloseBefore(ctx context.Context, symbol string, date time.Time) (models.PriceRecord, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM stock_prices WHERE symbol = ? AND trade_date < ? AND close IS NOT NULL ORDER BY trade_date DESC LIMIT 1`, s.priceColumns())
	r, err := scanPrice(s.db.QueryRowContext(ctx, s.q(query), symbol, util.FormatDate(date)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.PriceRecord{}, false, nil
		}
		return models.PriceRecord{}, false, fmt.Errorf("close before: %w", err)
	}
	return r, true, nil
}

func (s *SQLStore) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM stock_prices ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("symbols: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("symbols scan: %w", err)
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// UpsertReturns writes derived returns into daily_returns.
func (s *SQLStore) UpsertReturns(ctx context.Context, returns []models.DailyReturn) (int, error) {
	written := 0
	for start := 0; start < len(returns); start += s.batchSize {
		end := min(start+s.batchSize, len(returns))
		values := make([]string, 0, end-start)
		args := make([]any, 0, (end-start)*5)
		for _, r := range returns[start:end] {
			values = append(values, "(?, ?, ?, ?, ?)")
			args = append(args, r.Symbol, util.FormatDate(r.Date), r.Close, r.PrevClose, r.Return)
		}
		query := `INSERT INTO daily_returns (symbol, trade_date, close, prev_close, ret) VALUES ` +
			strings.Join(values, ", ") +
			` ON CONFLICT (symbol, trade_date) DO UPDATE SET close = excluded.close, prev_close = excluded.prev_close, ret = excluded.ret`
		if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
			return written, fmt.Errorf("upsert returns: %w", err)
		}
		written += end - start
	}
	return written, nil
}

func (s *SQLStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
