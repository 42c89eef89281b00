package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"TWPull/internal/domain/models"
	"TWPull/internal/domain/repository"
	"TWPull/pkg/util"
)

// sqlRepairTx scopes one symbol's repair writes to a single transaction.
type sqlRepairTx struct {
	s  *SQLStore
	tx *sql.Tx
}

var _ repository.RepairTx = (*sqlRepairTx)(nil)

func (s *SQLStore) BeginRepair(ctx context.Context) (repository.RepairTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin repair: %w", err)
	}
	return &sqlRepairTx{s: s, tx: tx}, nil
}

// BackupAndDelete copies the stored rows for dates into the backup table and
// then removes them. Returns the number of rows deleted.
func (t *sqlRepairTx) BackupAndDelete(ctx context.Context, symbol string, dates []time.Time, reason, ruleVersion string, threshold float64) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}
	in, args := dateInClause(symbol, dates)

	query := fmt.Sprintf(`SELECT %s FROM stock_prices WHERE symbol = ? AND trade_date IN (%s) ORDER BY trade_date`, t.s.priceColumns(), in)
	rows, err := queryPrices(ctx, t.tx, t.s.q(query), args...)
	if err != nil {
		return 0, fmt.Errorf("backup select: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	stamp := t.s.now().Unix()
	insert := t.s.q(`INSERT INTO stock_prices_anomaly_backup
		(symbol, trade_date, open, high, low, close, volume, reason, rule_version, threshold, backup_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range rows {
		if _, err := t.tx.ExecContext(ctx, insert,
			r.Symbol, util.FormatDate(r.Date), r.Open, r.High, r.Low, r.Close, r.Volume,
			reason, ruleVersion, threshold, stamp,
		); err != nil {
			return 0, fmt.Errorf("backup insert: %w", err)
		}
	}

	res, err := t.tx.ExecContext(ctx, t.s.q(fmt.Sprintf(`DELETE FROM stock_prices WHERE symbol = ? AND trade_date IN (%s)`, in)), args...)
	if err != nil {
		return 0, fmt.Errorf("delete anomalies: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete anomalies: %w", err)
	}
	return int(n), nil
}

func (t *sqlRepairTx) UpsertPrices(ctx context.Context, records []models.PriceRecord) (int, error) {
	return t.s.upsertPrices(ctx, t.tx, records)
}

func (t *sqlRepairTx) InsertAudit(ctx context.Context, e models.AnomalyAuditEntry) (int64, error) {
	created := e.CreatedAt
	if created.IsZero() {
		created = t.s.now()
	}
	var id int64
	err := t.tx.QueryRowContext(ctx, t.s.q(`INSERT INTO anomaly_repair_audit
		(run_id, symbol, start_date, end_date, deleted_count, refetched_count, rule_version, threshold, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		e.RunID, e.Symbol, util.FormatDate(e.StartDate), util.FormatDate(e.EndDate),
		e.DeletedCount, e.RefetchedCount, e.RuleVersion, e.Threshold, created.Unix(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit: %w", err)
	}
	return id, nil
}

func (t *sqlRepairTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit repair: %w", err)
	}
	return nil
}

func (t *sqlRepairTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback repair: %w", err)
	}
	return nil
}

// AuditEntries lists audit rows for a symbol, newest first.
func (s *SQLStore) AuditEntries(ctx context.Context, symbol string) ([]models.AnomalyAuditEntry, error) {
	query := fmt.Sprintf(`SELECT id, run_id, symbol, %s, %s, deleted_count, refetched_count, rule_version, threshold, created_at
		FROM anomaly_repair_audit WHERE symbol = ? ORDER BY id DESC`, s.d.date("start_date"), s.d.date("end_date"))
	rows, err := s.db.QueryContext(ctx, s.q(query), symbol)
	if err != nil {
		return nil, fmt.Errorf("audit entries: %w", err)
	}
	defer rows.Close()

	var out []models.AnomalyAuditEntry
	for rows.Next() {
		var (
			e          models.AnomalyAuditEntry
			start, end string
			created    int64
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.Symbol, &start, &end, &e.DeletedCount, &e.RefetchedCount, &e.RuleVersion, &e.Threshold, &created); err != nil {
			return nil, fmt.Errorf("audit entries scan: %w", err)
		}
		e.StartDate, _ = util.ParseDate(start)
		e.EndDate, _ = util.ParseDate(end)
		e.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// BackupRows lists backed-up rows for a symbol in date order.
func (s *SQLStore) BackupRows(ctx context.Context, symbol string) ([]models.AnomalyBackupRow, error) {
	query := fmt.Sprintf(`SELECT %s, reason, rule_version, threshold, backup_at
		FROM stock_prices_anomaly_backup WHERE symbol = ? ORDER BY trade_date, id`, s.priceColumns())
	rows, err := s.db.QueryContext(ctx, s.q(query), symbol)
	if err != nil {
		return nil, fmt.Errorf("backup rows: %w", err)
	}
	defer rows.Close()

	var out []models.AnomalyBackupRow
	for rows.Next() {
		var (
			b     models.AnomalyBackupRow
			date  string
			vol   sql.NullInt64
			stamp int64
		)
		if err := rows.Scan(&b.Symbol, &date, &b.Open, &b.High, &b.Low, &b.Close, &vol, &b.Reason, &b.RuleVersion, &b.Threshold, &stamp); err != nil {
			return nil, fmt.Errorf("backup rows scan: %w", err)
		}
		b.Date, _ = util.ParseDate(date)
		b.Volume = vol.Int64
		b.BackupAt = time.Unix(stamp, 0).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func dateInClause(symbol string, dates []time.Time) (string, []any) {
	marks := make([]string, len(dates))
	args := make([]any, 0, len(dates)+1)
	args = append(args, symbol)
	for i, d := range dates {
		marks[i] = "?"
		args = append(args, util.FormatDate(d))
	}
	return strings.Join(marks, ", "), args
}
