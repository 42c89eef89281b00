package repository

import (
	"context"
	"database/sql"
	"fmt"

	"TWPull/internal/domain/models"
	"TWPull/internal/domain/repository"
	pkgch "TWPull/pkg/clickhouse"
	applogger "TWPull/pkg/logger"
)

// ClickHouseReturnsSchema creates the returns table. ReplacingMergeTree keeps
// the latest version per (symbol, trade_date) so rewrites are idempotent.
var ClickHouseReturnsSchema = []string{
	`CREATE TABLE IF NOT EXISTS daily_returns (
		symbol      LowCardinality(String),
		trade_date  Date,
		close       Decimal(18, 4),
		prev_close  Decimal(18, 4),
		ret         Float64,
		computed_at DateTime DEFAULT now()
	) ENGINE = ReplacingMergeTree(computed_at)
	ORDER BY (symbol, trade_date)`,
}

// CHReturnStore writes derived returns to ClickHouse.
type CHReturnStore struct {
	ch *pkgch.Client
	db *sql.DB
	l  *applogger.Logger
}

var _ repository.ReturnStore = (*CHReturnStore)(nil)

func NewCHReturnStore(ch *pkgch.Client, l *applogger.Logger) *CHReturnStore {
	return &CHReturnStore{ch: ch, db: ch.DB(), l: l}
}

// EnsureSchema creates the returns table when missing.
func (s *CHReturnStore) EnsureSchema(ctx context.Context) error {
	return s.ch.InitSchema(ctx, ClickHouseReturnsSchema)
}

// UpsertReturns appends one batch; replacement happens at merge time.
func (s *CHReturnStore) UpsertReturns(ctx context.Context, returns []models.DailyReturn) (int, error) {
	if len(returns) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("clickhouse begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO daily_returns (symbol, trade_date, close, prev_close, ret)`)
	if err != nil {
		return 0, fmt.Errorf("clickhouse prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range returns {
		if _, err := stmt.ExecContext(ctx, r.Symbol, r.Date, r.Close, r.PrevClose, r.Return); err != nil {
			return 0, fmt.Errorf("clickhouse append: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		s.l.Error("clickhouse returns batch failed",
			applogger.Int("rows", len(returns)),
			applogger.Error(err),
		)
		return 0, fmt.Errorf("clickhouse commit: %w", err)
	}
	return len(returns), nil
}
