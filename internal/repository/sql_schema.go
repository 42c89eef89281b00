package repository

import (
	"fmt"

	"TWPull/pkg/sqldb"
)

// dialect holds the few statements that differ between sqlite and postgres.
type dialect struct {
	driver string
	date   func(expr string) string // renders a date column as YYYY-MM-DD text
	year   func(col string) string
	schema []string
}

func dialectFor(driver string) dialect {
	if driver == sqldb.DriverPostgres {
		return dialect{
			driver: driver,
			date:   func(expr string) string { return fmt.Sprintf("to_char(%s, 'YYYY-MM-DD')", expr) },
			year:   func(col string) string { return fmt.Sprintf("CAST(EXTRACT(YEAR FROM %s) AS INTEGER)", col) },
			schema: postgresSchema,
		}
	}
	return dialect{
		driver: sqldb.DriverSQLite,
		date:   func(expr string) string { return expr },
		year:   func(col string) string { return fmt.Sprintf("CAST(substr(%s, 1, 4) AS INTEGER)", col) },
		schema: sqliteSchema,
	}
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_prices (
		symbol     TEXT    NOT NULL,
		trade_date TEXT    NOT NULL,
		open       REAL,
		high       REAL,
		low        REAL,
		close      REAL,
		volume     INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_stock_prices_symbol_date ON stock_prices(symbol, trade_date)`,
	`CREATE TABLE IF NOT EXISTS stock_prices_anomaly_backup (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol       TEXT    NOT NULL,
		trade_date   TEXT    NOT NULL,
		open         REAL,
		high         REAL,
		low          REAL,
		close        REAL,
		volume       INTEGER NOT NULL DEFAULT 0,
		reason       TEXT    NOT NULL,
		rule_version TEXT    NOT NULL,
		threshold    REAL    NOT NULL,
		backup_at    INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomaly_backup_symbol_date ON stock_prices_anomaly_backup(symbol, trade_date)`,
	`CREATE TABLE IF NOT EXISTS anomaly_repair_audit (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id          TEXT    NOT NULL,
		symbol          TEXT    NOT NULL,
		start_date      TEXT    NOT NULL,
		end_date        TEXT    NOT NULL,
		deleted_count   INTEGER NOT NULL,
		refetched_count INTEGER NOT NULL,
		rule_version    TEXT    NOT NULL,
		threshold       REAL    NOT NULL,
		created_at      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS daily_returns (
		symbol     TEXT NOT NULL,
		trade_date TEXT NOT NULL,
		close      REAL NOT NULL,
		prev_close REAL NOT NULL,
		ret        REAL NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_daily_returns_symbol_date ON daily_returns(symbol, trade_date)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS stock_prices (
		symbol     TEXT          NOT NULL,
		trade_date DATE          NOT NULL,
		open       NUMERIC(18,4),
		high       NUMERIC(18,4),
		low        NUMERIC(18,4),
		close      NUMERIC(18,4),
		volume     BIGINT        NOT NULL DEFAULT 0,
		updated_at BIGINT        NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_stock_prices_symbol_date ON stock_prices(symbol, trade_date)`,
	`CREATE TABLE IF NOT EXISTS stock_prices_anomaly_backup (
		id           BIGSERIAL PRIMARY KEY,
		symbol       TEXT             NOT NULL,
		trade_date   DATE             NOT NULL,
		open         NUMERIC(18,4),
		high         NUMERIC(18,4),
		low          NUMERIC(18,4),
		close        NUMERIC(18,4),
		volume       BIGINT           NOT NULL DEFAULT 0,
		reason       TEXT             NOT NULL,
		rule_version TEXT             NOT NULL,
		threshold    DOUBLE PRECISION NOT NULL,
		backup_at    BIGINT           NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anomaly_backup_symbol_date ON stock_prices_anomaly_backup(symbol, trade_date)`,
	`CREATE TABLE IF NOT EXISTS anomaly_repair_audit (
		id              BIGSERIAL PRIMARY KEY,
		run_id          TEXT             NOT NULL,
		symbol          TEXT             NOT NULL,
		start_date      DATE             NOT NULL,
		end_date        DATE             NOT NULL,
		deleted_count   INTEGER          NOT NULL,
		refetched_count INTEGER          NOT NULL,
		rule_version    TEXT             NOT NULL,
		threshold       DOUBLE PRECISION NOT NULL,
		created_at      BIGINT           NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS daily_returns (
		symbol     TEXT             NOT NULL,
		trade_date DATE             NOT NULL,
		close      NUMERIC(18,4)    NOT NULL,
		prev_close NUMERIC(18,4)    NOT NULL,
		ret        DOUBLE PRECISION NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_daily_returns_symbol_date ON daily_returns(symbol, trade_date)`,
}
