package sqldb

import "time"

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Option configures Open.
type Option func(*Config)

// Config holds relational store connection settings.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
	WAL             bool
	PingTimeout     time.Duration
}

// WithDriver selects sqlite or postgres.
func WithDriver(driver string) Option {
	return func(c *Config) {
		c.Driver = driver
	}
}

// WithDSN sets the data source name (file path for sqlite, URL for postgres).
func WithDSN(dsn string) Option {
	return func(c *Config) {
		c.DSN = dsn
	}
}

// WithMaxConnections sets max open and idle connections. Ignored for sqlite.
func WithMaxConnections(maxOpen, maxIdle int) Option {
	return func(c *Config) {
		c.MaxOpenConns = maxOpen
		c.MaxIdleConns = maxIdle
	}
}

// WithBusyTimeout sets sqlite's busy_timeout pragma.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.BusyTimeout = d
	}
}

// WithWAL toggles sqlite WAL journaling.
func WithWAL(enabled bool) Option {
	return func(c *Config) {
		c.WAL = enabled
	}
}
