// Package postgres persists conversion records in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/readability-server/internal/convert"
)

const defaultTable = "conversions"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for conversion rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// CreateTable runs EnsureSchema on connect.
	CreateTable bool
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ConversionLog writes one row per conversion attempt.
type ConversionLog struct {
	pool  execCloser
	table string
}

// New connects to Postgres and returns a ConversionLog.
func New(ctx context.Context, cfg Config) (*ConversionLog, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.CreateTable {
		if err := log.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return log, nil
}

// NewWithPool constructs a log from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*ConversionLog, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ConversionLog{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (l *ConversionLog) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the conversions table if it does not exist.
func (l *ConversionLog) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	final_url TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	blob_uri TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	text_length INTEGER NOT NULL DEFAULT 0,
	forced BOOLEAN NOT NULL DEFAULT FALSE,
	requested_at TIMESTAMPTZ NOT NULL,
	fetch_ms BIGINT NOT NULL DEFAULT 0,
	parse_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS %[1]s_requested_at_idx ON %[1]s (requested_at);`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", l.table, err)
	}
	return nil
}

// RecordConversion inserts a conversion row.
func (l *ConversionLog) RecordConversion(ctx context.Context, record convert.Record) error {
	if l == nil || l.pool == nil {
		return errors.New("conversion log is not configured")
	}
	if record.ID == "" {
		return errors.New("record id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	final_url,
	status_code,
	content_hash,
	blob_uri,
	outcome,
	error,
	title,
	text_length,
	forced,
	requested_at,
	fetch_ms,
	parse_ms
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, l.table)

	args := []any{
		record.ID,
		record.URL,
		record.FinalURL,
		record.StatusCode,
		record.ContentHash,
		record.BlobURI,
		string(record.Outcome),
		record.Error,
		record.Title,
		record.TextLength,
		record.Forced,
		record.RequestedAt,
		record.FetchMillis,
		record.ParseMillis,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert conversion: %w", err)
	}
	return nil
}
