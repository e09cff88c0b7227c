// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagespeed-audit/internal/audit"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ResultStoreConfig controls the Postgres connection pool used for result rows.
type ResultStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ResultStore writes analysis outcomes into Postgres. It is an
// audit.ResultSink.
type ResultStore struct {
	pool  querier
	table string
	ids   audit.IDGenerator
	clock audit.Clock
}

// NewResultStore creates a Postgres-backed ResultStore using the provided config.
func NewResultStore(
	ctx context.Context,
	cfg ResultStoreConfig,
	ids audit.IDGenerator,
	clock audit.Clock,
) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("results.postgres_dsn is required")
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
	store, err := NewResultStoreWithPool(pool, cfg.Table, ids, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(pool querier, table string, ids audit.IDGenerator, clock audit.Clock) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	if table == "" {
		table = "pagespeed_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: pool, table: table, ids: ids, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the results table if it does not exist.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id                 TEXT PRIMARY KEY,
	job_id             TEXT NOT NULL,
	url                TEXT NOT NULL,
	mobile_score       INTEGER,
	desktop_score      INTEGER,
	mobile_report_url  TEXT,
	desktop_report_url TEXT,
	fetched_at         TIMESTAMPTZ,
	provenance         TEXT,
	error_kind         TEXT,
	error_reason       TEXT,
	error_message      TEXT,
	duration_ms        BIGINT NOT NULL,
	recorded_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_url_recorded_idx ON %[1]s (url, recorded_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Record implements audit.ResultSink. Failed outcomes are stored too, with
// their error classification and no scores.
func (s *ResultStore) Record(ctx context.Context, outcome audit.Outcome) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("result store is not configured")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate result id: %w", err)
	}

	url := outcome.Job.URL
	var (
		mobile, desktop             *int
		mobileReport, desktopReport string
		fetchedAt                   *time.Time
		provenance                  string
		errKind, errReason, errText string
	)
	if outcome.Succeeded() {
		res := outcome.Result
		if res.URL != "" {
			url = res.URL
		}
		mobile, desktop = res.MobileScore, res.DesktopScore
		mobileReport, desktopReport = res.MobileReportURL, res.DesktopReportURL
		ts := res.FetchedAt
		fetchedAt = &ts
		provenance = string(res.Provenance)
	} else {
		ae := audit.AsError(outcome.Err)
		errKind = ae.Kind.String()
		errReason = string(ae.Reason)
		errText = outcome.Err.Error()
		if ae.URL != "" {
			url = ae.URL
		}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	job_id,
	url,
	mobile_score,
	desktop_score,
	mobile_report_url,
	desktop_report_url,
	fetched_at,
	provenance,
	error_kind,
	error_reason,
	error_message,
	duration_ms,
	recorded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, s.table)

	args := []any{
		id,
		outcome.Job.ID,
		url,
		mobile,
		desktop,
		mobileReport,
		desktopReport,
		fetchedAt,
		provenance,
		errKind,
		errReason,
		errText,
		outcome.Duration.Milliseconds(),
		s.clock.Now(),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// Latest returns the most recent successful result stored for url.
func (s *ResultStore) Latest(ctx context.Context, url string) (audit.Result, error) {
	query := fmt.Sprintf(`
SELECT url, mobile_score, desktop_score, mobile_report_url, desktop_report_url, fetched_at, provenance
FROM %s
WHERE url = $1 AND error_kind = ''
ORDER BY recorded_at DESC
LIMIT 1`, s.table)

	var (
		res        audit.Result
		provenance string
	)
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&res.URL,
		&res.MobileScore,
		&res.DesktopScore,
		&res.MobileReportURL,
		&res.DesktopReportURL,
		&res.FetchedAt,
		&provenance,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Result{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.Result{}, fmt.Errorf("query latest result: %w", err)
	}
	res.Provenance = audit.Provenance(provenance)
	return res, nil
}
