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

	"github.com/JakeFAU/serialcrawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultRunsTable      = "session_runs"
	defaultFragmentsTable = "session_fragments"
)

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	RunsTable       string
	FragmentsTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RunStore implements store.SessionRunRepository on Postgres.
type RunStore struct {
	pool      pool
	runs      string
	fragments string
}

var _ store.SessionRunRepository = (*RunStore)(nil)

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	runs, fragments, err := tableNames(cfg.RunsTable, cfg.FragmentsTable)
	if err != nil {
		return nil, err
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: p, runs: runs, fragments: fragments}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, runsTable, fragmentsTable string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	runs, fragments, err := tableNames(runsTable, fragmentsTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: p, runs: runs, fragments: fragments}, nil
}

func tableNames(runs, fragments string) (string, string, error) {
	if runs == "" {
		runs = defaultRunsTable
	}
	if fragments == "" {
		fragments = defaultFragmentsTable
	}
	for _, name := range []string{runs, fragments} {
		if !validTableName.MatchString(name) {
			return "", "", fmt.Errorf("invalid table name %q", name)
		}
	}
	return runs, fragments, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// EnsureSchema creates the run tables when they are missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	session_id   TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	origin_ref   TEXT NOT NULL DEFAULT '',
	target_count INTEGER NOT NULL,
	fragments    INTEGER NOT NULL DEFAULT 0,
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ,
	status       TEXT NOT NULL,
	note         TEXT
);
CREATE TABLE IF NOT EXISTS %[2]s (
	session_id  TEXT NOT NULL REFERENCES %[1]s (session_id) ON DELETE CASCADE,
	sequence    INTEGER NOT NULL,
	locator     TEXT NOT NULL DEFAULT '',
	bytes       BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, sequence)
);`, s.runs, s.fragments)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure run schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a running row; a replayed start leaves finished rows alone.
func (s *RunStore) UpsertRunStart(ctx context.Context, start store.RunStart) error {
	if start.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (session_id, title, origin_ref, target_count, started_at, status)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO UPDATE
SET title = EXCLUDED.title, origin_ref = EXCLUDED.origin_ref, target_count = EXCLUDED.target_count
WHERE %s.finished_at IS NULL`, s.runs, s.runs)
	_, err := s.pool.Exec(ctx, query,
		start.SessionID,
		start.Title,
		start.OriginRef,
		start.TargetCount,
		start.StartedAt,
		string(store.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// RecordFragment inserts the fragment row and bumps the owning run's counter
// only when the row is new.
func (s *RunStore) RecordFragment(ctx context.Context, rec store.FragmentRecord) error {
	query := fmt.Sprintf(`
WITH ins AS (
	INSERT INTO %s (session_id, sequence, locator, bytes, duration_ms, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (session_id, sequence) DO NOTHING
	RETURNING session_id
)
UPDATE %s SET fragments = fragments + (SELECT count(*) FROM ins)
WHERE session_id = $1`, s.fragments, s.runs)
	_, err := s.pool.Exec(ctx, query,
		rec.SessionID,
		rec.Sequence,
		rec.Locator,
		rec.Bytes,
		rec.Duration.Milliseconds(),
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("record fragment: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished. Unknown session ids report store.ErrNotFound.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	sessionID string,
	finishedAt time.Time,
	status store.RunStatus,
	note *string,
) error {
	if !status.Valid() || status == store.RunRunning {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	query := fmt.Sprintf(`
UPDATE %s SET finished_at = $1, status = $2, note = $3
WHERE session_id = $4`, s.runs)
	tag, err := s.pool.Exec(ctx, query, finishedAt, string(status), note, sessionID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const runColumns = `session_id, title, origin_ref, target_count, fragments, started_at, finished_at, status, note`

// GetRun retrieves a single run by session id.
func (s *RunStore) GetRun(ctx context.Context, sessionID string) (store.SessionRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE session_id = $1`, runColumns, s.runs)
	run, err := scanRun(s.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRun{}, store.ErrNotFound
		}
		return store.SessionRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, optionally filtered by status.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.SessionRun, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, runColumns, s.runs)
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.SessionRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ListFragments retrieves fragment rows for one run ordered by sequence.
func (s *RunStore) ListFragments(
	ctx context.Context,
	sessionID string,
	limit,
	offset int,
) ([]store.FragmentRecord, error) {
	query := fmt.Sprintf(`
SELECT session_id, sequence, locator, bytes, duration_ms, recorded_at
FROM %s
WHERE session_id = $1
ORDER BY sequence ASC
LIMIT $2 OFFSET $3`, s.fragments)
	rows, err := s.pool.Query(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	out := []store.FragmentRecord{}
	for rows.Next() {
		var (
			rec   store.FragmentRecord
			durMS int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.Sequence, &rec.Locator, &rec.Bytes, &durMS, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan fragment row: %w", err)
		}
		rec.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fragments: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (store.SessionRun, error) {
	var (
		run    store.SessionRun
		status string
	)
	err := row.Scan(
		&run.SessionID,
		&run.Title,
		&run.OriginRef,
		&run.TargetCount,
		&run.Fragments,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Note,
	)
	if err != nil {
		return store.SessionRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
