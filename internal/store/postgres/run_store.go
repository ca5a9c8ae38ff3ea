// Package postgres provides the Postgres-backed run store.
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

	"github.com/ugobe007/matchrun/internal/matchrun"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// supersededCause is recorded on an active run displaced by a forced resubmission.
const supersededCause = "superseded by forced resubmission"

// runColumns is the scan order shared by every query returning run rows.
const runColumns = `run_id, canonical_key, input_url, status, progress_step, ` +
	`lease_owner, lease_expires_at, attempts, result_ref, result_count, ` +
	`last_error, created_at, updated_at`

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// RunStore implements matchrun.RunStore on Postgres. The claim protocol is a
// single UPDATE over a FOR UPDATE SKIP LOCKED subselect, so concurrent
// workers can never claim the same row while its lease is valid.
type RunStore struct {
	pool  pgxPool
	table string
	clock matchrun.Clock
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig, clock matchrun.Clock) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "match_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
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
	return &RunStore{pool: pool, table: table, clock: clock}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool pgxPool, table string, clock matchrun.Clock) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "match_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Submit inserts the run unless an active run already holds the canonical
// key's unique slot. The partial unique index on (canonical_key) over active
// statuses makes the create-or-return race-free: concurrent submissions of
// equivalent inputs collapse onto whichever insert won.
func (s *RunStore) Submit(ctx context.Context, run matchrun.Run) (matchrun.Run, bool, error) {
	insert := fmt.Sprintf(`
INSERT INTO %s (run_id, canonical_key, input_url, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, 'queued', 0, $4, $4)
ON CONFLICT (canonical_key) WHERE status IN ('queued','claimed','processing') DO NOTHING
RETURNING `+runColumns, s.table)

	active := fmt.Sprintf(`
SELECT `+runColumns+`
FROM %s
WHERE canonical_key = $1 AND status IN ('queued','claimed','processing')
ORDER BY created_at DESC
LIMIT 1`, s.table)

	// The insert loses the conflict when an active run exists; the follow-up
	// select can itself miss if that run terminalizes in between. Retry the
	// pair a bounded number of times.
	for attempt := 0; attempt < 3; attempt++ {
		now := s.clock.Now()
		created, err := scanRun(s.pool.QueryRow(ctx, insert, run.ID, run.CanonicalKey, run.InputURL, now))
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return matchrun.Run{}, false, fmt.Errorf("insert run: %w", err)
		}

		existing, err := scanRun(s.pool.QueryRow(ctx, active, run.CanonicalKey))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return matchrun.Run{}, false, fmt.Errorf("select active run: %w", err)
		}
	}
	return matchrun.Run{}, false, fmt.Errorf("submit run %q: lost create-or-return race repeatedly", run.CanonicalKey)
}

// SubmitForce terminalizes any active run for the key and inserts the new
// run in one transaction, preserving the one-active-run invariant.
func (s *RunStore) SubmitForce(ctx context.Context, run matchrun.Run) (matchrun.Run, error) {
	supersede := fmt.Sprintf(`
UPDATE %s
SET status = 'error', last_error = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = $2
WHERE canonical_key = $3 AND status IN ('queued','claimed','processing')`, s.table)

	insert := fmt.Sprintf(`
INSERT INTO %s (run_id, canonical_key, input_url, status, attempts, created_at, updated_at)
VALUES ($1, $2, $3, 'queued', 0, $4, $4)
RETURNING `+runColumns, s.table)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return matchrun.Run{}, fmt.Errorf("begin force submit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.clock.Now()
	if _, err := tx.Exec(ctx, supersede, supersededCause, now, run.CanonicalKey); err != nil {
		return matchrun.Run{}, fmt.Errorf("supersede active run: %w", err)
	}
	created, err := scanRun(tx.QueryRow(ctx, insert, run.ID, run.CanonicalKey, run.InputURL, now))
	if err != nil {
		return matchrun.Run{}, fmt.Errorf("insert forced run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return matchrun.Run{}, fmt.Errorf("commit force submit: %w", err)
	}
	return created, nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (matchrun.Run, error) {
	query := fmt.Sprintf(`SELECT `+runColumns+` FROM %s WHERE run_id = $1`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return matchrun.Run{}, matchrun.ErrRunNotFound
	}
	if err != nil {
		return matchrun.Run{}, fmt.Errorf("select run: %w", err)
	}
	return run, nil
}

// ClaimNext atomically claims the oldest eligible run. Eligible means queued,
// or claimed/processing with a lease that expired before now. The subselect
// locks the candidate row, so two concurrent claims can never return the
// same run: the loser either skips the locked row or finds it no longer
// eligible on re-evaluation.
func (s *RunStore) ClaimNext(ctx context.Context, owner string, lease time.Duration) (matchrun.Run, bool, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'claimed', lease_owner = $1, lease_expires_at = $2, attempts = attempts + 1, updated_at = $3
WHERE run_id = (
	SELECT run_id
	FROM %s
	WHERE status = 'queued'
	   OR (status IN ('claimed','processing') AND lease_expires_at < $3)
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING `+runColumns, s.table, s.table)

	now := s.clock.Now()
	run, err := scanRun(s.pool.QueryRow(ctx, query, owner, now.Add(lease), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return matchrun.Run{}, false, nil
	}
	if err != nil {
		return matchrun.Run{}, false, fmt.Errorf("claim run: %w", err)
	}
	return run, true, nil
}

// MarkStep records the in-flight stage and extends the caller's lease. The
// lease-owner guard doubles as the heartbeat: a worker whose lease was
// reclaimed gets ErrLeaseLost instead of overwriting the new owner's state.
func (s *RunStore) MarkStep(ctx context.Context, runID, owner, step string, lease time.Duration) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'processing', progress_step = $1, lease_expires_at = $2, updated_at = $3
WHERE run_id = $4 AND lease_owner = $5 AND status IN ('claimed','processing')`, s.table)

	now := s.clock.Now()
	return s.guardedExec(ctx, query, step, now.Add(lease), now, runID, owner)
}

// Complete marks the run ready with its result handle and clears the lease.
func (s *RunStore) Complete(ctx context.Context, runID, owner, resultRef string, resultCount int) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'ready', result_ref = $1, result_count = $2, progress_step = NULL,
    lease_owner = NULL, lease_expires_at = NULL, updated_at = $3
WHERE run_id = $4 AND lease_owner = $5 AND status IN ('claimed','processing')`, s.table)

	return s.guardedExec(ctx, query, resultRef, resultCount, s.clock.Now(), runID, owner)
}

// Fail terminalizes the run with a failure cause and clears the lease.
func (s *RunStore) Fail(ctx context.Context, runID, owner, cause string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'error', last_error = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = $2
WHERE run_id = $3 AND lease_owner = $4 AND status IN ('claimed','processing')`, s.table)

	return s.guardedExec(ctx, query, cause, s.clock.Now(), runID, owner)
}

// Requeue returns a claimed run to queued so a later tick retries it.
func (s *RunStore) Requeue(ctx context.Context, runID, owner, cause string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'queued', last_error = $1, progress_step = NULL,
    lease_owner = NULL, lease_expires_at = NULL, updated_at = $2
WHERE run_id = $3 AND lease_owner = $4 AND status IN ('claimed','processing')`, s.table)

	return s.guardedExec(ctx, query, cause, s.clock.Now(), runID, owner)
}

// guardedExec runs a lease-guarded update and maps "no rows touched" to
// ErrLeaseLost: the row is terminal, reclaimed by another owner, or gone.
func (s *RunStore) guardedExec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return matchrun.ErrLeaseLost
	}
	return nil
}

func scanRun(row pgx.Row) (matchrun.Run, error) {
	var (
		run          matchrun.Run
		progressStep *string
		leaseOwner   *string
		resultRef    *string
		resultCount  *int
		lastError    *string
	)
	err := row.Scan(
		&run.ID,
		&run.CanonicalKey,
		&run.InputURL,
		&run.Status,
		&progressStep,
		&leaseOwner,
		&run.LeaseExpiresAt,
		&run.Attempts,
		&resultRef,
		&resultCount,
		&lastError,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return matchrun.Run{}, err
	}
	if progressStep != nil {
		run.ProgressStep = *progressStep
	}
	if leaseOwner != nil {
		run.LeaseOwner = *leaseOwner
	}
	if resultRef != nil {
		run.ResultRef = *resultRef
	}
	if resultCount != nil {
		run.ResultCount = *resultCount
	}
	if lastError != nil {
		run.LastError = *lastError
	}
	return run, nil
}
