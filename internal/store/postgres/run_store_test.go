package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/ugobe007/matchrun/internal/matchrun"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

var runCols = []string{
	"run_id", "canonical_key", "input_url", "status", "progress_step",
	"lease_owner", "lease_expires_at", "attempts", "result_ref", "result_count",
	"last_error", "created_at", "updated_at",
}

func ptr[T any](v T) *T {
	return &v
}

func queuedRow(now time.Time) *pgxmock.Rows {
	return pgxmock.NewRows(runCols).AddRow(
		"run-1", "example.com", "https://example.com", matchrun.RunStatusQueued,
		nil, nil, nil, 0, nil, nil, nil, now, now,
	)
}

func newMockStore(t *testing.T, now time.Time) (pgxmock.PgxPoolIface, *RunStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewRunStoreWithPool(mock, "match_runs", &fakeClock{now: now})
	require.NoError(t, err)
	return mock, store
}

func TestNewRunStoreWithPool_RejectsInvalidTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "match-runs; DROP TABLE", &fakeClock{})
	require.Error(t, err)
}

func TestSubmit_InsertsNewRun(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectQuery("INSERT INTO match_runs").
		WithArgs("run-1", "example.com", "https://example.com", now).
		WillReturnRows(queuedRow(now))

	run, created, err := store.Submit(context.Background(), matchrun.Run{
		ID:           "run-1",
		CanonicalKey: "example.com",
		InputURL:     "https://example.com",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, matchrun.RunStatusQueued, run.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmit_ReturnsExistingActiveRun(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectQuery("INSERT INTO match_runs").
		WithArgs("run-2", "example.com", "https://example.com", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM match_runs").
		WithArgs("example.com").
		WillReturnRows(pgxmock.NewRows(runCols).AddRow(
			"run-1", "example.com", "https://example.com", matchrun.RunStatusProcessing,
			ptr(matchrun.StepExtract), ptr("worker-1"), ptr(now.Add(time.Minute)),
			1, nil, nil, nil, now, now,
		))

	run, created, err := store.Submit(context.Background(), matchrun.Run{
		ID:           "run-2",
		CanonicalKey: "example.com",
		InputURL:     "https://example.com",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, matchrun.RunStatusProcessing, run.Status)
	require.Equal(t, matchrun.StepExtract, run.ProgressStep)
	require.Equal(t, "worker-1", run.LeaseOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitForce_SupersedesAndInserts(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE match_runs").
		WithArgs(supersededCause, now, "example.com").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("INSERT INTO match_runs").
		WithArgs("run-2", "example.com", "https://example.com", now).
		WillReturnRows(pgxmock.NewRows(runCols).AddRow(
			"run-2", "example.com", "https://example.com", matchrun.RunStatusQueued,
			nil, nil, nil, 0, nil, nil, nil, now, now,
		))
	mock.ExpectCommit()

	run, err := store.SubmitForce(context.Background(), matchrun.Run{
		ID:           "run-2",
		CanonicalKey: "example.com",
		InputURL:     "https://example.com",
	})
	require.NoError(t, err)
	require.Equal(t, "run-2", run.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_ScansNullableColumns(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectQuery("SELECT (.+) FROM match_runs").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runCols).AddRow(
			"run-1", "example.com", "https://example.com", matchrun.RunStatusReady,
			nil, nil, nil, 1, ptr("matchset-42"), ptr(17), nil, now, now,
		))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, matchrun.RunStatusReady, run.Status)
	require.Equal(t, "matchset-42", run.ResultRef)
	require.Equal(t, 17, run.ResultCount)
	require.Empty(t, run.LeaseOwner)
	require.Nil(t, run.LeaseExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun_NotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t, time.Unix(1700000000, 0).UTC())

	mock.ExpectQuery("SELECT (.+) FROM match_runs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, matchrun.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext_ClaimsEligibleRun(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	lease := 5 * time.Minute
	mock, store := newMockStore(t, now)

	expires := now.Add(lease)
	mock.ExpectQuery("UPDATE match_runs").
		WithArgs("worker-1", expires, now).
		WillReturnRows(pgxmock.NewRows(runCols).AddRow(
			"run-1", "example.com", "https://example.com", matchrun.RunStatusClaimed,
			nil, ptr("worker-1"), ptr(expires), 2, nil, nil, nil, now.Add(-time.Minute), now,
		))

	run, ok, err := store.ClaimNext(context.Background(), "worker-1", lease)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-1", run.ID)
	require.Equal(t, matchrun.RunStatusClaimed, run.Status)
	require.Equal(t, 2, run.Attempts)
	require.Equal(t, expires, *run.LeaseExpiresAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectQuery("UPDATE match_runs").
		WithArgs("worker-1", now.Add(time.Minute), now).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := store.ClaimNext(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkStep_ExtendsLease(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectExec("UPDATE match_runs").
		WithArgs(matchrun.StepMatch, now.Add(time.Minute), now, "run-1", "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.MarkStep(context.Background(), "run-1", "worker-1", matchrun.StepMatch, time.Minute)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_StoresResultRef(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectExec("UPDATE match_runs").
		WithArgs("matchset-42", 17, now, "run-1", "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.Complete(context.Background(), "run-1", "worker-1", "matchset-42", 17)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_LeaseLost(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectExec("UPDATE match_runs").
		WithArgs("matchset-42", 17, now, "run-1", "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.Complete(context.Background(), "run-1", "worker-1", "matchset-42", 17)
	require.ErrorIs(t, err, matchrun.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_RecordsCause(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectExec("UPDATE match_runs").
		WithArgs("enrichment unavailable", now, "run-1", "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.Fail(context.Background(), "run-1", "worker-1", "enrichment unavailable")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue_ReturnsRunToQueue(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	mock, store := newMockStore(t, now)

	mock.ExpectExec("UPDATE match_runs").
		WithArgs("transient failure", now, "run-1", "worker-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.Requeue(context.Background(), "run-1", "worker-1", "transient failure")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
