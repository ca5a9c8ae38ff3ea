package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ugobe007/matchrun/internal/matchrun"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func newRun(id, key string) matchrun.Run {
	return matchrun.Run{ID: id, CanonicalKey: key, InputURL: "https://" + key}
}

func TestSubmit_IdempotentForActiveKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(newFakeClock())

	first, created, err := store.Submit(ctx, newRun("run-1", "example.com"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, matchrun.RunStatusQueued, first.Status)

	second, created, err := store.Submit(ctx, newRun("run-2", "example.com"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	// A different key gets its own run.
	other, created, err := store.Submit(ctx, newRun("run-3", "other.com"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "run-3", other.ID)
}

func TestSubmit_ConcurrentSubmissionsCollapseToOneRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(newFakeClock())

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, _, err := store.Submit(ctx, newRun(fmt.Sprintf("run-%d", i), "example.com"))
			require.NoError(t, err)
			ids[i] = run.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestSubmit_NewRunAfterTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(newFakeClock())

	first, _, err := store.Submit(ctx, newRun("run-1", "example.com"))
	require.NoError(t, err)

	claimed, ok, err := store.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Fail(ctx, claimed.ID, "worker-1", "enrichment unavailable"))

	second, created, err := store.Submit(ctx, newRun("run-2", "example.com"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID)
}

func TestSubmitForce_SupersedesActiveRun(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(newFakeClock())

	first, _, err := store.Submit(ctx, newRun("run-1", "example.com"))
	require.NoError(t, err)

	forced, err := store.SubmitForce(ctx, newRun("run-2", "example.com"))
	require.NoError(t, err)
	require.Equal(t, "run-2", forced.ID)
	require.Equal(t, matchrun.RunStatusQueued, forced.Status)

	old, err := store.GetRun(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, matchrun.RunStatusError, old.Status)
	require.Equal(t, "superseded by forced resubmission", old.LastError)
}

func TestClaimNext_ExclusiveUnderConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(newFakeClock())

	_, _, err := store.Submit(ctx, newRun("run-1", "example.com"))
	require.NoError(t, err)

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.ClaimNext(ctx, "worker", time.Minute)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, claims)
}

func TestClaimNext_OldestFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	store := NewRunStore(clock)

	_, _, err := store.Submit(ctx, newRun("run-old", "old.com"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _, err = store.Submit(ctx, newRun("run-new", "new.com"))
	require.NoError(t, err)

	claimed, ok, err := store.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "run-old", claimed.ID)
}

func TestClaimNext_EmptyQueueIsNotAnError(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newFakeClock())
	_, ok, err := store.ClaimNext(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimNext_LeaseRecovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	store := NewRunStore(clock)

	submitted, _, err := store.Submit(ctx, newRun("run-1", "example.com"))
	require.NoError(t, err)

	first, ok, err := store.ClaimNext(ctx, "worker-1", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, submitted.ID, first.ID)
	require.Equal(t, 1, first.Attempts)

	// Lease still valid: the run is not claimable by anyone else.
	_, ok, err = store.ClaimNext(ctx, "worker-2", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	// Simulated crash: nobody touches the run until the lease passes.
	clock.Advance(6 * time.Second)

	second, ok, err := store.ClaimNext(ctx, "worker-2", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, submitted.ID, second.ID)
	require.Equal(t, 2, second.Attempts)
	require.Equal(t, "worker-2", second.LeaseOwner)

	// The crashed worker's writes are rejected after the reclaim.
	require.ErrorIs(
		t,
		store.Complete(ctx, submitted.ID, "worker-1", "ref-stale", 3),
		matchrun.ErrLeaseLost,
	)
}

func TestMarkStep_ExtendsLeaseAndSetsProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	store := NewRunStore(clock)

	_, _, err := store.Submit(ctx, newRun("run-1", "example.com"))
	require.NoError(t, err)
	claimed, _, err := store.ClaimNext(ctx, "worker-1", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(8 * time.Second)
	require.NoError(t, store.MarkStep(ctx, claimed.ID, "worker-1", matchrun.StepExtract, 10*time.Second))

	run, err := store.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, matchrun.RunStatusProcessing, run.Status)
	require.Equal(t, matchrun.StepExtract, run.ProgressStep)
	require.Equal(t, clock.Now().Add(10*time.Second), *run.LeaseExpiresAt)
}

func TestTerminalFinality(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(newFakeClock())

	_, _, err := store.Submit(ctx, newRun("run-1", "example.com"))
	require.NoError(t, err)
	claimed, _, err := store.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, claimed.ID, "worker-1", "ref-1", 12))

	// No claim selects a terminal run.
	_, ok, err := store.ClaimNext(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// No mutation is accepted on a terminal run.
	require.ErrorIs(t, store.Fail(ctx, claimed.ID, "worker-1", "late failure"), matchrun.ErrLeaseLost)
	require.ErrorIs(t, store.Complete(ctx, claimed.ID, "worker-1", "ref-2", 1), matchrun.ErrLeaseLost)
	require.ErrorIs(t, store.Requeue(ctx, claimed.ID, "worker-1", "retry"), matchrun.ErrLeaseLost)
	require.ErrorIs(
		t,
		store.MarkStep(ctx, claimed.ID, "worker-1", matchrun.StepMatch, time.Minute),
		matchrun.ErrLeaseLost,
	)

	run, err := store.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, matchrun.RunStatusReady, run.Status)
	require.Equal(t, "ref-1", run.ResultRef)
	require.Equal(t, 12, run.ResultCount)
	require.Empty(t, run.LeaseOwner)
	require.Nil(t, run.LeaseExpiresAt)
}

func TestRequeue_MakesRunClaimableAgain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewRunStore(newFakeClock())

	_, _, err := store.Submit(ctx, newRun("run-1", "example.com"))
	require.NoError(t, err)
	claimed, _, err := store.ClaimNext(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Requeue(ctx, claimed.ID, "worker-1", "transient enrich failure"))

	run, err := store.GetRun(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, matchrun.RunStatusQueued, run.Status)
	require.Equal(t, "transient enrich failure", run.LastError)

	again, ok, err := store.ClaimNext(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, claimed.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
}

func TestGetRun_NotFound(t *testing.T) {
	t.Parallel()

	store := NewRunStore(newFakeClock())
	_, err := store.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, matchrun.ErrRunNotFound)
}
