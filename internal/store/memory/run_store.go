// Package memory provides an in-memory run store for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ugobe007/matchrun/internal/matchrun"
)

// RunStore implements matchrun.RunStore with a mutex-guarded map. It honors
// the same claim and lease semantics as the Postgres store so the worker and
// API layers behave identically in dev mode.
type RunStore struct {
	mu    sync.Mutex
	runs  map[string]matchrun.Run
	clock matchrun.Clock
}

// NewRunStore constructs a RunStore using the given clock.
func NewRunStore(clock matchrun.Clock) *RunStore {
	return &RunStore{
		runs:  make(map[string]matchrun.Run),
		clock: clock,
	}
}

// Submit creates the run unless an active run exists for its canonical key.
func (s *RunStore) Submit(_ context.Context, run matchrun.Run) (matchrun.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.activeForKey(run.CanonicalKey); ok {
		return existing, false, nil
	}
	return s.insert(run), true, nil
}

// SubmitForce supersedes any active run for the key and inserts the new run.
func (s *RunStore) SubmitForce(_ context.Context, run matchrun.Run) (matchrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.activeForKey(run.CanonicalKey); ok {
		existing.Status = matchrun.RunStatusError
		existing.LastError = "superseded by forced resubmission"
		existing.LeaseOwner = ""
		existing.LeaseExpiresAt = nil
		existing.UpdatedAt = s.clock.Now()
		s.runs[existing.ID] = existing
	}
	return s.insert(run), nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(_ context.Context, runID string) (matchrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return matchrun.Run{}, matchrun.ErrRunNotFound
	}
	return run, nil
}

// ClaimNext claims the oldest eligible run, if any.
func (s *RunStore) ClaimNext(_ context.Context, owner string, lease time.Duration) (matchrun.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	eligible := make([]matchrun.Run, 0, 1)
	for _, run := range s.runs {
		if claimable(run, now) {
			eligible = append(eligible, run)
		}
	}
	if len(eligible) == 0 {
		return matchrun.Run{}, false, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	run := eligible[0]
	expires := now.Add(lease)
	run.Status = matchrun.RunStatusClaimed
	run.LeaseOwner = owner
	run.LeaseExpiresAt = &expires
	run.Attempts++
	run.UpdatedAt = now
	s.runs[run.ID] = run
	return run, true, nil
}

// MarkStep records the in-flight stage and extends the caller's lease.
func (s *RunStore) MarkStep(_ context.Context, runID, owner, step string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.owned(runID, owner)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	expires := now.Add(lease)
	run.Status = matchrun.RunStatusProcessing
	run.ProgressStep = step
	run.LeaseExpiresAt = &expires
	run.UpdatedAt = now
	s.runs[runID] = run
	return nil
}

// Complete marks the run ready and clears its lease.
func (s *RunStore) Complete(_ context.Context, runID, owner, resultRef string, resultCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.owned(runID, owner)
	if err != nil {
		return err
	}
	run.Status = matchrun.RunStatusReady
	run.ResultRef = resultRef
	run.ResultCount = resultCount
	run.LeaseOwner = ""
	run.LeaseExpiresAt = nil
	run.UpdatedAt = s.clock.Now()
	s.runs[runID] = run
	return nil
}

// Fail marks the run as terminally errored and clears its lease.
func (s *RunStore) Fail(_ context.Context, runID, owner, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.owned(runID, owner)
	if err != nil {
		return err
	}
	run.Status = matchrun.RunStatusError
	run.LastError = cause
	run.LeaseOwner = ""
	run.LeaseExpiresAt = nil
	run.UpdatedAt = s.clock.Now()
	s.runs[runID] = run
	return nil
}

// Requeue returns a claimed run to queued so a later tick retries it.
func (s *RunStore) Requeue(_ context.Context, runID, owner, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.owned(runID, owner)
	if err != nil {
		return err
	}
	run.Status = matchrun.RunStatusQueued
	run.LastError = cause
	run.ProgressStep = ""
	run.LeaseOwner = ""
	run.LeaseExpiresAt = nil
	run.UpdatedAt = s.clock.Now()
	s.runs[runID] = run
	return nil
}

// Close is a no-op for the in-memory store.
func (s *RunStore) Close() {}

// insert assumes the caller holds the mutex.
func (s *RunStore) insert(run matchrun.Run) matchrun.Run {
	now := s.clock.Now()
	run.Status = matchrun.RunStatusQueued
	run.Attempts = 0
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	s.runs[run.ID] = run
	return run
}

// activeForKey assumes the caller holds the mutex.
func (s *RunStore) activeForKey(key string) (matchrun.Run, bool) {
	for _, run := range s.runs {
		if run.CanonicalKey == key && run.Status.Active() {
			return run, true
		}
	}
	return matchrun.Run{}, false
}

// owned assumes the caller holds the mutex. It enforces terminal finality
// and lease ownership for every mutating operation.
func (s *RunStore) owned(runID, owner string) (matchrun.Run, error) {
	run, ok := s.runs[runID]
	if !ok {
		return matchrun.Run{}, matchrun.ErrRunNotFound
	}
	if run.Status.Terminal() || run.LeaseOwner != owner {
		return matchrun.Run{}, matchrun.ErrLeaseLost
	}
	return run, nil
}

func claimable(run matchrun.Run, now time.Time) bool {
	switch run.Status {
	case matchrun.RunStatusQueued:
		return true
	case matchrun.RunStatusClaimed, matchrun.RunStatusProcessing:
		return run.LeaseExpiresAt != nil && run.LeaseExpiresAt.Before(now)
	default:
		return false
	}
}
