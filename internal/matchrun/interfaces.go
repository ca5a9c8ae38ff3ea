package matchrun

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound is returned by store lookups for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrLeaseLost is returned by lease-guarded writes when the caller no longer
// owns the run, either because the lease expired and another worker claimed
// it or because the run already reached a terminal state.
var ErrLeaseLost = errors.New("run lease lost")

// RunStore persists runs and implements the claim protocol. All status and
// lease mutations go through these operations; there is no unconditional
// status write.
type RunStore interface {
	// Submit creates the run unless an active run already exists for its
	// canonical key, in which case the existing run is returned unchanged.
	// The boolean reports whether a new row was created.
	Submit(ctx context.Context, run Run) (Run, bool, error)
	// SubmitForce supersedes any active run for the key (terminalizing it
	// with an error cause) and inserts the given run.
	SubmitForce(ctx context.Context, run Run) (Run, error)
	GetRun(ctx context.Context, runID string) (Run, error)
	// ClaimNext atomically claims the oldest eligible run: queued, or
	// claimed/processing with an expired lease. The boolean is false when
	// no run is eligible.
	ClaimNext(ctx context.Context, owner string, lease time.Duration) (Run, bool, error)
	// MarkStep records the in-flight stage, moves the run to processing,
	// and extends the caller's lease.
	MarkStep(ctx context.Context, runID, owner, step string, lease time.Duration) error
	Complete(ctx context.Context, runID, owner, resultRef string, resultCount int) error
	Fail(ctx context.Context, runID, owner, cause string) error
	// Requeue returns a claimed run to queued so a later tick retries it.
	Requeue(ctx context.Context, runID, owner, cause string) error
	Close()
}

// Enricher obtains structured attributes for a canonical entity.
type Enricher interface {
	Enrich(ctx context.Context, key string) (EntityProfile, error)
}

// MatchProducer produces ranked match candidates for an entity and returns
// an opaque result handle.
type MatchProducer interface {
	Produce(ctx context.Context, key string, profile EntityProfile) (MatchResult, error)
}

// StatusCache is the advisory read-through cache in front of run lookups.
// Implementations swallow backend failures and report a miss.
type StatusCache interface {
	Get(ctx context.Context, runID string) (Run, bool)
	Set(ctx context.Context, runID string, run Run)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
