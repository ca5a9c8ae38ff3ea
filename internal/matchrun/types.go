// Package matchrun defines core types shared across subsystems.
package matchrun

import "time"

// RunStatus represents the lifecycle state of a match run.
type RunStatus string

// Run status values persisted in the run store.
const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusClaimed    RunStatus = "claimed"
	RunStatusProcessing RunStatus = "processing"
	RunStatusReady      RunStatus = "ready"
	RunStatusError      RunStatus = "error"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusReady || s == RunStatusError
}

// Active reports whether the status occupies the per-key active slot.
func (s RunStatus) Active() bool {
	switch s {
	case RunStatusQueued, RunStatusClaimed, RunStatusProcessing:
		return true
	default:
		return false
	}
}

// Processing stage labels recorded in progress_step, in pipeline order.
const (
	StepResolve  = "resolve"
	StepExtract  = "extract"
	StepParse    = "parse"
	StepMatch    = "match"
	StepFinalize = "finalize"
)

// Run represents the metadata persisted for each submitted match request.
type Run struct {
	ID             string     `json:"run_id"`
	CanonicalKey   string     `json:"canonical_key"`
	InputURL       string     `json:"input_url"`
	Status         RunStatus  `json:"status"`
	ProgressStep   string     `json:"progress_step,omitempty"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Attempts       int        `json:"attempts"`
	ResultRef      string     `json:"result_ref,omitempty"`
	ResultCount    int        `json:"result_count,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Stuck reports whether the run holds an expired lease while non-terminal,
// i.e. its worker likely died and the run is waiting to be reclaimed.
func (r Run) Stuck(now time.Time) bool {
	if r.Status.Terminal() || r.LeaseExpiresAt == nil {
		return false
	}
	return r.LeaseExpiresAt.Before(now)
}

// EntityProfile holds the structured attributes the enrichment collaborator
// produced for a canonical entity. The core treats the payload as opaque
// beyond the minimal fields it validates.
type EntityProfile struct {
	Key        string            `json:"key"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MatchResult is the handle returned by the match producer. The core stores
// the reference and count; it never inspects candidate quality.
type MatchResult struct {
	Ref   string `json:"result_ref"`
	Count int    `json:"count"`
}
