// Package poller waits for a match run to finish using a single timer and
// an escalating poll schedule.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ugobe007/matchrun/pkg/client"
)

// ErrAttemptsExhausted is returned when the run did not reach a terminal
// state within the configured attempt budget. It is distinct from backend
// errors so callers can tell "still running, gave up waiting" from "the
// service broke".
var ErrAttemptsExhausted = errors.New("poll attempts exhausted before run finished")

// StatusFetcher is the slice of the API client the poller needs.
type StatusFetcher interface {
	Status(ctx context.Context, runID string) (client.RunStatus, error)
}

// Config describes the escalating poll schedule. The poller starts at the
// Fast interval, moves to Medium once FastUntil has elapsed, and settles on
// Slow after MediumUntil.
type Config struct {
	Fast        time.Duration
	FastUntil   time.Duration
	Medium      time.Duration
	MediumUntil time.Duration
	Slow        time.Duration
	// MaxAttempts bounds total status fetches, rate-limited ones included,
	// so the poller always terminates.
	MaxAttempts int
}

// DefaultConfig matches the service's expected polling etiquette.
func DefaultConfig() Config {
	return Config{
		Fast:        2 * time.Second,
		FastUntil:   30 * time.Second,
		Medium:      5 * time.Second,
		MediumUntil: 120 * time.Second,
		Slow:        10 * time.Second,
		MaxAttempts: 60,
	}
}

// Poller blocks until a run reaches a terminal state.
type Poller struct {
	fetcher StatusFetcher
	cfg     Config
}

// New constructs a Poller. Zero-value config fields fall back to defaults.
func New(fetcher StatusFetcher, cfg Config) *Poller {
	def := DefaultConfig()
	if cfg.Fast <= 0 {
		cfg.Fast = def.Fast
	}
	if cfg.FastUntil <= 0 {
		cfg.FastUntil = def.FastUntil
	}
	if cfg.Medium <= 0 {
		cfg.Medium = def.Medium
	}
	if cfg.MediumUntil <= 0 {
		cfg.MediumUntil = def.MediumUntil
	}
	if cfg.Slow <= 0 {
		cfg.Slow = def.Slow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Poller{fetcher: fetcher, cfg: cfg}
}

// Run polls until the run is terminal, the context finishes, the attempt
// budget runs out, or the backend fails. A rate-limited poll is a skipped
// observation: it spends an attempt and waits for the next slot, nothing
// more. The returned status is valid only when the error is nil.
func (p *Poller) Run(ctx context.Context, runID string) (client.RunStatus, error) {
	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return client.RunStatus{}, fmt.Errorf("poll run %q: %w", runID, ctx.Err())
		case <-timer.C:
		}

		status, err := p.fetcher.Status(ctx, runID)
		switch {
		case err == nil:
			if status.Terminal() {
				return status, nil
			}
		case errors.Is(err, client.ErrRateLimited):
			// Wait for the next slot without treating it as a failure.
		default:
			return client.RunStatus{}, fmt.Errorf("poll run %q: %w", runID, err)
		}

		timer.Reset(p.interval(time.Since(start)))
	}

	return client.RunStatus{}, fmt.Errorf("poll run %q: %w", runID, ErrAttemptsExhausted)
}

// interval returns the wait before the next fetch given time elapsed since
// polling began.
func (p *Poller) interval(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < p.cfg.FastUntil:
		return p.cfg.Fast
	case elapsed < p.cfg.MediumUntil:
		return p.cfg.Medium
	default:
		return p.cfg.Slow
	}
}
