// Package worker implements the claim-and-process loop for match runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ugobe007/matchrun/internal/matchrun"
	"github.com/ugobe007/matchrun/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	// LeaseDuration bounds how long a claimed run stays unreclaimable.
	LeaseDuration time.Duration
	// TickBudget caps the wall-clock work of one tick so concurrently
	// scheduled ticks do not pile up. The budget is cooperative: an
	// in-flight collaborator call is never cut short, the loop just stops
	// claiming once the budget has passed.
	TickBudget time.Duration
	// MaxRunsPerTick caps how many runs a single tick may claim.
	MaxRunsPerTick int
	// RequeueOnFailure retries failed runs by returning them to queued
	// until Attempts reaches MaxAttempts. When false, the first failure
	// terminalizes the run and lease expiry is the only retry path.
	RequeueOnFailure bool
	MaxAttempts      int
}

// Worker claims pending runs and drives them through the processing stages.
// Multiple workers may run concurrently; correctness relies entirely on the
// store's atomic claim, not on any worker-side mutual exclusion.
type Worker struct {
	id       string
	store    matchrun.RunStore
	enricher matchrun.Enricher
	producer matchrun.MatchProducer
	clock    matchrun.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	id string,
	store matchrun.RunStore,
	enricher matchrun.Enricher,
	producer matchrun.MatchProducer,
	clock matchrun.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = 45 * time.Second
	}
	if cfg.MaxRunsPerTick <= 0 {
		cfg.MaxRunsPerTick = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		id:       id,
		store:    store,
		enricher: enricher,
		producer: producer,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", id)),
	}
}

// Run invokes Tick on the given interval until the context finishes.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick claims and processes pending runs until the queue is empty, the
// per-tick run cap is reached, or the tick budget is spent. It returns the
// number of runs processed; zero is the normal "queue empty" tick.
func (w *Worker) Tick(ctx context.Context) int {
	start := w.clock.Now()
	defer func() {
		metrics.ObserveTick(w.clock.Now().Sub(start))
	}()

	processed := 0
	for processed < w.cfg.MaxRunsPerTick {
		if ctx.Err() != nil {
			return processed
		}
		run, ok, err := w.store.ClaimNext(ctx, w.id, w.cfg.LeaseDuration)
		if err != nil {
			w.logger.Error("claim failed", zap.Error(err))
			return processed
		}
		if !ok {
			return processed
		}
		metrics.ObserveClaim()
		w.process(ctx, run)
		processed++

		if w.clock.Now().Sub(start) >= w.cfg.TickBudget {
			w.logger.Debug("tick budget spent", zap.Int("processed", processed))
			return processed
		}
	}
	return processed
}

func (w *Worker) process(ctx context.Context, run matchrun.Run) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := w.logger.With(zap.String("run_id", run.ID), zap.String("key", run.CanonicalKey))

	if err := w.markStep(ctx, run, matchrun.StepResolve, log); err != nil {
		return
	}
	if run.CanonicalKey == "" {
		w.finishFailed(ctx, run, "resolve: empty canonical key", log)
		return
	}

	if err := w.markStep(ctx, run, matchrun.StepExtract, log); err != nil {
		return
	}
	profile, err := w.enricher.Enrich(ctx, run.CanonicalKey)
	if err != nil {
		w.finishFailed(ctx, run, fmt.Sprintf("extract: %v", err), log)
		return
	}

	if err := w.markStep(ctx, run, matchrun.StepParse, log); err != nil {
		return
	}
	if profile.Name == "" {
		w.finishFailed(ctx, run, "parse: enriched profile has no name", log)
		return
	}

	if err := w.markStep(ctx, run, matchrun.StepMatch, log); err != nil {
		return
	}
	result, err := w.producer.Produce(ctx, run.CanonicalKey, profile)
	if err != nil {
		w.finishFailed(ctx, run, fmt.Sprintf("match: %v", err), log)
		return
	}

	if err := w.markStep(ctx, run, matchrun.StepFinalize, log); err != nil {
		return
	}
	if err := w.store.Complete(ctx, run.ID, w.id, result.Ref, result.Count); err != nil {
		if errors.Is(err, matchrun.ErrLeaseLost) {
			log.Warn("lease lost before completion, abandoning run")
			return
		}
		log.Error("complete failed", zap.Error(err))
		return
	}
	metrics.ObserveCompletion(string(matchrun.RunStatusReady))
	log.Info("run ready",
		zap.String("result_ref", result.Ref),
		zap.Int("result_count", result.Count),
		zap.Int("attempts", run.Attempts),
	)
}

// markStep records the stage and extends the lease. A lost lease means
// another worker reclaimed the run after our lease expired; the right move
// is to walk away without touching the row again.
func (w *Worker) markStep(ctx context.Context, run matchrun.Run, step string, log *zap.Logger) error {
	err := w.store.MarkStep(ctx, run.ID, w.id, step, w.cfg.LeaseDuration)
	if err != nil {
		if errors.Is(err, matchrun.ErrLeaseLost) {
			log.Warn("lease lost, abandoning run", zap.String("step", step))
		} else {
			log.Error("mark step failed", zap.String("step", step), zap.Error(err))
		}
	}
	return err
}

// finishFailed applies the configured failure policy: requeue while the
// attempts ceiling allows it, otherwise terminalize to error.
func (w *Worker) finishFailed(ctx context.Context, run matchrun.Run, cause string, log *zap.Logger) {
	if w.cfg.RequeueOnFailure && run.Attempts < w.cfg.MaxAttempts {
		if err := w.store.Requeue(ctx, run.ID, w.id, cause); err != nil {
			if errors.Is(err, matchrun.ErrLeaseLost) {
				log.Warn("lease lost before requeue, abandoning run")
				return
			}
			log.Error("requeue failed", zap.Error(err))
			return
		}
		metrics.ObserveCompletion("requeued")
		log.Warn("run requeued after failure",
			zap.String("cause", cause),
			zap.Int("attempts", run.Attempts),
		)
		return
	}

	if err := w.store.Fail(ctx, run.ID, w.id, cause); err != nil {
		if errors.Is(err, matchrun.ErrLeaseLost) {
			log.Warn("lease lost before failure write, abandoning run")
			return
		}
		log.Error("fail write failed", zap.Error(err))
		return
	}
	metrics.ObserveCompletion(string(matchrun.RunStatusError))
	log.Warn("run failed",
		zap.String("cause", cause),
		zap.Int("attempts", run.Attempts),
	)
}
