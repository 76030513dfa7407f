package harvest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsec/commitwatch/pkg/common/logger"
)

// ErrTooManyFailedCycles is returned when the loop gives up after the
// configured number of consecutive cycles that produced nothing at all.
var ErrTooManyFailedCycles = errors.New("too many consecutive failed polling cycles")

// Runner drives the poll-schedule-drain loop. One cycle polls the feed,
// pushes everything new through the pool and waits for the drain before the
// next cycle may start.
type Runner struct {
	fetcher  Fetcher
	pool     *Pool
	interval time.Duration
	once     bool

	maxFailedCycles int
	failedCycles    int

	logger *logger.Logger
	tracer trace.Tracer
}

// NewRunner creates a Runner. With once set, Run performs a single cycle
// and returns; otherwise it repeats until the context is canceled.
func NewRunner(
	fetcher Fetcher,
	pool *Pool,
	interval time.Duration,
	once bool,
	maxFailedCycles int,
	log *logger.Logger,
	tracer trace.Tracer,
) *Runner {
	return &Runner{
		fetcher:         fetcher,
		pool:            pool,
		interval:        interval,
		once:            once,
		maxFailedCycles: maxFailedCycles,
		logger:          log,
		tracer:          tracer,
	}
}

// Run executes polling cycles until the context is canceled, a single cycle
// completes in once mode, or repeated total failures exhaust the budget.
// Cycles are paced start-to-start: the sleep is the interval minus the
// cycle's own duration, floored at zero, so a slow cycle rolls straight
// into the next poll.
func (r *Runner) Run(ctx context.Context) error {
	for {
		start := time.Now()

		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				r.logger.Info(ctx, "shutdown requested, loop stopped")
				return nil
			}
			return err
		}

		if r.once {
			return nil
		}

		sleep := r.interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		r.logger.Debug(ctx, "cycle complete", "elapsed", time.Since(start), "sleep", sleep)

		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "shutdown requested, loop stopped")
			return nil
		case <-time.After(sleep):
		}
	}
}

// cycle runs one poll-schedule-drain pass. A cycle counts as failed only
// when polling errored and yielded nothing to scan; a partial page walk
// that still produced commits resets the failure streak.
func (r *Runner) cycle(ctx context.Context) error {
	cycleID := uuid.New().String()
	ctx, span := r.tracer.Start(ctx, "runner.cycle",
		trace.WithAttributes(attribute.String("cycle_id", cycleID)))
	defer span.End()

	refs, pollErr := r.fetcher.Poll(ctx)
	if pollErr != nil && len(refs) == 0 {
		r.failedCycles++
		span.RecordError(pollErr)
		r.logger.Error(ctx, "polling cycle failed",
			"error", pollErr, "consecutive_failures", r.failedCycles)
		if r.failedCycles >= r.maxFailedCycles {
			return fmt.Errorf("%w (%d in a row): last error: %v",
				ErrTooManyFailedCycles, r.failedCycles, pollErr)
		}
		return nil
	}
	if pollErr != nil {
		r.logger.Warn(ctx, "polling cycle partially failed, scanning what arrived",
			"error", pollErr, "commits", len(refs))
	}
	r.failedCycles = 0

	if len(refs) == 0 {
		r.logger.Info(ctx, "no new commits this cycle")
		return nil
	}

	summary := r.pool.Process(ctx, refs)
	span.SetAttributes(
		attribute.Int("commits", summary.Commits),
		attribute.Int("scanned", summary.Scanned),
		attribute.Int("findings", summary.Findings),
		attribute.Int("failed", summary.Failed),
	)
	r.logger.Info(ctx, "cycle summary",
		"cycle_id", cycleID,
		"commits", summary.Commits,
		"scanned", summary.Scanned,
		"findings", summary.Findings,
		"failed", summary.Failed,
	)
	return nil
}
