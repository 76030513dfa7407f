// Package harvest orchestrates the commit harvesting pipeline: polling the
// public events feed, materializing changed files, scanning them for secrets
// and recording findings.
package harvest

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

// Fetcher produces the new commit references for one polling cycle.
type Fetcher interface {
	Poll(ctx context.Context) ([]scanning.CommitRef, error)
}

// Downloader materializes a commit's changed files into a local directory
// the caller owns and must remove.
type Downloader interface {
	Materialize(ctx context.Context, ref scanning.CommitRef) (scanning.CommitRef, string, error)
}

// Summary aggregates the outcome of one cycle's scheduled commits.
type Summary struct {
	Commits  int
	Scanned  int
	Findings int
	Failed   int
}

// Pool fans one cycle's commits out to a fixed number of workers. The pool
// is reused across cycles; Process does not return until every scheduled
// commit has either been handled or abandoned due to cancellation.
type Pool struct {
	workers    int
	downloader Downloader
	scanner    scanning.SecretScanner
	sink       scanning.FindingsSink
	seen       *scanning.SeenSet
	localOnly  bool
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewPool creates a worker pool with exactly workers concurrent workers.
func NewPool(
	workers int,
	downloader Downloader,
	scanner scanning.SecretScanner,
	sink scanning.FindingsSink,
	seen *scanning.SeenSet,
	localOnly bool,
	log *logger.Logger,
	tracer trace.Tracer,
) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:    workers,
		downloader: downloader,
		scanner:    scanner,
		sink:       sink,
		seen:       seen,
		localOnly:  localOnly,
		logger:     log,
		tracer:     tracer,
	}
}

// Process drains one cycle's worth of commits through the pool and returns
// once all of them are done. On cancellation, in-flight commits run to
// completion but nothing further is dequeued; abandoned commits stay
// unmarked so a later run picks them up again.
func (p *Pool) Process(ctx context.Context, refs []scanning.CommitRef) Summary {
	ctx, span := p.tracer.Start(ctx, "pool.process",
		trace.WithAttributes(attribute.Int("commits", len(refs))))
	defer span.End()

	summary := Summary{Commits: len(refs)}
	if len(refs) == 0 {
		return summary
	}

	// The queue holds the whole cycle so producers never block and the
	// drain is bounded by worker throughput alone.
	queue := make(chan scanning.CommitRef, len(refs))
	for _, ref := range refs {
		queue <- ref
	}
	close(queue)

	// Cancellation only gates dequeuing. The commit a worker already holds
	// runs on a context detached from the cancel signal so its scan is not
	// killed halfway through.
	inFlightCtx := context.WithoutCancel(ctx)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range queue {
				if ctx.Err() != nil {
					return
				}
				outcome := p.processCommit(inFlightCtx, ref)

				mu.Lock()
				if outcome.err != nil {
					summary.Failed++
				} else {
					summary.Scanned++
				}
				summary.Findings += outcome.findings
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	span.SetAttributes(
		attribute.Int("scanned", summary.Scanned),
		attribute.Int("findings", summary.Findings),
		attribute.Int("failed", summary.Failed),
	)
	return summary
}

type commitOutcome struct {
	findings int
	err      error
}

// processCommit runs the download-scan-record pipeline for a single commit.
// The commit is marked seen on success and on the permanent failure modes
// (nothing materialized, scanner blew up); a transient network failure
// leaves it unmarked so the next cycle can retry it.
func (p *Pool) processCommit(ctx context.Context, ref scanning.CommitRef) commitOutcome {
	ctx, span := p.tracer.Start(ctx, "pool.process_commit",
		trace.WithAttributes(attribute.String("commit", ref.ID())))
	defer span.End()

	findings, err := p.scanCommit(ctx, ref)
	if err != nil {
		span.RecordError(err)

		var dlErr *scanning.DownloadError
		var scanErr *scanning.ScanError
		switch {
		case errors.As(err, &dlErr):
			p.logger.Warn(ctx, "no scannable content for commit", "commit", ref.ID(), "error", err)
			p.seen.Mark(ref.ID())
		case errors.As(err, &scanErr):
			p.logger.Error(ctx, "scanner failed for commit", "commit", ref.ID(),
				"exit_code", scanErr.ExitCode, "stderr", scanErr.Stderr)
			p.seen.Mark(ref.ID())
		default:
			p.logger.Warn(ctx, "commit left for retry after transient failure",
				"commit", ref.ID(), "error", err)
		}
		return commitOutcome{err: err}
	}

	recorded := 0
	for _, f := range findings {
		if f.Repository() == "" {
			f = f.WithCommit(ref.Repository(), ref.SHA())
		}
		if err := p.sink.Append(ctx, f); err != nil {
			// A broken sink must never take the worker down with it.
			p.logger.Error(ctx, "failed to record finding",
				"commit", ref.ID(), "detector", f.Detector(), "error", err)
			continue
		}
		recorded++
	}

	if recorded > 0 {
		p.logger.Info(ctx, "secrets found in commit",
			"commit", ref.ID(), "findings", recorded)
	}

	p.seen.Mark(ref.ID())
	return commitOutcome{findings: recorded}
}

// scanCommit points the scanner at the commit, either via a local
// materialized directory or directly at the hosted repository.
func (p *Pool) scanCommit(ctx context.Context, ref scanning.CommitRef) ([]scanning.Finding, error) {
	if !p.localOnly {
		return p.scanner.Scan(ctx, scanning.RepositoryTarget(ref.RepoURL()))
	}

	_, dir, err := p.downloader.Materialize(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			p.logger.Warn(ctx, "failed to remove scan directory", "dir", dir, "error", rmErr)
		}
	}()

	return p.scanner.Scan(ctx, scanning.DirectoryTarget(dir))
}
