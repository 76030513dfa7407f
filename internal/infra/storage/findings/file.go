// Package findings persists detected secrets. The append-only text file is
// the always-on sink; a Postgres store can be layered on top for querying.
package findings

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

// FileSink appends findings to a text file, one block per finding. Appends
// from concurrent workers are serialized with a mutex so records never
// interleave.
type FileSink struct {
	mu     sync.Mutex
	file   *os.File
	logger *logger.Logger
	tracer trace.Tracer
}

// NewFileSink opens (or creates) the findings file for appending.
func NewFileSink(path string, log *logger.Logger, tracer trace.Tracer) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open findings file: %w", err)
	}
	return &FileSink{file: f, logger: log, tracer: tracer}, nil
}

// Append writes one finding record. The write is flushed before returning so
// a crash never loses an already reported secret.
func (s *FileSink) Append(ctx context.Context, finding scanning.Finding) error {
	_, span := s.tracer.Start(ctx, "findings.file_append")
	defer span.End()

	verified := "unverified"
	if finding.Verified() {
		verified = "VERIFIED"
	}

	record := fmt.Sprintf(
		"repository: %s\ncommit: %s\ndetector: %s (%s)\nlocation: %s:%d\nstatus: %s\nsecret: %s\n---\n",
		finding.Repository(),
		finding.CommitSHA(),
		finding.Detector(),
		finding.SecretType(),
		finding.File(),
		finding.Line(),
		verified,
		finding.Raw(),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.WriteString(record); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to append finding: %w", err)
	}
	return s.file.Sync()
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
