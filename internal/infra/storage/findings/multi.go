package findings

import (
	"context"
	"errors"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
)

// MultiSink fans one finding out to several sinks. Every sink sees every
// finding; a failing sink does not stop the others.
type MultiSink struct {
	sinks []scanning.FindingsSink
}

// NewMultiSink combines sinks into one. With a single sink it is returned
// directly.
func NewMultiSink(sinks ...scanning.FindingsSink) scanning.FindingsSink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return &MultiSink{sinks: sinks}
}

// Append delivers the finding to all sinks and joins any errors.
func (m *MultiSink) Append(ctx context.Context, finding scanning.Finding) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Append(ctx, finding); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
