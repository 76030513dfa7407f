package scanning

import (
	"context"
	"fmt"
)

// TargetKind enumerates the kinds of targets a scanner can be pointed at.
type TargetKind string

const (
	// TargetKindDirectory points the scanner at files already materialized
	// on the local filesystem.
	TargetKindDirectory TargetKind = "directory"

	// TargetKindRepository points the scanner directly at a hosted
	// repository URL, bypassing local materialization entirely.
	TargetKindRepository TargetKind = "repository"
)

// Target identifies what a scanner invocation should examine.
type Target struct {
	kind     TargetKind
	location string
}

// DirectoryTarget creates a target for a local directory of files.
func DirectoryTarget(dir string) Target {
	return Target{kind: TargetKindDirectory, location: dir}
}

// RepositoryTarget creates a target for a hosted repository URL.
func RepositoryTarget(url string) Target {
	return Target{kind: TargetKindRepository, location: url}
}

// Kind returns the target's kind.
func (t Target) Kind() TargetKind { return t.kind }

// Location returns the directory path or repository URL.
func (t Target) Location() string { return t.location }

// SecretScanner is the capability the pipeline depends on for secret
// detection. Implementations invoke an external scanning process against the
// target and parse its structured output; a test double can satisfy the same
// contract with canned output.
type SecretScanner interface {
	Scan(ctx context.Context, target Target) ([]Finding, error)
}

// FindingsSink receives findings as workers complete commits. Appends from
// concurrent workers are serialized by the implementation; a failed append
// must never fail the worker that emitted it.
type FindingsSink interface {
	Append(ctx context.Context, finding Finding) error
}

// ScanError reports a scanner invocation that exited abnormally without
// producing parseable output. The commit the scan was for is skipped and
// marked seen so retry storms cannot form.
type ScanError struct {
	ExitCode int
	Stderr   string
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scanner exited with code %d: %s", e.ExitCode, e.Stderr)
}

// DownloadError reports that none of a commit's changed files could be
// materialized. The commit is still marked seen; content that is entirely
// gone or renamed is not retried.
type DownloadError struct {
	CommitID  string
	Attempted int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("no files materialized for %s (%d attempted)", e.CommitID, e.Attempted)
}
