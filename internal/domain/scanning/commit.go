// Package scanning provides the domain types and contracts for the
// commit-harvest-and-scan pipeline: commit references pulled from the public
// events feed, the files they changed, the findings a scanner produces for
// them, and the tracking needed to process each commit exactly once.
package scanning

import (
	"fmt"
	"time"
)

// CommitRef identifies a pushed commit discovered on the activity feed along
// with the metadata needed to retrieve and scan its changed files. A
// CommitRef is immutable once constructed; enrichment with file descriptors
// produces a new value.
type CommitRef struct {
	repository string
	sha        string
	author     string
	pushedAt   time.Time
	files      []ChangedFile
}

// NewCommitRef creates a commit reference for the given repository (in
// "owner/name" form) and commit SHA as discovered on the feed.
func NewCommitRef(repository, sha, author string, pushedAt time.Time) CommitRef {
	return CommitRef{
		repository: repository,
		sha:        sha,
		author:     author,
		pushedAt:   pushedAt,
	}
}

// WithFiles returns a copy of the reference enriched with the commit's
// changed-file descriptors. The original value is left untouched.
func (c CommitRef) WithFiles(files []ChangedFile) CommitRef {
	c.files = make([]ChangedFile, len(files))
	copy(c.files, files)
	return c
}

// ID returns the identity under which the commit is deduplicated. Two
// references to the same (repository, SHA) pair are the same commit.
func (c CommitRef) ID() string { return fmt.Sprintf("%s@%s", c.repository, c.sha) }

// Repository returns the "owner/name" repository identifier.
func (c CommitRef) Repository() string { return c.repository }

// SHA returns the commit SHA.
func (c CommitRef) SHA() string { return c.sha }

// Author returns the login of the pushing actor, when the feed reported one.
func (c CommitRef) Author() string { return c.author }

// PushedAt returns the time the push event was created on the feed.
func (c CommitRef) PushedAt() time.Time { return c.pushedAt }

// Files returns the commit's changed-file descriptors. The slice is a copy;
// mutating it does not affect the reference.
func (c CommitRef) Files() []ChangedFile {
	out := make([]ChangedFile, len(c.files))
	copy(out, c.files)
	return out
}

// RepoURL returns the HTTPS clone URL for the commit's repository, used when
// the scanner is pointed at the hosted repository directly.
func (c CommitRef) RepoURL() string { return fmt.Sprintf("https://github.com/%s.git", c.repository) }

// ChangedFile describes a single file touched by a commit: where it lives in
// the repository, where its raw content can be fetched, and whether it is
// binary/media content that should never be downloaded.
type ChangedFile struct {
	path   string
	rawURL string
	size   int64
	binary bool
}

// NewChangedFile constructs a changed-file descriptor.
func NewChangedFile(path, rawURL string, size int64, binary bool) ChangedFile {
	return ChangedFile{path: path, rawURL: rawURL, size: size, binary: binary}
}

// Path returns the file's path within the repository.
func (f ChangedFile) Path() string { return f.path }

// RawURL returns the URL serving the file's raw content at this commit.
func (f ChangedFile) RawURL() string { return f.rawURL }

// Size returns the file's size in bytes as reported by the feed.
func (f ChangedFile) Size() int64 { return f.size }

// Binary reports whether the file is binary/media content excluded from
// download.
func (f ChangedFile) Binary() bool { return f.binary }
