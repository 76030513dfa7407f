package scanning

// Finding represents a single secret detected in a scanned commit. Findings
// are immutable once constructed and are appended verbatim to the configured
// sinks.
type Finding struct {
	repository string
	commitSHA  string
	detector   string
	secretType string
	file       string
	line       int
	raw        string
	verified   bool
}

// NewFinding constructs a Finding from a scanner result record together with
// the identity of the commit it was produced for.
func NewFinding(repository, commitSHA, detector, secretType, file string, line int, raw string, verified bool) Finding {
	return Finding{
		repository: repository,
		commitSHA:  commitSHA,
		detector:   detector,
		secretType: secretType,
		file:       file,
		line:       line,
		raw:        raw,
		verified:   verified,
	}
}

// WithCommit returns a copy of the finding attributed to the given commit.
// Scanners pointed at a local directory cannot know which commit the files
// came from; the worker that ran the scan fills the identity in afterwards.
func (f Finding) WithCommit(repository, commitSHA string) Finding {
	f.repository = repository
	f.commitSHA = commitSHA
	return f
}

// Repository returns the "owner/name" repository the secret was found in.
func (f Finding) Repository() string { return f.repository }

// CommitSHA returns the SHA of the commit that introduced the secret.
func (f Finding) CommitSHA() string { return f.commitSHA }

// Detector returns the name of the detector that matched.
func (f Finding) Detector() string { return f.detector }

// SecretType returns the detector's description of the secret type.
func (f Finding) SecretType() string { return f.secretType }

// File returns the path of the file containing the match.
func (f Finding) File() string { return f.file }

// Line returns the line number of the match, or zero when the scanner did
// not report one.
func (f Finding) Line() int { return f.line }

// Raw returns the raw matched context.
func (f Finding) Raw() string { return f.raw }

// Verified reports whether the detector verified the secret against its
// service.
func (f Finding) Verified() bool { return f.verified }
