// Package trufflehog adapts the TruffleHog CLI into the pipeline's secret
// scanning capability. The binary is invoked as a subprocess per target and
// its NDJSON result stream is parsed into domain findings.
package trufflehog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

// maxResultLine bounds a single NDJSON result line. Raw matches can carry
// large blobs, so the default bufio limit is far too small.
const maxResultLine = 4 * 1024 * 1024

// Scanner runs the TruffleHog binary against scan targets.
type Scanner struct {
	binaryPath string
	configPath string
	token      string
	extraArgs  []string
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewScanner creates a Scanner. configPath may be empty, in which case the
// binary runs with its built-in detector set. token is only used for
// repository targets. extraArgs are appended verbatim to every invocation.
func NewScanner(binaryPath, configPath, token string, extraArgs []string, log *logger.Logger, tracer trace.Tracer) *Scanner {
	return &Scanner{
		binaryPath: binaryPath,
		configPath: configPath,
		token:      token,
		extraArgs:  extraArgs,
		logger:     log,
		tracer:     tracer,
	}
}

// resultRecord mirrors one TruffleHog JSON result line.
type resultRecord struct {
	SourceMetadata struct {
		Data struct {
			Github struct {
				Repository string `json:"repository"`
				Commit     string `json:"commit"`
				File       string `json:"file"`
				Line       int    `json:"line"`
			} `json:"Github"`
			Filesystem struct {
				File string `json:"file"`
				Line int    `json:"line"`
			} `json:"Filesystem"`
		} `json:"Data"`
	} `json:"SourceMetadata"`
	DetectorName        string `json:"DetectorName"`
	DetectorDescription string `json:"DetectorDescription"`
	Verified            bool   `json:"Verified"`
	Raw                 string `json:"Raw"`
	Redacted            string `json:"Redacted"`
}

// Scan invokes the scanner binary against the target and parses its result
// stream. A non-zero exit that still produced parseable results is treated
// as a successful partial scan; a non-zero exit with no results at all is
// reported as a *scanning.ScanError.
func (s *Scanner) Scan(ctx context.Context, target scanning.Target) ([]scanning.Finding, error) {
	ctx, span := s.tracer.Start(ctx, "trufflehog.scan",
		trace.WithAttributes(
			attribute.String("target_kind", string(target.Kind())),
			attribute.String("target", target.Location()),
		))
	defer span.End()

	args, err := s.buildArgs(target)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	cmd := exec.CommandContext(ctx, s.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug(ctx, "invoking scanner", "binary", s.binaryPath, "target", target.Location())
	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	findings, malformed := s.parseResults(ctx, &stdout)
	if malformed > 0 {
		s.logger.Warn(ctx, "scanner emitted malformed result lines",
			"count", malformed, "target", target.Location())
	}

	if runErr != nil && len(findings) == 0 {
		var exitErr *exec.ExitError
		code := -1
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		scanErr := &scanning.ScanError{ExitCode: code, Stderr: truncate(stderr.String(), 2048)}
		span.RecordError(scanErr)
		span.SetStatus(codes.Error, "scanner failed")
		return nil, scanErr
	}

	span.SetAttributes(attribute.Int("findings", len(findings)))
	return findings, nil
}

func (s *Scanner) buildArgs(target scanning.Target) ([]string, error) {
	switch target.Kind() {
	case scanning.TargetKindDirectory:
		args := []string{"filesystem", "--results=verified", "--json"}
		if s.configPath != "" {
			args = append(args, "--config", s.configPath)
		}
		args = append(args, s.extraArgs...)
		return append(args, target.Location()), nil
	case scanning.TargetKindRepository:
		args := []string{"github", "--repo", target.Location(), "--results=verified", "--json"}
		if s.token != "" {
			args = append(args, "--token", s.token)
		}
		if s.configPath != "" {
			args = append(args, "--config", s.configPath)
		}
		return append(args, s.extraArgs...), nil
	default:
		return nil, fmt.Errorf("unsupported scan target kind %q", target.Kind())
	}
}

// parseResults walks the NDJSON stream line by line. Lines that are not
// valid result records (scanner log noise, truncated output) are counted and
// skipped rather than failing the scan.
func (s *Scanner) parseResults(ctx context.Context, r *bytes.Buffer) ([]scanning.Finding, int) {
	var (
		findings  []scanning.Finding
		malformed int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxResultLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec resultRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			malformed++
			continue
		}
		if rec.DetectorName == "" {
			// Progress and info objects share the stream; only real
			// detector hits become findings.
			continue
		}

		findings = append(findings, toFinding(rec))
	}
	if err := sc.Err(); err != nil {
		s.logger.Warn(ctx, "result stream truncated", "error", err)
		malformed++
	}

	return findings, malformed
}

func toFinding(rec resultRecord) scanning.Finding {
	gh := rec.SourceMetadata.Data.Github
	file, line := gh.File, gh.Line
	if file == "" {
		file = rec.SourceMetadata.Data.Filesystem.File
		line = rec.SourceMetadata.Data.Filesystem.Line
	}

	raw := rec.Raw
	if raw == "" {
		raw = rec.Redacted
	}

	return scanning.NewFinding(
		gh.Repository,
		gh.Commit,
		rec.DetectorName,
		rec.DetectorDescription,
		file,
		line,
		raw,
		rec.Verified,
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
