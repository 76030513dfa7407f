package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

// mediaPattern matches file paths whose content is binary or media and
// therefore never worth downloading for a text scan.
var mediaPattern = regexp.MustCompile(
	`(?i)\.(jpg|jpeg|png|tif|nef|gif|bmp|mp4|avi|mov|wmv|flv|mkv|exe|dll|so|bin|pdf|zip|tar|gz|7z|xz)$`)

// Downloader materializes the changed files of a commit into a scoped
// temporary directory. Ownership of the directory transfers to the caller,
// who must remove it when done; the Downloader itself never deletes a
// directory it returned.
type Downloader struct {
	client  *Client
	apiBase string
	tmpRoot string

	// sem bounds in-flight file downloads across every concurrent
	// Materialize call, not per commit.
	sem chan struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// NewDownloader creates a Downloader. parallel bounds the total number of
// concurrent file downloads across all commits being materialized at once;
// it shares the pipeline's overall concurrency ceiling rather than fanning
// out independently per commit.
func NewDownloader(client *Client, apiBase, tmpRoot string, parallel int, log *logger.Logger, tracer trace.Tracer) *Downloader {
	if parallel < 1 {
		parallel = 1
	}
	return &Downloader{
		client:  client,
		apiBase: apiBase,
		tmpRoot: tmpRoot,
		sem:     make(chan struct{}, parallel),
		logger:  log,
		tracer:  tracer,
	}
}

// commitDetail mirrors the subset of the commit detail response the
// downloader needs.
type commitDetail struct {
	Files []struct {
		Filename string `json:"filename"`
		RawURL   string `json:"raw_url"`
		Status   string `json:"status"`
	} `json:"files"`
	Stats struct {
		Total int `json:"total"`
	} `json:"stats"`
}

// Materialize resolves the commit's changed-file descriptors and downloads
// every non-binary file into a fresh temporary directory. It returns the
// enriched commit reference and the directory path. A file that fails to
// download is skipped with a warning; if no file materializes at all, the
// directory is removed and a *scanning.DownloadError is returned.
func (d *Downloader) Materialize(ctx context.Context, ref scanning.CommitRef) (scanning.CommitRef, string, error) {
	ctx, span := d.tracer.Start(ctx, "downloader.materialize",
		trace.WithAttributes(
			attribute.String("repository", ref.Repository()),
			attribute.String("sha", ref.SHA()),
		))
	defer span.End()

	files, err := d.changedFiles(ctx, ref)
	if err != nil {
		span.RecordError(err)
		return ref, "", fmt.Errorf("resolving changed files for %s: %w", ref.ID(), err)
	}
	enriched := ref.WithFiles(files)

	var downloadable []scanning.ChangedFile
	for _, f := range files {
		if !f.Binary() {
			downloadable = append(downloadable, f)
		}
	}
	if len(downloadable) == 0 {
		dlErr := &scanning.DownloadError{CommitID: ref.ID(), Attempted: 0}
		span.RecordError(dlErr)
		return enriched, "", dlErr
	}

	dir, err := os.MkdirTemp(d.tmpRoot, "commitwatch-")
	if err != nil {
		return enriched, "", fmt.Errorf("failed to create temp directory: %w", err)
	}

	var materialized int
	g, gctx := errgroup.WithContext(ctx)
	results := make([]bool, len(downloadable))
	for i, f := range downloadable {
		g.Go(func() error {
			select {
			case d.sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-d.sem }()

			if err := d.downloadFile(gctx, f, dir); err != nil {
				// Partial scans are acceptable; one missing file must
				// not abort the whole commit.
				d.logger.Warn(gctx, "skipping file that failed to download",
					"commit", ref.ID(), "path", f.Path(), "error", err)
				return nil
			}
			results[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		os.RemoveAll(dir)
		return enriched, "", err
	}

	for _, ok := range results {
		if ok {
			materialized++
		}
	}
	if materialized == 0 {
		os.RemoveAll(dir)
		dlErr := &scanning.DownloadError{CommitID: ref.ID(), Attempted: len(downloadable)}
		span.RecordError(dlErr)
		return enriched, "", dlErr
	}

	span.SetAttributes(attribute.Int("files_materialized", materialized))
	return enriched, dir, nil
}

// changedFiles fetches the commit detail and converts its file list into
// domain descriptors, flagging binary/media paths.
func (d *Downloader) changedFiles(ctx context.Context, ref scanning.CommitRef) ([]scanning.ChangedFile, error) {
	url := fmt.Sprintf("%s/repos/%s/commits/%s", d.apiBase, ref.Repository(), ref.SHA())
	body, _, err := d.client.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	var detail commitDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, fmt.Errorf("failed to decode commit detail: %w", err)
	}

	files := make([]scanning.ChangedFile, 0, len(detail.Files))
	for _, f := range detail.Files {
		if f.RawURL == "" || f.Status == "removed" {
			continue
		}
		binary := mediaPattern.MatchString(f.Filename)
		files = append(files, scanning.NewChangedFile(f.Filename, f.RawURL, 0, binary))
	}
	return files, nil
}

// downloadFile fetches one raw file and writes it under dir. Paths are
// flattened to their base name; a name collision gets a numeric suffix so
// no downloaded content is silently overwritten.
func (d *Downloader) downloadFile(ctx context.Context, f scanning.ChangedFile, dir string) error {
	body, _, err := d.client.Get(ctx, f.RawURL())
	if err != nil {
		return err
	}

	name := filepath.Base(strings.ReplaceAll(f.Path(), "\\", "/"))
	dest := filepath.Join(dir, name)
	for i := 1; ; i++ {
		// O_EXCL makes the claim atomic; parallel downloads sharing a
		// base name cannot both win the same destination.
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if os.IsExist(err) {
			dest = filepath.Join(dir, fmt.Sprintf("%d_%s", i, name))
			continue
		}
		if err != nil {
			return err
		}

		_, werr := out.Write(body)
		if cerr := out.Close(); werr == nil {
			werr = cerr
		}
		return werr
	}
}
