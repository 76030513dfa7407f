package trufflehog

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsec/commitwatch/internal/config"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

const (
	releaseEndpoint = "https://api.github.com/repos/trufflesecurity/trufflehog/releases/latest"
	configsEndpoint = "https://api.github.com/repos/trufflesecurity/trufflehog/contents/examples"

	// defaultConfigName is the detector config the scanner runs with when
	// none is configured explicitly.
	defaultConfigName = "generic_with_filters.yml"
)

// maxBinarySize caps how much of a release archive entry the installer is
// willing to unpack.
const maxBinarySize = 512 * 1024 * 1024

// Installer fetches and unpacks the scanner binary when it is not already
// present. It runs once at startup; a missing or unpackable release is a
// fatal configuration problem, not something to limp along without.
type Installer struct {
	httpClient *http.Client
	installDir string
	retry      config.RetryConfig
	logger     *logger.Logger
	tracer     trace.Tracer
}

// NewInstaller creates an Installer that places binaries under installDir.
func NewInstaller(httpClient *http.Client, installDir string, retry config.RetryConfig, log *logger.Logger, tracer trace.Tracer) *Installer {
	return &Installer{
		httpClient: httpClient,
		installDir: installDir,
		retry:      retry,
		logger:     log,
		tracer:     tracer,
	}
}

type releaseInfo struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// EnsureBinary returns the path to a usable scanner binary. If binaryPath
// already points at an existing file it is used as-is; otherwise the latest
// release for this platform is downloaded into the install directory.
func (i *Installer) EnsureBinary(ctx context.Context, binaryPath string) (string, error) {
	ctx, span := i.tracer.Start(ctx, "installer.ensure_binary")
	defer span.End()

	if binaryPath != "" {
		if _, err := os.Stat(binaryPath); err == nil {
			return binaryPath, nil
		}
	}

	installed := filepath.Join(i.installDir, "trufflehog")
	if _, err := os.Stat(installed); err == nil {
		return installed, nil
	}

	release, err := i.latestRelease(ctx)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("resolving latest scanner release: %w", err)
	}

	assetURL, err := platformAsset(release)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	i.logger.Info(ctx, "installing scanner binary",
		"version", release.TagName, "dest", installed)

	if err := os.MkdirAll(i.installDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create install directory: %w", err)
	}
	if err := i.downloadAndUnpack(ctx, assetURL, installed); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("installing scanner binary: %w", err)
	}

	return installed, nil
}

// EnsureConfig returns the path to a usable detector config. If configPath
// already points at an existing file it is used as-is; otherwise the example
// configs published alongside the scanner are downloaded into a config
// directory under the install directory.
func (i *Installer) EnsureConfig(ctx context.Context, configPath string) (string, error) {
	ctx, span := i.tracer.Start(ctx, "installer.ensure_config")
	defer span.End()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	configDir := filepath.Join(i.installDir, "config")
	installed := filepath.Join(configDir, defaultConfigName)
	if _, err := os.Stat(installed); err == nil {
		return installed, nil
	}

	entries, err := i.exampleConfigs(ctx)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("listing detector configs: %w", err)
	}

	i.logger.Info(ctx, "installing detector configs", "dest", configDir)

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	for _, e := range entries {
		if e.DownloadURL == "" || filepath.Ext(e.Name) != ".yml" {
			continue
		}
		if err := i.downloadFile(ctx, e.DownloadURL, filepath.Join(configDir, filepath.Base(e.Name))); err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("installing detector config %s: %w", e.Name, err)
		}
	}

	if _, err := os.Stat(installed); err != nil {
		return "", fmt.Errorf("detector configs did not include %s", defaultConfigName)
	}
	return installed, nil
}

type contentEntry struct {
	Name        string `json:"name"`
	DownloadURL string `json:"download_url"`
}

func (i *Installer) exampleConfigs(ctx context.Context) ([]contentEntry, error) {
	var entries []contentEntry
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, configsEndpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := i.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("contents endpoint returned %d", resp.StatusCode)
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}
		return json.NewDecoder(resp.Body).Decode(&entries)
	}

	if err := backoff.Retry(operation, i.backoffPolicy(ctx)); err != nil {
		return nil, err
	}
	return entries, nil
}

func (i *Installer) downloadFile(ctx context.Context, url, dest string) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := i.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("config download returned %d", resp.StatusCode)
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}

		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = io.Copy(f, io.LimitReader(resp.Body, maxBinarySize))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
		return err
	}
	return backoff.Retry(operation, i.backoffPolicy(ctx))
}

func (i *Installer) latestRelease(ctx context.Context) (*releaseInfo, error) {
	var release releaseInfo
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, releaseEndpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := i.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("release endpoint returned %d", resp.StatusCode)
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}
		return json.NewDecoder(resp.Body).Decode(&release)
	}

	if err := backoff.Retry(operation, i.backoffPolicy(ctx)); err != nil {
		return nil, err
	}
	return &release, nil
}

// platformAsset picks the tar.gz release asset matching this OS and
// architecture.
func platformAsset(release *releaseInfo) (string, error) {
	want := fmt.Sprintf("%s_%s.tar.gz", runtime.GOOS, runtime.GOARCH)
	for _, a := range release.Assets {
		if strings.HasSuffix(strings.ToLower(a.Name), want) {
			return a.BrowserDownloadURL, nil
		}
	}
	return "", fmt.Errorf("release %s has no asset for %s/%s", release.TagName, runtime.GOOS, runtime.GOARCH)
}

func (i *Installer) downloadAndUnpack(ctx context.Context, url, dest string) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := i.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("asset download returned %d", resp.StatusCode)
			if resp.StatusCode >= 500 {
				return err
			}
			return backoff.Permanent(err)
		}
		return unpackBinary(resp.Body, dest)
	}
	return backoff.Retry(operation, i.backoffPolicy(ctx))
}

// unpackBinary extracts the trufflehog entry from a gzipped tarball and
// writes it executable at dest.
func unpackBinary(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to open archive: %w", err))
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != "trufflehog" {
			continue
		}

		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = io.Copy(f, io.LimitReader(tr, maxBinarySize))
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
			return err
		}
		return nil
	}
	return backoff.Permanent(fmt.Errorf("archive contains no trufflehog binary"))
}

func (i *Installer) backoffPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = i.retry.InitialWait.Std()
	policy.MaxInterval = i.retry.MaxWait.Std()
	policy.MaxElapsedTime = 5 * time.Minute
	return backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(i.retry.MaxAttempts-1)), ctx)
}
