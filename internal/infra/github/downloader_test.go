package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

func testRef() scanning.CommitRef {
	return scanning.NewCommitRef("octo/widgets", "aaa111", "octocat", time.Now())
}

func newTestDownloader(t *testing.T, srvURL string) *Downloader {
	t.Helper()
	return NewDownloader(newTestClient(), srvURL, t.TempDir(), 4,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func commitDetailBody(srvURL string, files ...string) string {
	entries := ""
	for i, f := range files {
		if i > 0 {
			entries += ","
		}
		entries += fmt.Sprintf(`{"filename": %q, "raw_url": %q, "status": "modified"}`,
			f, srvURL+"/raw/"+f)
	}
	return `{"files": [` + entries + `]}`
}

func TestMaterializeDownloadsChangedFiles(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/octo/widgets/commits/aaa111":
			fmt.Fprint(w, commitDetailBody(srvURL, "main.go", "config/settings.yaml"))
		case r.URL.Path == "/raw/main.go":
			fmt.Fprint(w, "package main")
		case r.URL.Path == "/raw/config/settings.yaml":
			fmt.Fprint(w, "key: value")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	d := newTestDownloader(t, srv.URL)
	enriched, dir, err := d.Materialize(context.Background(), testRef())
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	assert.Len(t, enriched.Files(), 2)

	got, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(got))

	// Nested paths are flattened to their base name.
	got, err = os.ReadFile(filepath.Join(dir, "settings.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "key: value", string(got))
}

func TestMaterializeSkipsBinaryAndRemovedFiles(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/octo/widgets/commits/aaa111":
			fmt.Fprintf(w, `{"files": [
				{"filename": "logo.PNG", "raw_url": "%s/raw/logo.PNG", "status": "added"},
				{"filename": "gone.go", "raw_url": "%s/raw/gone.go", "status": "removed"},
				{"filename": "app.go", "raw_url": "%s/raw/app.go", "status": "modified"}
			]}`, srvURL, srvURL, srvURL)
		case r.URL.Path == "/raw/app.go":
			fmt.Fprint(w, "package app")
		default:
			t.Errorf("unexpected download: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	d := newTestDownloader(t, srv.URL)
	_, dir, err := d.Materialize(context.Background(), testRef())
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app.go", entries[0].Name())
}

func TestMaterializeToleratesPartialFailure(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/octo/widgets/commits/aaa111":
			fmt.Fprint(w, commitDetailBody(srvURL, "good.go", "missing.go"))
		case r.URL.Path == "/raw/good.go":
			fmt.Fprint(w, "package good")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	d := newTestDownloader(t, srv.URL)
	_, dir, err := d.Materialize(context.Background(), testRef())
	require.NoError(t, err, "one failed file must not abort the commit")
	defer os.RemoveAll(dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMaterializeFailsWhenNothingDownloads(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/octo/widgets/commits/aaa111" {
			fmt.Fprint(w, commitDetailBody(srvURL, "a.go", "b.go"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	srvURL = srv.URL

	d := newTestDownloader(t, srv.URL)
	_, dir, err := d.Materialize(context.Background(), testRef())

	var dlErr *scanning.DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, "octo/widgets@aaa111", dlErr.CommitID)
	assert.Equal(t, 2, dlErr.Attempted)
	assert.Empty(t, dir)
}

func TestMaterializeFailsWhenOnlyBinaryFilesChanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"files": [
			{"filename": "photo.jpg", "raw_url": "http://example.invalid/photo.jpg", "status": "added"}
		]}`)
	}))
	defer srv.Close()

	d := newTestDownloader(t, srv.URL)
	enriched, dir, err := d.Materialize(context.Background(), testRef())

	var dlErr *scanning.DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Zero(t, dlErr.Attempted)
	assert.Empty(t, dir)
	assert.Len(t, enriched.Files(), 1, "descriptor list still records the binary file")
}

func TestMaterializeBoundsDownloadsAcrossCommits(t *testing.T) {
	var (
		srvURL   string
		inFlight atomic.Int32
		maxSeen  atomic.Int32
	)
	files := []string{"a.go", "b.go", "c.go", "d.go", "e.go", "f.go"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A generous reported budget keeps the client's own limiter out
		// of this test's way.
		w.Header().Set("X-RateLimit-Remaining", "5000")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Second).Unix()))
		if strings.HasPrefix(r.URL.Path, "/repos/") {
			fmt.Fprint(w, commitDetailBody(srvURL, files...))
			return
		}
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			prev := maxSeen.Load()
			if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, "package x")
	}))
	defer srv.Close()
	srvURL = srv.URL

	d := NewDownloader(newTestClient(), srv.URL, t.TempDir(), 3,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	refs := []scanning.CommitRef{
		scanning.NewCommitRef("octo/widgets", "aaa111", "octocat", time.Now()),
		scanning.NewCommitRef("hub/tools", "bbb222", "hubber", time.Now()),
		scanning.NewCommitRef("dot/files", "ccc333", "dotty", time.Now()),
	}
	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, dir, err := d.Materialize(context.Background(), ref)
			assert.NoError(t, err)
			os.RemoveAll(dir)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(3),
		"in-flight downloads must stay within one shared ceiling, not one per commit")
}

func TestMaterializeKeepsAllFilesSharingBaseName(t *testing.T) {
	var srvURL string
	files := []string{
		"api/config.json", "web/config.json", "cli/config.json", "db/config.json",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/repos/") {
			fmt.Fprint(w, commitDetailBody(srvURL, files...))
			return
		}
		// Body echoes the source path so collisions are detectable.
		fmt.Fprint(w, strings.TrimPrefix(r.URL.Path, "/raw/"))
	}))
	defer srv.Close()
	srvURL = srv.URL

	d := newTestDownloader(t, srv.URL)
	_, dir, err := d.Materialize(context.Background(), testRef())
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, len(files), "no colliding file may be silently overwritten")

	contents := make(map[string]bool)
	for _, e := range entries {
		got, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		contents[string(got)] = true
	}
	assert.Len(t, contents, len(files), "every file's content must survive the collision suffixing")
}
