package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/driftsec/commitwatch/internal/config"
	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

func testRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		InitialWait: config.Duration(time.Millisecond),
		MaxWait:     config.Duration(5 * time.Millisecond),
	}
}

func newTestClient() *Client {
	return NewClient(
		http.DefaultClient,
		"test-token",
		testRetry(),
		5*time.Second,
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
}

const pushEventPage = `[
	{
		"id": "1003",
		"type": "PushEvent",
		"actor": {"login": "octocat"},
		"repo": {"name": "octo/widgets"},
		"payload": {"head": "aaa111"},
		"created_at": "2024-05-01T12:00:00Z"
	},
	{
		"id": "1002",
		"type": "WatchEvent",
		"actor": {"login": "stargazer"},
		"repo": {"name": "octo/stars"},
		"payload": {},
		"created_at": "2024-05-01T11:59:00Z"
	},
	{
		"id": "1001",
		"type": "PushEvent",
		"actor": {"login": "hubber"},
		"repo": {"name": "hub/tools"},
		"payload": {"head": "bbb222"},
		"created_at": "2024-05-01T11:58:00Z"
	}
]`

func TestFetcherPollExtractsPushEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		if r.URL.Query().Get("page") != "1" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, pushEventPage)
	}))
	defer srv.Close()

	seen := scanning.NewSeenSet()
	f := NewFetcher(newTestClient(), srv.URL, 3, seen, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	refs, err := f.Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, refs, 2, "only push events yield commit references")
	assert.Equal(t, "octo/widgets@aaa111", refs[0].ID(), "feed order is most recent first")
	assert.Equal(t, "hub/tools@bbb222", refs[1].ID())
	assert.Equal(t, "octocat", refs[0].Author())
}

func TestFetcherPollFiltersSeenCommits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, pushEventPage)
	}))
	defer srv.Close()

	seen := scanning.NewSeenSet()
	seen.Mark("hub/tools@bbb222")
	f := NewFetcher(newTestClient(), srv.URL, 3, seen, logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	refs, err := f.Poll(context.Background())
	require.NoError(t, err)

	require.Len(t, refs, 1)
	assert.Equal(t, "octo/widgets@aaa111", refs[0].ID())
}

func TestFetcherPollStopsAtPreviousCursor(t *testing.T) {
	var pagesServed int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pagesServed++
		if r.URL.Query().Get("page") != "1" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprint(w, pushEventPage)
	}))
	defer srv.Close()

	f := NewFetcher(newTestClient(), srv.URL, 3, scanning.NewSeenSet(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	refs, err := f.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 2)

	// Second cycle sees the same page; everything is at or before the
	// cursor so nothing new is yielded.
	refs, err = f.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Equal(t, 2, pagesServed, "cursor hit must stop pagination within the first page")
}

func TestFetcherPollRetriesTransientFailures(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	f := NewFetcher(newTestClient(), srv.URL, 1, scanning.NewSeenSet(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	refs, err := f.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Equal(t, 3, attempts)
}

func TestFetcherPollAbortsCycleAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFetcher(newTestClient(), srv.URL, 2, scanning.NewSeenSet(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	refs, err := f.Poll(context.Background())
	require.Error(t, err)
	assert.Empty(t, refs)
}

func TestFetcherKeepsCursorWhenCycleAborts(t *testing.T) {
	var pageTwoDown atomic.Bool
	pageTwoDown.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			fmt.Fprint(w, pushEventPage)
			return
		}
		if pageTwoDown.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	f := NewFetcher(newTestClient(), srv.URL, 2, scanning.NewSeenSet(), logger.Noop(), noop.NewTracerProvider().Tracer("test"))

	refs, err := f.Poll(context.Background())
	require.Error(t, err)
	require.Len(t, refs, 2, "the partial batch is still handed back")

	// The aborted cycle must not have advanced the cursor past events the
	// failed page never delivered; the next cycle re-walks the window.
	pageTwoDown.Store(false)
	refs, err = f.Poll(context.Background())
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestClientUpdatesRateBudgetFromHeaders(t *testing.T) {
	reset := time.Now().Add(time.Hour).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset))
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := newTestClient()
	_, _, err := c.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	remaining, gotReset := c.rateLimiter.Remaining()
	assert.Equal(t, int64(42), remaining)
	assert.Equal(t, time.Unix(reset, 0), gotReset)
}
