package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsec/commitwatch/internal/domain/scanning"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

// Fetcher pages through the public events feed and extracts references to
// freshly pushed commits. One Poll call walks one polling cycle: it stops at
// the page bound, at an empty page, or as soon as it reaches the newest
// event observed by the previous cycle.
type Fetcher struct {
	client   *Client
	feedURL  string
	maxPages int
	seen     *scanning.SeenSet

	// cursor is the ID of the newest event from the previous cycle.
	// Event IDs on the feed are monotonically increasing.
	cursor string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewFetcher creates a Fetcher over the given feed endpoint. Commits whose
// identity is already in seen are filtered out before they are yielded.
func NewFetcher(client *Client, feedURL string, maxPages int, seen *scanning.SeenSet, log *logger.Logger, tracer trace.Tracer) *Fetcher {
	return &Fetcher{
		client:   client,
		feedURL:  feedURL,
		maxPages: maxPages,
		seen:     seen,
		logger:   log,
		tracer:   tracer,
	}
}

// feedEvent mirrors the subset of a public event entry the pipeline needs.
type feedEvent struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
	Repo struct {
		Name string `json:"name"`
	} `json:"repo"`
	Payload struct {
		Head    string `json:"head"`
		Commits []struct {
			SHA string `json:"sha"`
		} `json:"commits"`
	} `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Poll walks one polling cycle and returns the new commit references in feed
// order, most recent first. When a page fetch fails after retries the cycle
// is aborted and whatever was collected so far is returned alongside the
// error; the caller decides whether a partial cycle is worth scheduling.
func (f *Fetcher) Poll(ctx context.Context) ([]scanning.CommitRef, error) {
	ctx, span := f.tracer.Start(ctx, "feed.poll",
		trace.WithAttributes(attribute.String("cursor", f.cursor)))
	defer span.End()

	var (
		refs      []scanning.CommitRef
		newCursor string
	)

	for page := 1; page <= f.maxPages; page++ {
		events, err := f.fetchPage(ctx, page)
		if err != nil {
			span.RecordError(err)
			// The cursor stays put on an aborted cycle: advancing it here
			// would skip the unfetched pages' events forever. The next
			// cycle re-walks this window and the seen set drops whatever
			// the partial batch already handled.
			return refs, fmt.Errorf("fetching feed page %d: %w", page, err)
		}
		if len(events) == 0 {
			break
		}

		if newCursor == "" {
			newCursor = events[0].ID
		}

		reachedCursor := false
		for _, ev := range events {
			if f.cursor != "" && !eventIDAfter(ev.ID, f.cursor) {
				reachedCursor = true
				break
			}
			ref, ok := commitRefFromEvent(ev)
			if !ok {
				continue
			}
			if f.seen.Contains(ref.ID()) {
				f.logger.Debug(ctx, "skipping already processed commit", "commit", ref.ID())
				continue
			}
			refs = append(refs, ref)
		}
		if reachedCursor {
			break
		}
	}

	f.advanceCursor(newCursor)
	span.SetAttributes(attribute.Int("new_commits", len(refs)))
	return refs, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, page int) ([]feedEvent, error) {
	u, err := url.Parse(f.feedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	q := u.Query()
	q.Set("per_page", "100")
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	body, _, err := f.client.Get(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var events []feedEvent
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("failed to decode feed page: %w", err)
	}
	return events, nil
}

func (f *Fetcher) advanceCursor(newCursor string) {
	if newCursor != "" && (f.cursor == "" || eventIDAfter(newCursor, f.cursor)) {
		f.cursor = newCursor
	}
}

// eventIDAfter reports whether event ID a is newer than b. Feed event IDs
// are monotonically increasing decimal strings of varying length.
func eventIDAfter(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// commitRefFromEvent extracts a commit reference from a push event. Events
// of any other type, and pushes with no head commit, yield nothing.
func commitRefFromEvent(ev feedEvent) (scanning.CommitRef, bool) {
	if ev.Type != "PushEvent" || ev.Repo.Name == "" {
		return scanning.CommitRef{}, false
	}

	sha := ev.Payload.Head
	if sha == "" && len(ev.Payload.Commits) > 0 {
		sha = ev.Payload.Commits[len(ev.Payload.Commits)-1].SHA
	}
	if sha == "" {
		return scanning.CommitRef{}, false
	}

	return scanning.NewCommitRef(ev.Repo.Name, sha, ev.Actor.Login, ev.CreatedAt), true
}
