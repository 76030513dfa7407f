// Package github provides the HTTP adapters for the public GitHub API: the
// events feed poller, commit detail retrieval, and raw changed-file
// downloads. All outbound calls are gated by a shared rate limiter that
// resynchronizes from the X-RateLimit response headers, and transient
// failures are retried with bounded exponential backoff.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/driftsec/commitwatch/internal/config"
	"github.com/driftsec/commitwatch/pkg/common"
	"github.com/driftsec/commitwatch/pkg/common/logger"
)

const apiVersion = "2022-11-28"

// Client is a rate-limit-aware HTTP client for the GitHub API. It attaches
// the API token to every request and keeps the shared RateLimiter in sync
// with the quota the server reports.
type Client struct {
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	token       string
	retry       config.RetryConfig
	callTimeout time.Duration
	logger      *logger.Logger
	tracer      trace.Tracer
}

// NewClient creates a GitHub API client with rate limiting and bounded
// retries. An empty token sends unauthenticated requests, which carry a much
// smaller quota.
func NewClient(
	httpClient *http.Client,
	token string,
	retry config.RetryConfig,
	callTimeout time.Duration,
	log *logger.Logger,
	tracer trace.Tracer,
) *Client {
	// GitHub's authenticated rate limit is 5000 requests per hour.
	// Start conservatively at 1.25/second until the first response
	// headers resynchronize the budget.
	return &Client{
		httpClient:  httpClient,
		rateLimiter: common.NewRateLimiter(1.25, 5),
		token:       token,
		retry:       retry,
		callTimeout: callTimeout,
		logger:      log,
		tracer:      tracer,
	}
}

// Get performs a rate-limited GET against the given URL, retrying transient
// failures with exponential backoff up to the configured attempt bound. It
// returns the response body and headers of the first successful attempt.
func (c *Client) Get(ctx context.Context, url string) ([]byte, http.Header, error) {
	ctx, span := c.tracer.Start(ctx, "github.get",
		trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	var (
		body    []byte
		headers http.Header
	)

	operation := func() error {
		var err error
		body, headers, err = c.doGet(ctx, url)
		return err
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retry.InitialWait.Std()
	expBackoff.MaxInterval = c.retry.MaxWait.Std()
	expBackoff.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	if err := backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(c.retry.MaxAttempts-1)), ctx)); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	return body, headers, nil
}

// doGet executes a single attempt: reserve quota, wait, issue the request,
// and resynchronize the rate budget from the response headers.
func (c *Client) doGet(ctx context.Context, url string) ([]byte, http.Header, error) {
	if err := c.waitForQuota(ctx); err != nil {
		return nil, nil, backoff.Permanent(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.updateRateLimits(resp.Header)

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return data, resp.Header, nil

	case rateLimited(resp):
		// Exhausted quota is not a failure; the limiter now knows the
		// reset time and the retried attempt will wait it out.
		data, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("rate limited: %d %s", resp.StatusCode, string(data))

	case resp.StatusCode >= 500:
		data, _ := io.ReadAll(resp.Body)
		return nil, nil, fmt.Errorf("server error: %d %s", resp.StatusCode, string(data))

	default:
		data, _ := io.ReadAll(resp.Body)
		return nil, nil, backoff.Permanent(
			fmt.Errorf("non-200 response from GitHub API: %d %s", resp.StatusCode, string(data)))
	}
}

// waitForQuota blocks until the rate limiter allows the next call or the
// context is canceled.
func (c *Client) waitForQuota(ctx context.Context) error {
	wait := c.rateLimiter.Reserve()
	if wait <= 0 {
		return nil
	}

	c.logger.Debug(ctx, "waiting for rate limit budget", "wait", wait.String())

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// updateRateLimits adjusts the rate limiter from GitHub's rate limit headers:
// remaining requests in the current window and when the window resets.
func (c *Client) updateRateLimits(headers http.Header) {
	remaining := headers.Get("X-RateLimit-Remaining")
	reset := headers.Get("X-RateLimit-Reset")
	if remaining == "" || reset == "" {
		return
	}

	remainingVal, remErr := strconv.ParseInt(remaining, 10, 64)
	resetVal, resetErr := strconv.ParseInt(reset, 10, 64)
	if remErr != nil || resetErr != nil {
		return
	}

	c.rateLimiter.Update(remainingVal, time.Unix(resetVal, 0))
}

func rateLimited(resp *http.Response) bool {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0"
}
