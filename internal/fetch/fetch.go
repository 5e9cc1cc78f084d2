// Package fetch retrieves fragments and subtitles over HTTP.
package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-retryablehttp"
)

// StatusUnreachable is reported when no HTTP response was obtained at all.
// Callers treat it like any other non-200 status.
const StatusUnreachable = 0

// Fetcher performs a single blocking retrieval. Only http.StatusOK carries
// a payload; every other status means the resource is absent.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (status int, body []byte)
}

// Options configures the HTTP client.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// HCLogger receives the retrying client's own per-attempt logs
	HCLogger hclog.Logger
}

// Client is the HTTP Fetcher. Transient failures (transport errors, 429 and
// most 5xx) are retried with backoff before the final status is reported.
type Client struct {
	http      *retryablehttp.Client
	userAgent string
	logger    *slog.Logger
}

// NewClient creates a new HTTP fetcher.
func NewClient(opts Options, logger *slog.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}
	rc.Logger = nil
	if opts.HCLogger != nil {
		rc.Logger = opts.HCLogger
	}
	// Hand back the last response once retries run out so its status is reported.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		http:      rc,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

// Fetch performs a GET and returns the status and, on 200, the body.
func (c *Client) Fetch(ctx context.Context, url string) (int, []byte) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.logger.Warn("failed to build request", "url", url, "error", err)
		return StatusUnreachable, nil
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", "url", url, "error", err)
		return StatusUnreachable, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("failed to read response body", "url", url, "error", err)
		return StatusUnreachable, nil
	}
	return http.StatusOK, body
}
