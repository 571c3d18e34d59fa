// Package transport implements the worker's HTTP transport (C2): a
// single pooled client used for job acquisition, terminal-result and
// stream-fragment delivery, and heartbeat pings, each with the retry and
// timeout policy spec.md §4.2 and §7 prescribe.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/arthurcrodrigues/worker-runtime/pkg/models"
)

// fibonacciDelays is the literal retry schedule spec.md §4.2 mandates for
// result POSTs: three attempts total, with a 1s gap before the second and
// a 1s gap before the third (the trailing 2s entry is the schedule's next
// Fibonacci term, unused at three attempts but kept so the array reads as
// the documented sequence). Not worth a generic backoff dependency for
// three fixed numbers — see DESIGN.md.
var fibonacciDelays = [...]time.Duration{time.Second, time.Second, 2 * time.Second}

const acquireDeadline = 90 * time.Second

// Client is the worker's single shared HTTP transport. Construct with
// New; safe for concurrent use by the fetcher, runner and heartbeat.
type Client struct {
	acquireURL    string
	postOutputURL string
	postStreamURL string
	pingURL       string
	workerID      string

	httpClient *http.Client
	log        zerolog.Logger

	progressCh chan models.ProgressUpdate
}

// Config carries the subset of worker configuration the transport needs;
// kept separate from config.Config so this package doesn't import the
// whole worker configuration surface.
type Config struct {
	AcquireURL    string
	PostOutputURL string
	PostStreamURL string
	PingURL       string
	WorkerID      string
}

// New builds a Client with one retryablehttp-backed connection pool
// shared across every request path (no per-request sessions, per
// spec.md §4.2).
func New(cfg Config, log zerolog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0 // the spec's retry policies are path-specific; see PostResult
	retryClient.Logger = nil
	// DefaultRetryPolicy flags 429s and 5xxs as retryable; with RetryMax=0
	// that makes retryablehttp give up and return an error instead of the
	// response, hiding the status code from our own callers. Disable its
	// retry decision entirely so Do always hands back (resp, err) for a
	// completed round trip and lets Acquire/postForm inspect the status.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		return false, nil
	}

	c := &Client{
		acquireURL:    cfg.AcquireURL,
		postOutputURL: cfg.PostOutputURL,
		postStreamURL: cfg.PostStreamURL,
		pingURL:       cfg.PingURL,
		workerID:      cfg.WorkerID,
		httpClient:    retryClient.StandardClient(),
		log:           log,
		progressCh:    make(chan models.ProgressUpdate, 64),
	}
	go c.drainProgress()
	return c
}

// Acquire issues the acquisition GET (spec.md §4.2.1). jobInProgress and
// batchSize are passed verbatim as query parameters per the fetcher's
// C5 logic.
func (c *Client) Acquire(ctx context.Context, jobInProgress bool, batchSize int) ([]models.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, acquireDeadline)
	defer cancel()

	q := url.Values{}
	if jobInProgress {
		q.Set("job_in_progress", "1")
	} else {
		q.Set("job_in_progress", "0")
	}
	if batchSize > 1 {
		q.Set("batch_size", strconv.Itoa(batchSize))
	}

	reqURL := c.acquireURL
	if strings.Contains(reqURL, "?") {
		reqURL += "&" + q.Encode()
	} else {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: building acquire request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: reading acquire body: %v", ErrTransient, err)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, ErrNoJobs
		}
		var decoded models.AcquireResponse
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("transport: decoding acquire body: %w", err)
		}
		return decoded.Jobs, nil
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusBadRequest:
		return nil, ErrNoJobs
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	default:
		return nil, fmt.Errorf("%w: acquire returned status %d", ErrTransient, resp.StatusCode)
	}
}

// PostResult delivers a terminal result (spec.md §4.2.2), making up to
// three attempts with the Fibonacci delay schedule. A delivery failure after
// all retries is logged and swallowed: at-least-once delivery is
// preserved by the registry, not by retrying forever here.
func (c *Client) PostResult(ctx context.Context, jobID string, isStream bool, envelope models.ResultEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("transport: encoding result envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < len(fibonacciDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fibonacciDelays[attempt-1]):
			}
		}

		err := c.postForm(ctx, c.postOutputURL, jobID, isStream, body)
		if err == nil {
			return nil
		}
		lastErr = err
		c.log.Warn().Str("job_id", jobID).Int("attempt", attempt+1).Err(err).Msg("result post failed")
	}

	c.log.Error().Str("job_id", jobID).Err(lastErr).Msg("result post exhausted retries, dropping")
	return nil
}

// PostStream delivers a single non-terminal StreamFragment (spec.md
// §4.2.3). Unlike PostResult, failures get one transport-level attempt
// and are logged, not retried.
func (c *Client) PostStream(ctx context.Context, jobID string, fragment models.StreamFragment) error {
	body, err := json.Marshal(fragment)
	if err != nil {
		return fmt.Errorf("transport: encoding stream fragment: %w", err)
	}
	if err := c.postForm(ctx, c.postStreamURL, jobID, true, body); err != nil {
		c.log.Warn().Str("job_id", jobID).Err(err).Msg("stream post failed")
		return err
	}
	return nil
}

// postForm implements the "form-encoded JSON document" wire quirk spec.md
// §4.2 documents: the body is the raw JSON document, the Content-Type
// header nonetheless claims application/x-www-form-urlencoded, and id /
// isStream ride the query string.
func (c *Client) postForm(ctx context.Context, target, jobID string, isStream bool, body []byte) error {
	q := url.Values{}
	q.Set("id", jobID)
	q.Set("isStream", strconv.FormatBool(isStream))

	reqURL := target
	if strings.Contains(reqURL, "?") {
		reqURL += "&" + q.Encode()
	} else {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: building post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: post returned status %d", ErrTransient, resp.StatusCode)
	}
	return nil
}

// Ping issues the heartbeat GET (spec.md §4.2.4 / §4.4). retryPrevFailed
// appends retry_ping=1 when the previous tick failed.
func (c *Client) Ping(ctx context.Context, jobIDs []string, interval time.Duration, retryPrevFailed bool) error {
	ctx, cancel := context.WithTimeout(ctx, 2*interval)
	defer cancel()

	q := url.Values{}
	q.Set("job_id", strings.Join(jobIDs, ","))
	if retryPrevFailed {
		q.Set("retry_ping", "1")
	}

	reqURL := c.pingURL
	if strings.Contains(reqURL, "?") {
		reqURL += "&" + q.Encode()
	} else {
		reqURL += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("transport: building ping request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: ping returned status %d", ErrTransient, resp.StatusCode)
	}
	return nil
}

// Progress enqueues a best-effort progress update (C13, spec.md §3/§9).
// Enqueue never blocks the handler: a full channel drops the update and
// logs it, mirroring the teacher's own progressCh-with-default-drop idiom.
func (c *Client) Progress(jobID string, payload json.RawMessage) {
	select {
	case c.progressCh <- models.ProgressUpdate{JobID: jobID, Payload: payload}:
	default:
		c.log.Warn().Str("job_id", jobID).Msg("progress update dropped, channel full")
	}
}

// drainProgress is the single long-lived task that multiplexes progress
// updates over the shared connection pool, per the re-architecture note
// in spec.md §9 ("re-architect as a bounded message channel... into a
// single long-lived task inside C2").
func (c *Client) drainProgress() {
	for update := range c.progressCh {
		body, err := json.Marshal(struct {
			Output json.RawMessage `json:"output"`
			Kind   string          `json:"kind"`
		}{Output: update.Payload, Kind: "progress"})
		if err != nil {
			c.log.Warn().Str("job_id", update.JobID).Err(err).Msg("encoding progress update")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.postForm(ctx, c.postStreamURL, update.JobID, true, body); err != nil {
			c.log.Warn().Str("job_id", update.JobID).Err(err).Msg("progress update post failed")
		}
		cancel()
	}
}
