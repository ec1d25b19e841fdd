package liveagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mechanigo/laextract/internal/resource"
)

const (
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// Client talks to the LiveAgent v3 REST API.
type Client struct {
	baseURL string
	apiKey  string
	perPage int
	client  *http.Client
	logger  *slog.Logger

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(baseURL, apiKey string, perPage int, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		perPage: perPage,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
		sleep:   sleepCtx,
	}
}

type errorResponse struct {
	Message string `json:"message"`
}

// Ping probes the API before a run. LiveAgent answers /ping with 200 when the
// key is valid and the instance is up.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// GetUser fetches a single user record by id.
func (c *Client) GetUser(ctx context.Context, userID string) (resource.Raw, error) {
	body, err := c.get(ctx, "/users/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, err
	}

	var rec resource.Raw
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal user %s: %w", userID, err)
	}
	return rec, nil
}

// getPage fetches one page of a list endpoint and decodes the record array.
// LiveAgent answers either with a bare JSON array or a {"data": [...]} envelope.
func (c *Client) getPage(ctx context.Context, path string, params url.Values, page int) ([]resource.Raw, error) {
	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("_page", strconv.Itoa(page))
	q.Set("_perPage", strconv.Itoa(c.perPage))

	body, err := c.get(ctx, path, q)
	if err != nil {
		return nil, err
	}

	var envelope struct {
		Data []resource.Raw `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Data != nil {
		return envelope.Data, nil
	}

	var records []resource.Raw
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("unmarshal page %d of %s: %w", page, path, err)
	}
	return records, nil
}

// get issues a GET with retries. Transient failures (network errors, 5xx) are
// retried up to maxAttempts with exponential backoff. A 429 pauses for the
// server-indicated duration and does not consume an attempt.
func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		c.setHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("api call: %w", err)
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()

			switch {
			case readErr != nil:
				lastErr = fmt.Errorf("read response: %w", readErr)
			case resp.StatusCode == http.StatusOK:
				return body, nil
			case resp.StatusCode == http.StatusTooManyRequests:
				delay := retryAfter(resp, backoff)
				c.logger.Warn("rate limited, pausing", "path", path, "delay", delay)
				if err := c.sleep(ctx, delay); err != nil {
					return nil, err
				}
				continue // does not count against the retry bound
			case resp.StatusCode >= 500:
				lastErr = apiError(resp.StatusCode, body)
			default:
				// Non-retryable client error.
				return nil, apiError(resp.StatusCode, body)
			}
		}

		attempt++
		if attempt > maxAttempts {
			break
		}
		c.logger.Warn("request failed, retrying",
			"path", path,
			"attempt", attempt,
			"backoff", backoff,
			"error", lastErr,
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("after %d attempts: %w", maxAttempts, lastErr)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)
}

func apiError(status int, body []byte) error {
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
		return fmt.Errorf("api error %d: %s", status, errResp.Message)
	}
	return fmt.Errorf("api error %d: %s", status, string(body))
}

// retryAfter reads the Retry-After header, falling back to the current backoff.
func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
