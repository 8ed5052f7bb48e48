package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/npezzotti/blyss-chat/internal/auth"
	"github.com/npezzotti/blyss-chat/internal/config"
	"github.com/npezzotti/blyss-chat/internal/stats"
	"github.com/teris-io/shortid"
)

const requestIdHeader = "X-Request-Id"

// ErrDecode marks a response body that could not be decoded. Such failures are
// not retried.
var ErrDecode = errors.New("decode response")

// TokenSource supplies the session credential attached to every request.
type TokenSource interface {
	Token() string
}

type Client struct {
	log               *log.Logger
	baseURL           *url.URL
	http              *http.Client
	tokens            TokenSource
	stats             stats.StatsProvider
	retryAttempts     int
	retryDelay        time.Duration
	generateRequestId func() (string, error)
}

func NewClient(logger *log.Logger, cfg *config.Config, tokens TokenSource, su stats.StatsProvider) *Client {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	return &Client{
		log:               logger,
		baseURL:           cfg.BaseURL,
		http:              &http.Client{Timeout: cfg.RequestTimeout},
		tokens:            tokens,
		stats:             su,
		retryAttempts:     attempts,
		retryDelay:        cfg.RetryDelay,
		generateRequestId: shortid.Generate,
	}
}

// BaseURL returns the origin the client talks to.
func (c *Client) BaseURL() *url.URL {
	return c.baseURL
}

func (c *Client) endpoint(query url.Values, segments ...string) string {
	u := c.baseURL.JoinPath(segments...)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do performs a JSON request. When retry is set, transient failures are
// repeated up to retryAttempts times with a linearly increasing delay.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any, retry bool) error {
	attempts := 1
	if retry {
		attempts = c.retryAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = c.doOnce(ctx, method, endpoint, body, out)
		if err == nil {
			return nil
		}
		if attempt == attempts || !isRetryable(err) {
			break
		}

		c.stats.Incr(stats.RestRetries)
		delay := time.Duration(attempt) * c.retryDelay
		c.log.Printf("%s %s: attempt %d failed, retrying in %s: %v", method, endpoint, attempt, delay, err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.stats.Incr(stats.RestFailures)
			return fmt.Errorf("%s %s: %w", method, endpoint, ctx.Err())
		}
	}

	c.stats.Incr(stats.RestFailures)
	var apiErr *ApiError
	if errors.As(err, &apiErr) && apiErr.RequestId != "" {
		c.log.Printf("%s %s: request %s failed: %v", method, endpoint, apiErr.RequestId, err)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	requestId, err := c.generateRequestId()
	if err != nil {
		c.log.Println("generate request id:", err)
	} else {
		req.Header.Set(requestIdHeader, requestId)
	}

	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.AddCookie(auth.SessionCookie(token))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newApiError(resp, requestId)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrDecode, method, endpoint, err)
	}

	return nil
}

func isRetryable(err error) bool {
	var apiErr *ApiError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Retryable()
	case errors.Is(err, ErrDecode):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
