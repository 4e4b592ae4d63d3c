// Package transport provides the single HTTP primitive the fabric protocol
// is built on: POST a JSON body to a peer URL.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/specialistvlad/chainmesh/internal/ctxlog"
)

// Result is the outcome of a successful post.
type Result struct {
	Status int
	Body   []byte
}

// Poster is the transport primitive injected into the supervisor's
// callbacks.
type Poster interface {
	Post(ctx context.Context, url string, body any) (*Result, error)
}

// PostError reports a non-2xx response from a peer. Such responses are not
// retried: the peer answered, it just refused.
type PostError struct {
	URL    string
	Status int
}

func (e *PostError) Error() string {
	return fmt.Sprintf("transport: POST %s returned status %d", e.URL, e.Status)
}

// HTTPPoster posts JSON bodies with exponential-backoff retries for
// transient network failures.
type HTTPPoster struct {
	client      *http.Client
	maxRetries  uint64
	maxInterval time.Duration
}

// Option configures an HTTPPoster.
type Option func(*HTTPPoster)

// WithMaxRetries bounds the number of retry attempts after the first try.
func WithMaxRetries(n uint64) Option {
	return func(p *HTTPPoster) { p.maxRetries = n }
}

// WithMaxInterval caps the backoff interval between retries.
func WithMaxInterval(d time.Duration) Option {
	return func(p *HTTPPoster) { p.maxInterval = d }
}

// NewHTTPPoster wraps the given client. A nil client uses a sane default
// with a request timeout.
func NewHTTPPoster(client *http.Client, opts ...Option) *HTTPPoster {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	p := &HTTPPoster{
		client:      client,
		maxRetries:  2,
		maxInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Post implements Poster. Network errors are retried with exponential
// backoff; HTTP error statuses are returned immediately as *PostError.
func (p *HTTPPoster) Post(ctx context.Context, url string, body any) (*Result, error) {
	logger := ctxlog.FromContext(ctx)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("transport: encode body for %s: %w", url, err)
	}

	var result *Result
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			logger.Debug("POST attempt failed, will retry.", "url", url, "error", err)
			return err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(&PostError{URL: url, Status: resp.StatusCode})
		}
		result = &Result{Status: resp.StatusCode, Body: respBody}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = p.maxInterval
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, p.maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}
