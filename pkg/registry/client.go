// Package registry is a pull-only client for the OCI distribution API.
//
// It authenticates with anonymous bearer tokens, resolves tags through
// manifest lists for a single platform and streams blobs. Tokens are cached
// for the lifetime of a Client; nothing is persisted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mydocker/pkg/errdefs"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
)

// Options configures a Client.
type Options struct {
	HTTPClient      *http.Client
	DefaultRegistry string
	// Platform is an os/arch[/variant] specifier; empty means the host.
	Platform     string
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Client talks to one or more registries on behalf of one invocation.
type Client struct {
	http            *http.Client
	defaultRegistry string
	platform        string
	maxAttempts     int
	backoff         time.Duration

	mu sync.Mutex
	// tokens is keyed by service and scope.
	tokens map[string]*Token
	// repos maps registry/repository to its key in tokens. An empty key
	// marks a repository that needs no token.
	repos map[string]string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewClient(opts Options) *Client {
	c := &Client{
		http:            opts.HTTPClient,
		defaultRegistry: opts.DefaultRegistry,
		platform:        opts.Platform,
		maxAttempts:     opts.MaxAttempts,
		backoff:         opts.RetryBackoff,
		tokens:          make(map[string]*Token),
		repos:           make(map[string]string),
		now:             time.Now,
		sleep:           sleepContext,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Minute}
	}
	if c.defaultRegistry == "" {
		c.defaultRegistry = DockerHubRegistry
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	return c
}

// ParseReference parses s against the client's default registry.
func (c *Client) ParseReference(s string) (*Reference, error) {
	return ParseReference(s, c.defaultRegistry)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doWithRetry performs req with exponential backoff. Connection errors and
// 5xx responses are retried; anything else is returned to the caller as is.
// A 5xx on the last attempt becomes a StatusError.
func (c *Client) doWithRetry(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.http.Do(req)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = fmt.Errorf("%w: %s %s: %v", errdefs.ErrRegistryUnreachable, req.Method, req.URL, err)
		case isRetryableStatus(resp.StatusCode):
			closeBody(resp.Body)
			lastErr = &errdefs.StatusError{Status: resp.StatusCode, URL: req.URL.String()}
		default:
			return resp, nil
		}

		if attempt < c.maxAttempts {
			backoff := calculateBackoff(attempt, c.backoff)
			logrus.WithFields(logrus.Fields{
				"url":     req.URL.String(),
				"attempt": attempt,
				"backoff": backoff,
			}).Debugf("retrying request: %v", lastErr)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// authorizedGet fetches url with the repository's bearer token. A 401 drops
// the cached token and retries once with a fresh one.
func (c *Client) authorizedGet(ctx context.Context, ref *Reference, url string, accept []string) (*http.Response, error) {
	for refreshed := false; ; refreshed = true {
		token, err := c.AcquireToken(ctx, ref)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for _, mt := range accept {
			req.Header.Add("Accept", mt)
		}
		if token != nil {
			req.Header.Set("Authorization", "Bearer "+token.Value)
		}

		resp, err := c.doWithRetry(req)
		if err != nil {
			return nil, err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			closeBody(resp.Body)
			c.invalidate(ref)
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			closeBody(resp.Body)
			return nil, &errdefs.TokenRejectedError{Status: resp.StatusCode}
		default:
			closeBody(resp.Body)
			return nil, &errdefs.StatusError{Status: resp.StatusCode, URL: url}
		}
	}
}

func isRetryableStatus(statusCode int) bool {
	return statusCode >= 500
}

func calculateBackoff(attempt int, base time.Duration) time.Duration {
	exp := max(attempt-1, 0)
	return base * time.Duration(1<<exp)
}

func closeBody(body io.ReadCloser) {
	if body == nil {
		return
	}
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	if err := body.Close(); err != nil {
		logrus.Debugf("failed to close response body: %v", err)
	}
}

// statusOf returns the HTTP status carried by err, or 0.
func statusOf(err error) int {
	var se *errdefs.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}
