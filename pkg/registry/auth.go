package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"mydocker/pkg/errdefs"
)

const defaultTokenLifetime = 60 * time.Second

// Token is a bearer token issued by a registry's token endpoint.
type Token struct {
	Value  string
	Expiry time.Time
}

func (t *Token) valid(now time.Time) bool {
	return t != nil && now.Before(t.Expiry)
}

type tokenResponse struct {
	Token       string    `json:"token"`
	AccessToken string    `json:"access_token"`
	ExpiresIn   int       `json:"expires_in"`
	IssuedAt    time.Time `json:"issued_at"`
}

// AcquireToken returns a pull token for ref's repository. It probes the
// manifest endpoint without credentials and follows the Bearer challenge.
// A nil token with a nil error means the registry allows anonymous access.
func (c *Client) AcquireToken(ctx context.Context, ref *Reference) (*Token, error) {
	repoKey := ref.Registry + "/" + ref.Repository

	c.mu.Lock()
	key, known := c.repos[repoKey]
	if known && key == "" {
		c.mu.Unlock()
		return nil, nil
	}
	if tok := c.tokens[key]; known && tok.valid(c.now()) {
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	challenge, err := c.challenge(ctx, ref)
	if err != nil {
		return nil, err
	}
	if challenge == nil {
		c.mu.Lock()
		c.repos[repoKey] = ""
		c.mu.Unlock()
		return nil, nil
	}
	if challenge.Scope == "" {
		challenge.Scope = ref.pullScope()
	}

	key = challenge.Service + " " + challenge.Scope
	c.mu.Lock()
	tok := c.tokens[key]
	c.mu.Unlock()
	if !tok.valid(c.now()) {
		tok, err = c.fetchToken(ctx, challenge)
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	c.tokens[key] = tok
	c.repos[repoKey] = key
	c.mu.Unlock()
	return tok, nil
}

func (c *Client) invalidate(ref *Reference) {
	c.mu.Lock()
	defer c.mu.Unlock()

	repoKey := ref.Registry + "/" + ref.Repository
	delete(c.tokens, c.repos[repoKey])
	delete(c.repos, repoKey)
}

// challenge issues the unauthenticated probe. It returns nil when the
// registry answers without asking for credentials.
func (c *Client) challenge(ctx context.Context, ref *Reference) (*BearerChallenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref.manifestURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)

	resp, err := c.doWithRetry(req)
	if err != nil {
		return nil, err
	}
	closeBody(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ParseChallenge(resp.Header.Get("WWW-Authenticate"))
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", errdefs.ErrManifestUnknown, ref)
	default:
		return nil, &errdefs.StatusError{Status: resp.StatusCode, URL: req.URL.String()}
	}
}

func (c *Client) fetchToken(ctx context.Context, ch *BearerChallenge) (*Token, error) {
	u, err := url.Parse(ch.Realm)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid realm %q", errdefs.ErrChallengeMalformed, ch.Realm)
	}
	q := u.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	q.Set("scope", ch.Scope)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	resp, err := c.doWithRetry(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if status := statusOf(err); status != 0 {
			return nil, &errdefs.TokenRejectedError{Status: status}
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrTokenEndpointUnreachable, err)
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, &errdefs.TokenRejectedError{Status: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}

	value := tr.Token
	if value == "" {
		value = tr.AccessToken
	}
	if value == "" {
		return nil, fmt.Errorf("token response carries no token: %w", &errdefs.TokenRejectedError{Status: resp.StatusCode})
	}

	lifetime := defaultTokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	issued := c.now()
	if !tr.IssuedAt.IsZero() {
		issued = tr.IssuedAt
	}

	logrus.WithFields(logrus.Fields{
		"service": ch.Service,
		"scope":   ch.Scope,
	}).Debug("acquired registry token")

	return &Token{Value: value, Expiry: issued.Add(lifetime)}, nil
}
