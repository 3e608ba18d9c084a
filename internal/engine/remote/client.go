package remote

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"cardsync/internal/platform/config"
)

// TokenProvider is the part of the credential vault the client needs.
type TokenProvider interface {
	TokenSource(installationID int64) oauth2.TokenSource
	Forget(installationID int64)
}

type Stats struct {
	Requests       int64 `json:"requests"`
	RateLimitWaits int64 `json:"rate_limit_waits"`
	Retries        int64 `json:"retries"`
	Failures       int64 `json:"failures"`
}

// Client hands out per-installation issue clients sharing one transport.
type Client struct {
	tokens    TokenProvider
	cfg       config.GitHubConfig
	baseURL   *url.URL
	transport http.RoundTripper
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	clients map[int64]*IssueClient

	requests       atomic.Int64
	rateLimitWaits atomic.Int64
	retries        atomic.Int64
	failures       atomic.Int64
}

type Option func(*Client)

// WithTransport replaces the base transport under the token transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(tokens TokenProvider, cfg config.GitHubConfig, opts ...Option) (*Client, error) {
	c := &Client{
		tokens:    tokens,
		cfg:       cfg,
		transport: http.DefaultTransport,
		sleep:     sleepCtx,
		clients:   make(map[int64]*IssueClient),
	}
	if cfg.APIBaseURL != "" {
		base := cfg.APIBaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, err
		}
		c.baseURL = u
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
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

func (c *Client) ForInstallation(installationID int64) *IssueClient {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ic, ok := c.clients[installationID]; ok {
		return ic
	}

	hc := &http.Client{
		Transport: &oauth2.Transport{
			Source: c.tokens.TokenSource(installationID),
			Base:   c.transport,
		},
	}
	gh := github.NewClient(hc)
	if c.baseURL != nil {
		gh.BaseURL = c.baseURL
	}
	if c.cfg.UserAgent != "" {
		gh.UserAgent = c.cfg.UserAgent
	}

	ic := &IssueClient{installationID: installationID, gh: gh, parent: c, labels: newLabelCache(c.cfg.LabelCacheTTL)}
	c.clients[installationID] = ic
	return ic
}

// Drop discards the cached client, e.g. after an installation is removed.
func (c *Client) Drop(installationID int64) {
	c.mu.Lock()
	delete(c.clients, installationID)
	c.mu.Unlock()
}

func (c *Client) Stats() Stats {
	return Stats{
		Requests:       c.requests.Load(),
		RateLimitWaits: c.rateLimitWaits.Load(),
		Retries:        c.retries.Load(),
		Failures:       c.failures.Load(),
	}
}

// call runs fn with the per-request timeout and the retry policy:
//   - rate limited: wait for the reset once if it is within the configured
//     ceiling, then give up;
//   - 401: drop the cached token and retry once;
//   - timeouts and 5xx: retry with backoff, only when idempotent.
func (ic *IssueClient) call(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) error) error {
	c := ic.parent
	rateLimitRetried := false
	authRetried := false
	attempt := 0

	for {
		c.requests.Add(1)
		reqCtx := ctx
		cancel := func() {}
		if c.cfg.RequestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		}
		err := fn(reqCtx)
		cancel()
		if err == nil {
			return nil
		}

		rerr := classify(ctx, op, err)
		logger := log.With().Str("op", op).Int64("installation_id", ic.installationID).Str("kind", rerr.Kind.String()).Logger()

		switch rerr.Kind {
		case KindRateLimited:
			wait := rerr.RetryAfter
			if rateLimitRetried || wait > c.cfg.MaxRateLimitWait {
				logger.Warn().Dur("retry_after", wait).Msg("GitHub rate limit exceeded")
				c.failures.Add(1)
				return rerr
			}
			rateLimitRetried = true
			c.rateLimitWaits.Add(1)
			// pad past the reset second so the client-side limit check passes
			wait += 500 * time.Millisecond
			logger.Info().Dur("wait", wait).Msg("Waiting for GitHub rate limit reset")
			if err := c.sleep(ctx, wait); err != nil {
				return &Error{Kind: KindCanceled, Op: op, Err: err}
			}
			c.retries.Add(1)
			continue

		case KindAuth:
			if !authRetried && !raisedByVault(rerr) {
				authRetried = true
				c.tokens.Forget(ic.installationID)
				c.retries.Add(1)
				logger.Info().Msg("Installation token rejected, retrying with a fresh token")
				continue
			}

		case KindTimeout, KindUnavailable:
			if idempotent && attempt < c.cfg.TimeoutRetries {
				attempt++
				backoff := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
				logger.Info().Int("attempt", attempt).Dur("backoff", backoff).Msg("Retrying GitHub request")
				if err := c.sleep(ctx, backoff); err != nil {
					return &Error{Kind: KindCanceled, Op: op, Err: err}
				}
				c.retries.Add(1)
				continue
			}
		}

		c.failures.Add(1)
		return rerr
	}
}

// raisedByVault reports auth failures raised by the vault itself (invalid
// installation) rather than by GitHub. Retrying those is pointless.
func raisedByVault(e *Error) bool {
	return e.Status == 0
}
