// Package github provides the GitHub query layer of the release feed:
// typed release queries, credential rotation, retries and a short-lived cache.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v57/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultMaxRetries     = 2
	defaultRetryDelay     = time.Second
	maxRetryAfter         = time.Minute
)

// ErrRepositoryNotFound is returned when a repository does not exist or is not visible.
var ErrRepositoryNotFound = errors.New("repository not found")

// Client wraps a pool of GitHub API clients, one per credential.
type Client struct {
	pool  *tokenPool
	cache *objectCache
	log   zerolog.Logger

	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	baseURL    string
	httpClient *http.Client
	cacheSize  int
	cacheTTL   time.Duration
}

// WithBaseURL points the client at a different API root, e.g. GitHub Enterprise.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) { o.baseURL = u }
}

// WithHTTPClient sets the transport shared by every credential.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithCache overrides the cache capacity and entry lifetime.
func WithCache(size int, ttl time.Duration) Option {
	return func(o *clientOptions) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// NewClient creates a client rotating over tokens. Empty tokens are skipped;
// with no usable token an unauthenticated client is created (with lower rate limits).
func NewClient(tokens []string, log zerolog.Logger, opts ...Option) (*Client, error) {
	o := clientOptions{
		httpClient: http.DefaultClient,
		cacheSize:  defaultCacheSize,
		cacheTTL:   defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var baseURL *url.URL
	if o.baseURL != "" {
		if !strings.HasSuffix(o.baseURL, "/") {
			o.baseURL += "/"
		}
		u, err := url.Parse(o.baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
		baseURL = u
	}

	var clients []*gh.Client
	for _, token := range tokens {
		if strings.TrimSpace(token) == "" {
			continue
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, o.httpClient)
		clients = append(clients, newAPIClient(oauth2.NewClient(ctx, ts), baseURL))
	}
	if len(clients) == 0 {
		log.Warn().Msg("No GitHub token configured, using unauthenticated client")
		clients = append(clients, newAPIClient(o.httpClient, baseURL))
	}

	return &Client{
		pool:       &tokenPool{clients: clients},
		cache:      newObjectCache(o.cacheSize, o.cacheTTL),
		log:        log,
		timeout:    defaultRequestTimeout,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		sleep:      sleepContext,
	}, nil
}

func newAPIClient(httpClient *http.Client, baseURL *url.URL) *gh.Client {
	client := gh.NewClient(httpClient)
	if baseURL != nil {
		client.BaseURL = baseURL
	}
	return client
}

// tokenPool hands out API clients round-robin.
type tokenPool struct {
	mu      sync.Mutex
	clients []*gh.Client
	next    int
}

func (p *tokenPool) get() *gh.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	client := p.clients[p.next]
	p.next = (p.next + 1) % len(p.clients)
	return client
}

// RepoInfo contains basic repository information.
type RepoInfo struct {
	Owner       string
	Name        string
	FullName    string
	Description string
	Stars       int
	URL         string
}

// GetRepository retrieves information about a repository.
func (c *Client) GetRepository(ctx context.Context, fullName string) (*RepoInfo, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" {
		return nil, ErrRepositoryNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	r, _, err := c.pool.get().Repositories.Get(ctx, owner, name)
	if err != nil {
		var errResp *gh.ErrorResponse
		if errors.As(err, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusNotFound {
			return nil, ErrRepositoryNotFound
		}
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}

	return &RepoInfo{
		Owner:       r.GetOwner().GetLogin(),
		Name:        r.GetName(),
		FullName:    r.GetFullName(),
		Description: r.GetDescription(),
		Stars:       r.GetStargazersCount(),
		URL:         r.GetHTMLURL(),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
