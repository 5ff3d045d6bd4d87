package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Backlog size bounds accepted by ReleaseBacklog.
const (
	MinBacklog = 1
	MaxBacklog = 10
)

// Release is a release as observed by the query layer.
type Release struct {
	Repo           string
	Tag            string
	URL            string
	IsPrerelease   bool
	IsDraft        bool
	BodyHTML       string
	CreatedAt      time.Time
	Author         Author
	AssetCount     int
	OpenGraphImage string // set only when the repository has a custom social preview
	LanguageColor  string // "#rrggbb" of the primary language, if any
}

// Author identifies who created a release.
type Author struct {
	Login string
	URL   string
}

const releaseFields = `
        author { login url }
        descriptionHTML
        isDraft
        isPrerelease
        createdAt
        tagName
        url
        releaseAssets { totalCount }`

const repositoryFields = `
    primaryLanguage { color }
    usesCustomOpenGraphImage
    openGraphImageUrl`

var latestReleaseQuery = `query LatestRelease($owner: String!, $name: String!) {
  repository(owner: $owner, name: $name) {` + repositoryFields + `
    releases(first: 1, orderBy: {field: CREATED_AT, direction: DESC}) {
      nodes {` + releaseFields + `
      }
    }
  }
}`

var releaseBacklogQuery = `query ReleaseBacklog($owner: String!, $name: String!, $count: Int!) {
  repository(owner: $owner, name: $name) {` + repositoryFields + `
    releases(first: $count, orderBy: {field: CREATED_AT, direction: DESC}) {
      nodes {` + releaseFields + `
      }
    }
  }
}`

type releaseNode struct {
	Author *struct {
		Login string `json:"login"`
		URL   string `json:"url"`
	} `json:"author"`
	DescriptionHTML string    `json:"descriptionHTML"`
	IsDraft         bool      `json:"isDraft"`
	IsPrerelease    bool      `json:"isPrerelease"`
	CreatedAt       time.Time `json:"createdAt"`
	TagName         string    `json:"tagName"`
	URL             string    `json:"url"`
	ReleaseAssets   struct {
		TotalCount int `json:"totalCount"`
	} `json:"releaseAssets"`
}

type repositoryReleases struct {
	Repository *struct {
		PrimaryLanguage *struct {
			Color string `json:"color"`
		} `json:"primaryLanguage"`
		UsesCustomOpenGraphImage bool   `json:"usesCustomOpenGraphImage"`
		OpenGraphImageURL        string `json:"openGraphImageUrl"`
		Releases                 struct {
			Nodes []releaseNode `json:"nodes"`
		} `json:"releases"`
	} `json:"repository"`
}

func (r *repositoryReleases) releases(repo string) []Release {
	if r.Repository == nil {
		return nil
	}

	var color, image string
	if r.Repository.PrimaryLanguage != nil {
		color = r.Repository.PrimaryLanguage.Color
	}
	if r.Repository.UsesCustomOpenGraphImage {
		image = r.Repository.OpenGraphImageURL
	}

	out := make([]Release, 0, len(r.Repository.Releases.Nodes))
	for _, n := range r.Repository.Releases.Nodes {
		rel := Release{
			Repo:           repo,
			Tag:            n.TagName,
			URL:            n.URL,
			IsPrerelease:   n.IsPrerelease,
			IsDraft:        n.IsDraft,
			BodyHTML:       n.DescriptionHTML,
			CreatedAt:      n.CreatedAt,
			AssetCount:     n.ReleaseAssets.TotalCount,
			OpenGraphImage: image,
			LanguageColor:  color,
		}
		if n.Author != nil {
			rel.Author = Author{Login: n.Author.Login, URL: n.Author.URL}
		}
		out = append(out, rel)
	}
	return out
}

// LatestRelease fetches the most recent release of repo ("owner/name").
// It never returns an error directly; failures are reported through Outcome.
func (c *Client) LatestRelease(ctx context.Context, repo string) LatestResult {
	key := cacheKey("LatestRelease", repo)
	if cached, ok := c.cache.get(key); ok {
		if res, ok := cached.(LatestResult); ok {
			return res
		}
	}

	var data repositoryReleases
	outcome, err := c.repositoryQuery(ctx, "LatestRelease", latestReleaseQuery, repo, nil, &data)
	if outcome != OK {
		return LatestResult{Outcome: outcome, Err: err}
	}

	res := LatestResult{Outcome: OK}
	if releases := data.releases(repo); len(releases) > 0 {
		res.Release = &releases[0]
	}
	c.cache.set(key, res)
	return res
}

// ReleaseBacklog fetches the n most recent releases of repo, newest first.
func (c *Client) ReleaseBacklog(ctx context.Context, repo string, n int) BacklogResult {
	if n < MinBacklog || n > MaxBacklog {
		return BacklogResult{
			Outcome: Malformed,
			Err:     fmt.Errorf("backlog size %d out of range %d..%d", n, MinBacklog, MaxBacklog),
		}
	}

	key := cacheKey("ReleaseBacklog", repo, n)
	if cached, ok := c.cache.get(key); ok {
		if res, ok := cached.(BacklogResult); ok {
			return res
		}
	}

	var data repositoryReleases
	outcome, err := c.repositoryQuery(ctx, "ReleaseBacklog", releaseBacklogQuery, repo, map[string]any{"count": n}, &data)
	if outcome != OK {
		return BacklogResult{Outcome: outcome, Err: err}
	}

	res := BacklogResult{Outcome: OK, Releases: data.releases(repo)}
	c.cache.set(key, res)
	return res
}

func (c *Client) repositoryQuery(ctx context.Context, name, query, repo string, extra map[string]any, out *repositoryReleases) (Outcome, error) {
	owner, repoName, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || repoName == "" {
		return NotFound, fmt.Errorf("invalid repository name %q", repo)
	}

	vars := map[string]any{"owner": owner, "name": repoName}
	for k, v := range extra {
		vars[k] = v
	}

	outcome, err := c.graphQL(ctx, name, query, vars, out)
	if outcome == OK && out.Repository == nil {
		outcome, err = NotFound, fmt.Errorf("repository %s resolved to null", repo)
	}

	c.logOutcome(name, vars, outcome, err)
	return outcome, err
}

func (c *Client) logOutcome(query string, vars map[string]any, outcome Outcome, err error) {
	var event *zerolog.Event
	switch outcome {
	case OK:
		return
	case NotFound:
		event = c.log.Debug()
	case Malformed:
		event = c.log.Error()
	default:
		event = c.log.Warn()
	}
	event.Err(err).
		Str("query", query).
		Interface("variables", vars).
		Stringer("outcome", outcome).
		Msg("GitHub query failed")
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type graphQLResponse[T any] struct {
	Data   T              `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// graphQL posts one query, rotating credentials per attempt and retrying
// transient faults and rate limits with linear backoff.
func (c *Client) graphQL(ctx context.Context, name, query string, vars map[string]any, out *repositoryReleases) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)

	for attempt := 0; ; attempt++ {
		var retryAfter time.Duration
		outcome, retryAfter, err = c.graphQLOnce(ctx, query, vars, out)
		if outcome == OK || attempt >= c.maxRetries {
			return outcome, err
		}

		delay := time.Duration(attempt+1) * c.retryDelay
		switch outcome {
		case Transient:
		case RateLimited:
			if retryAfter > maxRetryAfter {
				return outcome, err
			}
			delay = max(delay, retryAfter)
		default:
			return outcome, err
		}

		c.log.Debug().Err(err).
			Str("query", name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying GitHub query")

		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return Transient, errors.Join(err, sleepErr)
		}
	}
}

func (c *Client) graphQLOnce(ctx context.Context, query string, vars map[string]any, out *repositoryReleases) (Outcome, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client := c.pool.get()
	req, err := client.NewRequest(http.MethodPost, "graphql", graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return Malformed, 0, fmt.Errorf("failed to build request: %w", err)
	}

	var resp graphQLResponse[repositoryReleases]
	if _, err := client.Do(ctx, req, &resp); err != nil {
		outcome, retryAfter := classify(err)
		return outcome, retryAfter, err
	}

	if len(resp.Errors) > 0 {
		return classifyGraphQLErrors(resp.Errors)
	}

	*out = resp.Data
	return OK, 0, nil
}

func classifyGraphQLErrors(errs []graphQLError) (Outcome, time.Duration, error) {
	messages := make([]string, 0, len(errs))
	outcome := Malformed
	for _, e := range errs {
		messages = append(messages, e.Message)
		switch {
		case e.Type == "NOT_FOUND",
			strings.HasPrefix(e.Message, "Could not resolve to a Repository"),
			strings.HasPrefix(e.Message, "Could not resolve to a node"):
			outcome = NotFound
		case e.Type == "RATE_LIMITED" && outcome != NotFound:
			outcome = RateLimited
		case e.Type == "FORBIDDEN" && outcome == Malformed:
			outcome = Unauthorized
		}
	}
	return outcome, 0, fmt.Errorf("graphql: %s", strings.Join(messages, "; "))
}
