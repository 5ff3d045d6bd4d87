package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/statch/gitbot-sub000/internal/github"
	"github.com/statch/gitbot-sub000/internal/locale"
	"github.com/statch/gitbot-sub000/internal/notifier"
	"github.com/statch/gitbot-sub000/internal/storage"
)

const testNamespace = "test"

func newTestDatabase(t *testing.T) *storage.Database {
	t.Helper()

	db, err := storage.NewDatabase(filepath.Join(t.TempDir(), "feed.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// countingStore wraps the real store, counting tag commits and optionally
// failing them.
type countingStore struct {
	*storage.SubscriptionStore

	mu        sync.Mutex
	bulkCalls int
	bulkErr   error
}

func (s *countingStore) BulkUpdateTags(ctx context.Context, guildID int64, updates []storage.TagUpdate) error {
	s.mu.Lock()
	s.bulkCalls++
	err := s.bulkErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.SubscriptionStore.BulkUpdateTags(ctx, guildID, updates)
}

func (s *countingStore) commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls
}

type fakeReleases struct {
	mu      sync.Mutex
	latest  map[string]github.LatestResult
	backlog map[string]github.BacklogResult
	calls   map[string]int
	delay   time.Duration
}

func newFakeReleases() *fakeReleases {
	return &fakeReleases{
		latest:  make(map[string]github.LatestResult),
		backlog: make(map[string]github.BacklogResult),
		calls:   make(map[string]int),
	}
}

func (f *fakeReleases) setLatest(repo string, res github.LatestResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[strings.ToLower(repo)] = res
}

func (f *fakeReleases) LatestRelease(_ context.Context, repo string) github.LatestResult {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[repo]++
	if res, ok := f.latest[strings.ToLower(repo)]; ok {
		return res
	}
	return github.LatestResult{Outcome: github.OK}
}

func (f *fakeReleases) ReleaseBacklog(_ context.Context, repo string, n int) github.BacklogResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.backlog[strings.ToLower(repo)]
	if !ok {
		return github.BacklogResult{Outcome: github.OK}
	}
	if len(res.Releases) > n {
		res.Releases = res.Releases[:n]
	}
	return res
}

func released(repo, tag, body string) github.LatestResult {
	return github.LatestResult{Outcome: github.OK, Release: &github.Release{Repo: repo, Tag: tag, BodyHTML: body}}
}

type post struct {
	URL    string
	Params discordgo.WebhookParams
}

// fakeDiscord stands in for the Discord webhook endpoint behind the real publisher.
type fakeDiscord struct {
	mu     sync.Mutex
	posts  []post
	status map[string]int // by webhook URL; default 204
}

func (d *fakeDiscord) Do(req *http.Request) (*http.Response, error) {
	var params discordgo.WebhookParams
	if err := json.NewDecoder(req.Body).Decode(&params); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.posts = append(d.posts, post{URL: req.URL.String(), Params: params})

	status := http.StatusNoContent
	if s, ok := d.status[req.URL.String()]; ok {
		status = s
	}
	if status < 0 {
		return nil, errors.New("connection refused")
	}
	return &http.Response{StatusCode: status, Body: http.NoBody, Header: http.Header{}}, nil
}

func (d *fakeDiscord) setStatus(url string, status int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == nil {
		d.status = make(map[string]int)
	}
	d.status[url] = status
}

func (d *fakeDiscord) sent() []post {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]post(nil), d.posts...)
}

func (d *fakeDiscord) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.posts = nil
}

type harness struct {
	db       *storage.Database
	store    *countingStore
	releases *fakeReleases
	discord  *fakeDiscord
	core     *Core
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	catalog, err := locale.Load(locale.Master)
	require.NoError(t, err)

	db := newTestDatabase(t)
	h := &harness{
		db:       db,
		store:    &countingStore{SubscriptionStore: storage.NewSubscriptionStore(db, testNamespace)},
		releases: newFakeReleases(),
		discord:  &fakeDiscord{},
	}
	publisher := notifier.NewPublisher(catalog, zerolog.Nop(), notifier.WithHTTPClient(h.discord))
	h.core = NewCore(h.store, h.releases, publisher, zerolog.Nop())
	return h
}

func (h *harness) seed(t *testing.T, guildID int64, items ...storage.FeedItem) {
	t.Helper()
	for _, item := range items {
		require.NoError(t, h.store.UpsertFeedItem(context.Background(), guildID, item))
	}
}

// corrupt overwrites a guild document with JSON that does not decode.
func (h *harness) corrupt(t *testing.T, guildID int64) {
	t.Helper()
	_, err := h.db.ExecContext(context.Background(),
		`UPDATE guilds SET doc = ? WHERE namespace = ? AND id = ?`, `{"feed":[{"cid":"oops"}]}`, testNamespace, guildID)
	require.NoError(t, err)
}

func (h *harness) guild(t *testing.T, guildID int64) *storage.GuildConfig {
	t.Helper()
	g, err := h.store.Guild(context.Background(), guildID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return g
}

func (h *harness) tag(t *testing.T, guildID, channelID int64, repo string) *string {
	t.Helper()
	g := h.guild(t, guildID)
	require.NotNil(t, g, "guild %d missing", guildID)
	item, ok := g.FeedItem(channelID)
	require.True(t, ok, "feed item %d missing", channelID)
	r, ok := item.Repo(repo)
	require.True(t, ok, "repo %s missing", repo)
	return r.Tag
}

func webhookURL(hook string) string {
	return notifier.DefaultWebhookBaseURL + hook
}
