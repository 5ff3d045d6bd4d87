package feed

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statch/gitbot-sub000/internal/github"
	"github.com/statch/gitbot-sub000/internal/storage"
)

func newTestWorker(h *harness) *Worker {
	return NewWorker(h.core, nil, WorkerConfig{Interval: time.Minute, Concurrency: 2})
}

func singleRepoFeed(hook, repo string, tag *string) storage.FeedItem {
	return storage.FeedItem{ChannelID: 10, Hook: hook, Repos: []storage.RepoSubscription{{Name: repo, Tag: tag}}}
}

func TestTickFreshSubscriptionWithoutRelease(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", nil))

	_, err := newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.discord.sent())
	assert.Nil(t, h.tag(t, 1, 10, "a/b"))
	assert.Zero(t, h.store.commits())
}

func TestTickFirstReleaseObserved(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", nil))
	h.releases.setLatest("a/b", released("a/b", "v1.0.0", "<p>Hello</p>"))

	_, err := newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)

	posts := h.discord.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, "https://discord.com/api/webhooks/H", posts[0].URL)
	require.Len(t, posts[0].Params.Embeds, 1)
	assert.Contains(t, posts[0].Params.Embeds[0].Title, "New a/b release! `v1.0.0`")
	assert.Contains(t, posts[0].Params.Embeds[0].Description, "Hello")

	tag := h.tag(t, 1, 10, "a/b")
	require.NotNil(t, tag)
	assert.Equal(t, "v1.0.0", *tag)
}

func TestTickUnchangedMakesNoCallsOrWrites(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", strPtr("v1.0.0")))
	h.releases.setLatest("a/b", released("a/b", "v1.0.0", "<p>Hello</p>"))

	_, err := newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.discord.sent())
	assert.Zero(t, h.store.commits())
}

func TestTickPublishesEachReleaseOnce(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", nil))
	h.releases.setLatest("a/b", released("a/b", "v1.0.0", ""))
	w := newTestWorker(h)

	for range 3 {
		_, err := w.Tick(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, h.discord.sent(), 1)

	h.releases.setLatest("a/b", released("a/b", "v1.1.0", ""))
	_, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.discord.sent(), 2)
	assert.Equal(t, "v1.1.0", *h.tag(t, 1, 10, "a/b"))
}

func TestTickRepositoryRenamed(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", strPtr("v1.0.0")))
	h.releases.setLatest("a/b", github.LatestResult{Outcome: github.NotFound})
	w := newTestWorker(h)

	stats, err := w.Tick(context.Background())
	require.NoError(t, err)

	posts := h.discord.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, "Repository not found", posts[0].Params.Embeds[0].Title)
	assert.Contains(t, posts[0].Params.Embeds[0].Description, "a/b")
	assert.Nil(t, h.guild(t, 1), "guild with no feed items left is deleted")
	assert.EqualValues(t, 1, stats.Missing)

	_, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.discord.sent(), 1, "missing notice is delivered once")
}

func TestTickRepositoryMissingKeepsSiblings(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1,
		storage.FeedItem{ChannelID: 10, Hook: "H", Repos: []storage.RepoSubscription{{Name: "a/gone"}, {Name: "a/kept"}}},
		storage.FeedItem{ChannelID: 20, Hook: "H2", Repos: []storage.RepoSubscription{{Name: "a/gone"}}},
	)
	h.releases.setLatest("a/gone", github.LatestResult{Outcome: github.NotFound})

	_, err := newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)

	g := h.guild(t, 1)
	require.NotNil(t, g)
	require.Len(t, g.Feed, 1)
	assert.Equal(t, int64(10), g.Feed[0].ChannelID)
	assert.Equal(t, []storage.RepoSubscription{{Name: "a/kept"}}, g.Feed[0].Repos)
	assert.Len(t, h.discord.sent(), 2)
}

func TestTickMissingNoticeFailureRetriesNextTick(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", nil))
	h.releases.setLatest("a/b", github.LatestResult{Outcome: github.NotFound})
	h.discord.setStatus(webhookURL("H"), http.StatusBadGateway)
	w := newTestWorker(h)

	_, err := w.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h.guild(t, 1), "subscription kept until the notice is delivered")

	h.discord.setStatus(webhookURL("H"), http.StatusNoContent)
	_, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h.guild(t, 1))
}

func TestTickWebhookRevoked(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, storage.FeedItem{ChannelID: 10, Hook: "H", Repos: []storage.RepoSubscription{{Name: "a/b"}, {Name: "c/d"}}})
	h.seed(t, 2, storage.FeedItem{ChannelID: 30, Hook: "H2", Repos: []storage.RepoSubscription{{Name: "e/f", Tag: strPtr("v1")}}})
	h.releases.setLatest("a/b", released("a/b", "v1.0.0", ""))
	h.releases.setLatest("c/d", released("c/d", "v2.0.0", ""))
	h.releases.setLatest("e/f", released("e/f", "v1", ""))
	h.discord.setStatus(webhookURL("H"), http.StatusNotFound)

	stats, err := newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)

	assert.Nil(t, h.guild(t, 1))
	assert.Equal(t, "v1", *h.tag(t, 2, 30, "e/f"))
	assert.EqualValues(t, 1, stats.Removed)

	posts := h.discord.sent()
	require.Len(t, posts, 1, "remaining repositories of a dead guild are skipped")
	assert.Equal(t, webhookURL("H"), posts[0].URL)
}

func TestTickTransientPublishDoesNotAdvanceTag(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", strPtr("v0.9.0")))
	h.releases.setLatest("a/b", released("a/b", "v1.0.0", ""))
	h.discord.setStatus(webhookURL("H"), http.StatusServiceUnavailable)
	w := newTestWorker(h)

	_, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v0.9.0", *h.tag(t, 1, 10, "a/b"))
	assert.Zero(t, h.store.commits())

	h.discord.setStatus(webhookURL("H"), -1)
	_, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v0.9.0", *h.tag(t, 1, 10, "a/b"), "network errors behave the same")

	h.discord.setStatus(webhookURL("H"), http.StatusNoContent)
	_, err = w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", *h.tag(t, 1, 10, "a/b"))
	assert.Len(t, h.discord.sent(), 3)
}

func TestTickTransientQueryIsSilent(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", strPtr("v1")))
	h.releases.setLatest("a/b", github.LatestResult{Outcome: github.Transient})

	_, err := newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.discord.sent())
	assert.Equal(t, "v1", *h.tag(t, 1, 10, "a/b"))
}

func TestTickCommitIsAtomicPerGuild(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1,
		storage.FeedItem{ChannelID: 10, Hook: "H", Repos: []storage.RepoSubscription{{Name: "a/one"}, {Name: "a/two"}}},
		storage.FeedItem{ChannelID: 20, Hook: "H2", Repos: []storage.RepoSubscription{{Name: "a/three"}}},
	)
	h.releases.setLatest("a/one", released("a/one", "v1", ""))
	h.releases.setLatest("a/two", released("a/two", "v2", ""))
	h.releases.setLatest("a/three", released("a/three", "v3", ""))
	h.store.bulkErr = fmt.Errorf("%w: database is locked", storage.ErrStoreUnavailable)

	_, err := newTestWorker(h).Tick(context.Background())
	require.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.Equal(t, 1, h.store.commits(), "one commit per guild")

	for _, tc := range []struct {
		channel int64
		repo    string
	}{{10, "a/one"}, {10, "a/two"}, {20, "a/three"}} {
		assert.Nil(t, h.tag(t, 1, tc.channel, tc.repo), "%s must not be persisted", tc.repo)
	}

	h.store.bulkErr = nil
	_, err = newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)
	for _, repo := range []string{"a/one", "a/two"} {
		assert.NotNil(t, h.tag(t, 1, 10, repo))
	}
	assert.Equal(t, "v3", *h.tag(t, 1, 20, "a/three"))
}

func TestTickMentionIsPrepended(t *testing.T) {
	h := newHarness(t)
	item := singleRepoFeed("H", "a/b", nil)
	item.Mention = storage.RoleMention(77)
	h.seed(t, 1, item)
	h.releases.setLatest("a/b", released("a/b", "v1", ""))

	_, err := newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)

	posts := h.discord.sent()
	require.Len(t, posts, 1)
	assert.Equal(t, "<@&77>", posts[0].Params.Content)
}

func TestTickProcessesManyGuilds(t *testing.T) {
	h := newHarness(t)
	for id := int64(1); id <= 60; id++ {
		h.seed(t, id, singleRepoFeed(fmt.Sprintf("hook-%d", id), "a/b", nil))
	}
	h.releases.setLatest("a/b", released("a/b", "v1", ""))

	stats, err := newTestWorker(h).Tick(context.Background())
	require.NoError(t, err)

	assert.EqualValues(t, 60, stats.Guilds)
	assert.EqualValues(t, 60, stats.Published)
	assert.Len(t, h.discord.sent(), 60)
	for id := int64(1); id <= 60; id++ {
		assert.Equal(t, "v1", *h.tag(t, id, 10, "a/b"))
	}
}

func TestTickSkipsGuildsAfterCancellation(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", nil))
	h.releases.setLatest("a/b", released("a/b", "v1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestWorker(h).Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.discord.sent())
	assert.Nil(t, h.tag(t, 1, 10, "a/b"))
}

func TestTickSkipsCorruptGuild(t *testing.T) {
	h := newHarness(t)
	for id := int64(1); id <= 3; id++ {
		h.seed(t, id, singleRepoFeed(fmt.Sprintf("H%d", id), "a/b", nil))
	}
	h.corrupt(t, 1)
	h.releases.setLatest("a/b", released("a/b", "v1", ""))

	for range 2 {
		stats, err := newTestWorker(h).Tick(context.Background())
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.Guilds)
	}

	assert.Len(t, h.discord.sent(), 2, "each readable guild is published once")
	assert.Equal(t, "v1", *h.tag(t, 2, 10, "a/b"))
	assert.Equal(t, "v1", *h.tag(t, 3, 10, "a/b"))
}

func TestTickStopsAtBudget(t *testing.T) {
	h := newHarness(t)
	const guilds = 4
	for id := int64(1); id <= guilds; id++ {
		h.seed(t, id, singleRepoFeed(fmt.Sprintf("H%d", id), "a/b", nil))
	}
	h.releases.setLatest("a/b", released("a/b", "v1", ""))
	h.releases.delay = 80 * time.Millisecond

	w := NewWorker(h.core, nil, WorkerConfig{Interval: 150 * time.Millisecond, Concurrency: 1})
	w.runTick()

	stats := w.LastTick()
	require.NotNil(t, stats)
	assert.Contains(t, stats.Err, context.DeadlineExceeded.Error())
	assert.GreaterOrEqual(t, stats.Published, int64(1))
	assert.Less(t, stats.Published, int64(guilds), "guilds after the budget are skipped")

	// Guilds run in id order, so the committed ones form a prefix.
	for id := int64(1); id <= guilds; id++ {
		tag := h.tag(t, id, 10, "a/b")
		if id <= stats.Published {
			require.NotNil(t, tag, "guild %d started within the budget and must finish", id)
			assert.Equal(t, "v1", *tag)
		} else {
			assert.Nil(t, tag, "guild %d must be left untouched", id)
		}
	}
	assert.Len(t, h.discord.sent(), int(stats.Published))
}

func TestTickStateWithConcurrentGuilds(t *testing.T) {
	for _, tt := range []struct {
		concurrency int
		want        State
	}{
		{1, Persisting},
		{2, Ticking},
	} {
		t.Run(fmt.Sprint(tt.concurrency), func(t *testing.T) {
			h := newHarness(t)
			h.seed(t, 1, singleRepoFeed("H1", "a/b", nil))
			h.seed(t, 2, singleRepoFeed("H2", "a/b", nil))
			h.releases.setLatest("a/b", released("a/b", "v1", ""))

			w := NewWorker(h.core, nil, WorkerConfig{Interval: time.Minute, Concurrency: tt.concurrency})
			_, err := w.Tick(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, w.State())
		})
	}
}

func TestWorkerWaitsForReadiness(t *testing.T) {
	h := newHarness(t)
	h.seed(t, 1, singleRepoFeed("H", "a/b", nil))
	h.releases.setLatest("a/b", released("a/b", "v1", ""))

	ready := make(chan struct{})
	w := NewWorker(h.core, ready, WorkerConfig{Interval: time.Hour})
	w.Start()

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.discord.sent(), "no tick before the gateway is ready")
	assert.Equal(t, Sleeping, w.State())

	close(ready)
	require.Eventually(t, func() bool { return w.LastTick() != nil }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, h.discord.sent(), 1)

	w.Stop()
	assert.Equal(t, Stopped, w.State())
}

func TestWorkerStopsWithoutReadiness(t *testing.T) {
	h := newHarness(t)
	w := NewWorker(h.core, make(chan struct{}), WorkerConfig{})
	w.Start()

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Equal(t, Stopped, w.State())
}

func TestNewWorkerClampsConfig(t *testing.T) {
	h := newHarness(t)

	w := NewWorker(h.core, nil, WorkerConfig{Concurrency: 64})
	assert.Equal(t, MaxConcurrency, w.concurrency)
	assert.Equal(t, DefaultInterval, w.interval)

	w = NewWorker(h.core, nil, WorkerConfig{})
	assert.Equal(t, DefaultConcurrency, w.concurrency)
}
