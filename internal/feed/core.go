// Package feed mirrors GitHub releases into Discord channels: it reconciles
// stored tags against the latest releases, drives the periodic worker and
// the backlog service, and exposes subscription management.
package feed

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"mvdan.cc/xurls/v2"

	"github.com/statch/gitbot-sub000/internal/github"
	"github.com/statch/gitbot-sub000/internal/notifier"
	"github.com/statch/gitbot-sub000/internal/storage"
)

var (
	ErrAlreadyExists      = errors.New("repository already subscribed in this channel")
	ErrInvalidRepo        = errors.New("invalid or inaccessible repository")
	ErrMaxFeedsReached    = errors.New("feed limit reached")
	ErrNotFound           = errors.New("subscription not found")
	ErrThrottled          = errors.New("too many backlog requests")
	ErrInvalidBacklogSize = errors.New("backlog size must be 1, 5 or 10")
	ErrUnknownLocale      = errors.New("unknown locale")
)

// Store is the subscription store as used by the feed.
type Store interface {
	GuildsWithFeeds(ctx context.Context) iter.Seq2[storage.GuildConfig, error]
	Guild(ctx context.Context, guildID int64) (*storage.GuildConfig, error)
	UpsertFeedItem(ctx context.Context, guildID int64, item storage.FeedItem) error
	RemoveRepo(ctx context.Context, guildID, channelID int64, repo string) error
	BulkUpdateTags(ctx context.Context, guildID int64, updates []storage.TagUpdate) error
	DeleteGuild(ctx context.Context, guildID int64) error
	Update(ctx context.Context, guildID int64, create bool, fn func(*storage.GuildConfig) error) error
}

// Releases is the query layer as used by the feed.
type Releases interface {
	LatestRelease(ctx context.Context, repo string) github.LatestResult
	ReleaseBacklog(ctx context.Context, repo string, n int) github.BacklogResult
}

// Publisher posts messages to feed item webhooks.
type Publisher interface {
	Publish(ctx context.Context, dest notifier.Destination, rel github.Release) notifier.Result
	PublishMissingNotice(ctx context.Context, dest notifier.Destination, repo string) notifier.Result
}

// Core bundles the collaborators shared by the worker, the backlog service
// and the subscription service.
type Core struct {
	Store     Store
	Releases  Releases
	Publisher Publisher
	Log       zerolog.Logger

	locks *guildLocks
}

// NewCore wires the shared collaborators together.
func NewCore(store Store, releases Releases, publisher Publisher, log zerolog.Logger) *Core {
	return &Core{
		Store:     store,
		Releases:  releases,
		Publisher: publisher,
		Log:       log,
		locks:     newGuildLocks(),
	}
}

// deleteGuild drops a guild whose webhook was revoked.
func (c *Core) deleteGuild(ctx context.Context, guildID int64, reason string) error {
	if err := c.Store.DeleteGuild(ctx, guildID); err != nil {
		c.Log.Error().Err(err).Int64("guild_id", guildID).Msg("Failed to delete guild")
		return err
	}
	c.Log.Info().Int64("guild_id", guildID).Str("reason", reason).Msg("Guild removed from release feed")
	return nil
}

var (
	repoNameRe = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})/[A-Za-z0-9._-]{1,100}$`)
	repoURLRe  = xurls.Strict()
)

// ParseRepoRef extracts "owner/name" from a bare reference or from any
// github.com URL pointing into the repository.
func ParseRepoRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if repoNameRe.MatchString(ref) && !strings.HasSuffix(ref, "/.") && !strings.HasSuffix(ref, "/..") {
		return strings.TrimSuffix(ref, ".git"), nil
	}

	raw := repoURLRe.FindString(ref)
	if raw == "" {
		if strings.HasPrefix(ref, "github.com/") || strings.HasPrefix(ref, "www.github.com/") {
			raw = "https://" + ref
		} else {
			return "", fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if host != "github.com" {
		return "", fmt.Errorf("%w: not a GitHub URL", ErrInvalidRepo)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
	}
	name := parts[0] + "/" + strings.TrimSuffix(parts[1], ".git")
	if !repoNameRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRepo, ref)
	}
	return name, nil
}
