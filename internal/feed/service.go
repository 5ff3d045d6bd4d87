package feed

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/statch/gitbot-sub000/internal/github"
	"github.com/statch/gitbot-sub000/internal/storage"
)

const (
	DefaultMaxReposPerFeed = 10
	DefaultMaxFeeds        = 5
)

// RepoValidator resolves a repository name to its canonical form.
type RepoValidator interface {
	GetRepository(ctx context.Context, fullName string) (*github.RepoInfo, error)
}

// WebhookProvisioner creates a channel webhook and returns its "id/token" suffix.
type WebhookProvisioner interface {
	CreateWebhook(ctx context.Context, channelID int64) (string, error)
}

// Locales reports which guild locales are available.
type Locales interface {
	Has(lang string) bool
}

// Service implements subscription management for the command layer.
type Service struct {
	core     *Core
	repos    RepoValidator
	hooks    WebhookProvisioner
	backlog  *BacklogService
	locales  Locales
	maxRepos int
	maxFeeds int
}

// ServiceConfig holds the subscription limits.
type ServiceConfig struct {
	MaxReposPerFeed int
	MaxFeeds        int
}

// NewService creates the subscription service.
func NewService(core *Core, repos RepoValidator, hooks WebhookProvisioner, backlog *BacklogService, locales Locales, cfg ServiceConfig) *Service {
	if cfg.MaxReposPerFeed <= 0 {
		cfg.MaxReposPerFeed = DefaultMaxReposPerFeed
	}
	if cfg.MaxFeeds <= 0 {
		cfg.MaxFeeds = DefaultMaxFeeds
	}
	return &Service{
		core:     core,
		repos:    repos,
		hooks:    hooks,
		backlog:  backlog,
		locales:  locales,
		maxRepos: cfg.MaxReposPerFeed,
		maxFeeds: cfg.MaxFeeds,
	}
}

// AddSubscription subscribes channelID to the repository named by ref and
// returns its canonical name. The current latest tag is stored as the
// baseline so an existing release is not announced. A nil mention keeps the
// feed item's current mention.
func (s *Service) AddSubscription(ctx context.Context, guildID, channelID int64, ref string, mention *storage.Mention) (string, error) {
	name, err := ParseRepoRef(ref)
	if err != nil {
		return "", err
	}

	info, err := s.repos.GetRepository(ctx, name)
	if errors.Is(err, github.ErrRepositoryNotFound) {
		return "", fmt.Errorf("%w: %s", ErrInvalidRepo, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to validate repository: %w", err)
	}
	if info.FullName != "" {
		name = info.FullName
	}

	var baseline *string
	if res := s.core.Releases.LatestRelease(ctx, name); res.Outcome == github.OK && res.Release != nil {
		tag := res.Release.Tag
		baseline = &tag
	}

	unlock, err := s.core.locks.Lock(ctx, guildID)
	if err != nil {
		return "", err
	}
	defer unlock()

	guild, err := s.core.Store.Guild(ctx, guildID)
	if errors.Is(err, storage.ErrNotFound) {
		guild = &storage.GuildConfig{ID: guildID}
	} else if err != nil {
		return "", err
	}

	var item storage.FeedItem
	if existing, ok := guild.FeedItem(channelID); ok {
		if _, ok := existing.Repo(name); ok {
			return "", ErrAlreadyExists
		}
		if len(existing.Repos) >= s.maxRepos {
			return "", fmt.Errorf("%w: at most %d repositories per channel", ErrMaxFeedsReached, s.maxRepos)
		}
		item = *existing
		item.Repos = append(slices.Clone(existing.Repos), storage.RepoSubscription{Name: name, Tag: baseline})
	} else {
		if len(guild.Feed) >= s.maxFeeds {
			return "", fmt.Errorf("%w: at most %d feed channels per guild", ErrMaxFeedsReached, s.maxFeeds)
		}
		hook, err := s.hooks.CreateWebhook(ctx, channelID)
		if err != nil {
			return "", fmt.Errorf("failed to create webhook: %w", err)
		}
		item = storage.FeedItem{
			ChannelID: channelID,
			Hook:      hook,
			Repos:     []storage.RepoSubscription{{Name: name, Tag: baseline}},
		}
	}
	if mention != nil {
		item.Mention = *mention
	}

	if err := s.core.Store.UpsertFeedItem(ctx, guildID, item); err != nil {
		return "", err
	}

	s.core.Log.Info().Int64("guild_id", guildID).Int64("channel_id", channelID).Str("repo", name).Msg("Repository subscribed")
	return name, nil
}

// RemoveSubscription unsubscribes channelID from a repository.
func (s *Service) RemoveSubscription(ctx context.Context, guildID, channelID int64, ref string) error {
	name, err := ParseRepoRef(ref)
	if err != nil {
		return ErrNotFound
	}

	unlock, err := s.core.locks.Lock(ctx, guildID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.core.Store.RemoveRepo(ctx, guildID, channelID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	s.core.Log.Info().Int64("guild_id", guildID).Int64("channel_id", channelID).Str("repo", name).Msg("Repository unsubscribed")
	return nil
}

// ListSubscriptions returns the feed items of a guild; none is not an error.
func (s *Service) ListSubscriptions(ctx context.Context, guildID int64) ([]storage.FeedItem, error) {
	guild, err := s.core.Store.Guild(ctx, guildID)
	if errors.Is(err, storage.ErrNotFound) {
		return []storage.FeedItem{}, nil
	}
	if err != nil {
		return nil, err
	}
	return guild.Feed, nil
}

// RequestBacklog queues a replay of the last n releases of a subscribed repository.
func (s *Service) RequestBacklog(ctx context.Context, guildID, channelID int64, ref string, n int) error {
	name, err := ParseRepoRef(ref)
	if err != nil {
		return ErrNotFound
	}
	return s.backlog.Request(ctx, BacklogRequest{GuildID: guildID, ChannelID: channelID, Repo: name, Count: n})
}

// SetLocale sets the language of a guild's notifications. The guild must
// already have a feed.
func (s *Service) SetLocale(ctx context.Context, guildID int64, lang string) error {
	if lang != "" && !s.locales.Has(lang) {
		return fmt.Errorf("%w: %s", ErrUnknownLocale, lang)
	}

	unlock, err := s.core.locks.Lock(ctx, guildID)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.core.Store.Update(ctx, guildID, false, func(g *storage.GuildConfig) error {
		g.Locale = lang
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
