// Package notifier posts release notifications to Discord channel webhooks.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/statch/gitbot-sub000/internal/github"
	"github.com/statch/gitbot-sub000/internal/locale"
	"github.com/statch/gitbot-sub000/internal/storage"
)

const (
	// DefaultWebhookBaseURL is prefixed to the stored hook suffix at call time.
	DefaultWebhookBaseURL = "https://discord.com/api/webhooks/"

	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	maxRetryAfter     = time.Minute
	maxErrorBody      = 512
)

// Result classifies the outcome of a webhook post.
type Result int

const (
	Published Result = iota
	WebhookGone
	Transient
)

func (r Result) String() string {
	switch r {
	case Published:
		return "published"
	case WebhookGone:
		return "webhook_gone"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// HTTPClient is the subset of *http.Client the publisher needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Destination is where and how a message is posted.
type Destination struct {
	GuildID   int64
	ChannelID int64
	Hook      string
	Mention   storage.Mention
	Locale    string
}

// DestinationFor builds the destination of a feed item in a guild.
func DestinationFor(guild *storage.GuildConfig, item *storage.FeedItem) Destination {
	return Destination{
		GuildID:   guild.ID,
		ChannelID: item.ChannelID,
		Hook:      item.Hook,
		Mention:   item.Mention,
		Locale:    guild.Locale,
	}
}

// WithoutMention returns a copy of d that pings nobody.
func (d Destination) WithoutMention() Destination {
	d.Mention = storage.Mention{}
	return d
}

// Publisher renders releases and posts them to webhooks.
type Publisher struct {
	client    HTTPClient
	baseURL   string
	catalog   *locale.Catalog
	username  string
	avatarURL string
	log       zerolog.Logger

	timeout    time.Duration
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient replaces the HTTP client used for webhook posts.
func WithHTTPClient(c HTTPClient) Option {
	return func(p *Publisher) { p.client = c }
}

// WithBaseURL replaces the webhook base URL.
func WithBaseURL(u string) Option {
	return func(p *Publisher) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		p.baseURL = u
	}
}

// WithIdentity sets the username and avatar shown on posted messages.
func WithIdentity(username, avatarURL string) Option {
	return func(p *Publisher) {
		p.username = username
		p.avatarURL = avatarURL
	}
}

// NewPublisher creates a publisher localising messages through catalog.
func NewPublisher(catalog *locale.Catalog, log zerolog.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		client:     &http.Client{},
		baseURL:    DefaultWebhookBaseURL,
		catalog:    catalog,
		username:   "GitBot",
		log:        log,
		timeout:    defaultTimeout,
		maxRetries: defaultMaxRetries,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish posts a release notification. When the destination carries a
// mention it is sent as message content ahead of the embed.
func (p *Publisher) Publish(ctx context.Context, dest Destination, rel github.Release) Result {
	l := p.catalog.For(dest.Locale)
	params := p.params(releaseEmbed(l, rel))

	if dest.Mention.IsSet() {
		params.Content = dest.Mention.String()
		params.AllowedMentions = allowedMentions(dest.Mention)
	}

	res := p.post(ctx, dest, params)
	p.log.Debug().
		Int64("guild_id", dest.GuildID).
		Int64("channel_id", dest.ChannelID).
		Str("repo", rel.Repo).
		Str("tag", rel.Tag).
		Stringer("result", res).
		Msg("Release published")
	return res
}

// PublishMissingNotice tells the channel that repo no longer resolves.
func (p *Publisher) PublishMissingNotice(ctx context.Context, dest Destination, repo string) Result {
	l := p.catalog.For(dest.Locale)
	return p.post(ctx, dest, p.params(missingEmbed(l, repo)))
}

func (p *Publisher) params(embed *discordgo.MessageEmbed) *discordgo.WebhookParams {
	return &discordgo.WebhookParams{
		Username:        p.username,
		AvatarURL:       p.avatarURL,
		Embeds:          []*discordgo.MessageEmbed{embed},
		AllowedMentions: &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}},
	}
}

func allowedMentions(m storage.Mention) *discordgo.MessageAllowedMentions {
	switch m.Kind {
	case storage.MentionEveryone, storage.MentionHere:
		return &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone},
		}
	case storage.MentionRole:
		return &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{},
			Roles: []string{strconv.FormatInt(m.RoleID, 10)},
		}
	default:
		return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
	}
}

// post sends params, retrying rate limits. The webhook URL is never logged.
func (p *Publisher) post(ctx context.Context, dest Destination, params *discordgo.WebhookParams) Result {
	body, err := json.Marshal(params)
	if err != nil {
		p.log.Error().Err(err).Int64("channel_id", dest.ChannelID).Msg("Failed to encode webhook payload")
		return Transient
	}

	log := p.log.With().Int64("guild_id", dest.GuildID).Int64("channel_id", dest.ChannelID).Logger()

	for attempt := 0; ; attempt++ {
		status, retryAfter, err := p.send(ctx, dest.Hook, body)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("Webhook request failed")
			return Transient
		case status >= 200 && status < 300:
			return Published
		case status == http.StatusNotFound, status == http.StatusGone,
			status == http.StatusForbidden, status == http.StatusUnauthorized:
			log.Info().Int("status", status).Msg("Webhook is gone")
			return WebhookGone
		case status == http.StatusTooManyRequests:
			if attempt >= p.maxRetries || retryAfter > maxRetryAfter {
				log.Warn().Int("attempt", attempt+1).Dur("retry_after", retryAfter).Msg("Webhook rate limited")
				return Transient
			}
			if err := p.sleep(ctx, retryAfter); err != nil {
				return Transient
			}
		case status >= 500:
			log.Warn().Int("status", status).Msg("Webhook server error")
			return Transient
		default:
			log.Error().Int("status", status).Msg("Webhook rejected payload")
			return Transient
		}
	}
}

func (p *Publisher) send(ctx context.Context, hook string, body []byte) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+hook, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create request: %w", redact(err, hook))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, redact(err, hook)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = github.ParseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return resp.StatusCode, retryAfter, nil
}

// redact strips the hook suffix from transport errors, which embed the URL.
func redact(err error, hook string) error {
	if hook == "" || !strings.Contains(err.Error(), hook) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), hook, "<hook>"))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
