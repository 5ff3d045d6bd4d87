// Package discord provides the Discord gateway connection of the bot: the
// readiness signal the release feed waits for and webhook provisioning.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const webhookName = "GitBot Release Feed"

type webhookCreator interface {
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
}

// GuildRemovedFunc is called when the bot is removed from a guild.
type GuildRemovedFunc func(ctx context.Context, guildID int64)

// Bot represents the Discord gateway session.
type Bot struct {
	session  *discordgo.Session
	webhooks webhookCreator
	log      zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu             sync.RWMutex
	onGuildRemoved GuildRemovedFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBot creates a gateway session for the given bot token.
func NewBot(token string, log zerolog.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds

	b := newBot(session, log)
	session.AddHandler(b.handleReady)
	session.AddHandler(b.handleGuildDelete)
	return b, nil
}

func newBot(session *discordgo.Session, log zerolog.Logger) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		session: session,
		log:     log,
		ready:   make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if session != nil {
		b.webhooks = session
	}
	return b
}

// OnGuildRemoved registers fn to run when the bot leaves or is kicked from a guild.
func (b *Bot) OnGuildRemoved(fn GuildRemovedFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onGuildRemoved = fn
}

// Start opens the gateway connection.
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}
	b.log.Info().Msg("Discord gateway connecting")
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() {
	b.log.Info().Msg("Stopping Discord gateway")
	b.cancel()
	if err := b.session.Close(); err != nil {
		b.log.Error().Err(err).Msg("Failed to close gateway")
	}
}

// Ready is closed once the gateway has sent its first READY event.
func (b *Bot) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	b.readyOnce.Do(func() {
		event := b.log.Info().Int("guilds", len(r.Guilds))
		if r.User != nil {
			event = event.Str("username", r.User.Username)
		}
		event.Msg("Discord gateway ready")
		close(b.ready)
	})
}

func (b *Bot) handleGuildDelete(_ *discordgo.Session, g *discordgo.GuildDelete) {
	// Outages are reported as unavailable guilds and must not drop data.
	if g.Guild == nil || g.Unavailable {
		return
	}

	id, err := strconv.ParseInt(g.ID, 10, 64)
	if err != nil {
		b.log.Warn().Str("guild_id", g.ID).Msg("Ignoring guild delete with invalid id")
		return
	}

	b.mu.RLock()
	fn := b.onGuildRemoved
	b.mu.RUnlock()
	if fn == nil {
		return
	}

	b.log.Info().Int64("guild_id", id).Msg("Removed from guild")
	fn(b.ctx, id)
}

// CreateWebhook creates a webhook in channelID and returns its "id/token"
// path suffix.
func (b *Bot) CreateWebhook(ctx context.Context, channelID int64) (string, error) {
	if b.webhooks == nil {
		return "", errors.New("gateway not initialised")
	}

	hook, err := b.webhooks.WebhookCreate(strconv.FormatInt(channelID, 10), webhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to create webhook in channel %d: %w", channelID, err)
	}
	if hook.ID == "" || hook.Token == "" {
		return "", fmt.Errorf("webhook in channel %d returned without token", channelID)
	}
	return hook.ID + "/" + hook.Token, nil
}
