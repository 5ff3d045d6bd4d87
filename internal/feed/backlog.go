package feed

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/statch/gitbot-sub000/internal/github"
	"github.com/statch/gitbot-sub000/internal/notifier"
	"github.com/statch/gitbot-sub000/internal/storage"
)

// BacklogSizes are the replay lengths users may ask for.
var BacklogSizes = []int{1, 5, 10}

const (
	defaultBacklogQueue   = 32
	defaultBacklogEvery   = time.Minute
	defaultBacklogBurst   = 2
	defaultBacklogTimeout = 2 * time.Minute
)

// BacklogRequest asks for the last Count releases of Repo to be replayed
// into the feed item bound to ChannelID.
type BacklogRequest struct {
	GuildID   int64
	ChannelID int64
	Repo      string
	Count     int
}

// BacklogConfig tunes queueing and per-guild throttling.
type BacklogConfig struct {
	QueueSize int
	Every     time.Duration // one request per guild per Every, after Burst
	Burst     int
	Timeout   time.Duration
}

// BacklogService replays recent releases on demand. It never changes stored
// tags and holds the guild lock while publishing so it cannot interleave
// with a tag commit of the same guild.
type BacklogService struct {
	core    *Core
	queue   chan BacklogRequest
	every   time.Duration
	burst   int
	timeout time.Duration
	log     zerolog.Logger

	mu        sync.Mutex
	limiters  map[int64]*rate.Limiter
	lastPrune time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBacklogService creates a backlog service; call Start to begin serving.
func NewBacklogService(core *Core, cfg BacklogConfig) *BacklogService {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultBacklogQueue
	}
	if cfg.Every <= 0 {
		cfg.Every = defaultBacklogEvery
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBacklogBurst
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultBacklogTimeout
	}

	return &BacklogService{
		core:     core,
		queue:    make(chan BacklogRequest, cfg.QueueSize),
		every:    cfg.Every,
		burst:    cfg.Burst,
		timeout:  cfg.Timeout,
		log:      core.Log.With().Str("component", "release_feed_backlog").Logger(),
		limiters: make(map[int64]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins serving queued requests.
func (b *BacklogService) Start() {
	b.wg.Add(1)
	go b.loop()
	b.log.Info().Msg("Backlog service started")
}

// Stop finishes the request in flight and drops the rest.
func (b *BacklogService) Stop() {
	b.log.Info().Msg("Stopping backlog service")
	b.cancel()
	b.wg.Wait()

	if n := len(b.queue); n > 0 {
		b.log.Warn().Int("dropped", n).Msg("Dropped queued backlog requests")
	}
}

func (b *BacklogService) loop() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case req := <-b.queue:
			ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), b.timeout)
			b.Process(ctx, req)
			cancel()
		}
	}
}

// Request validates and enqueues a backlog replay.
func (b *BacklogService) Request(ctx context.Context, req BacklogRequest) error {
	if !slices.Contains(BacklogSizes, req.Count) {
		return ErrInvalidBacklogSize
	}

	guild, err := b.core.Store.Guild(ctx, req.GuildID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	item, ok := guild.FeedItem(req.ChannelID)
	if !ok {
		return ErrNotFound
	}
	repo, ok := item.Repo(req.Repo)
	if !ok {
		return ErrNotFound
	}
	req.Repo = repo.Name

	if !b.limiter(req.GuildID).Allow() {
		return ErrThrottled
	}

	select {
	case b.queue <- req:
		b.log.Debug().Int64("guild_id", req.GuildID).Str("repo", req.Repo).Int("count", req.Count).Msg("Backlog request queued")
		return nil
	default:
		return ErrThrottled
	}
}

func (b *BacklogService) limiter(guildID int64) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if now.Sub(b.lastPrune) >= b.every {
		b.pruneLimiters(now)
	}

	l, ok := b.limiters[guildID]
	if !ok {
		l = rate.NewLimiter(rate.Every(b.every), b.burst)
		b.limiters[guildID] = l
	}
	return l
}

// pruneLimiters drops limiters that have refilled to full burst; a fresh
// limiter behaves the same. Must be called with b.mu held.
func (b *BacklogService) pruneLimiters(now time.Time) {
	for id, l := range b.limiters {
		if l.TokensAt(now) >= float64(b.burst) {
			delete(b.limiters, id)
		}
	}
	b.lastPrune = now
}

// Process replays one request: releases are fetched newest first and
// published oldest first, without mentions.
func (b *BacklogService) Process(ctx context.Context, req BacklogRequest) {
	log := b.log.With().Int64("guild_id", req.GuildID).Int64("channel_id", req.ChannelID).Str("repo", req.Repo).Logger()

	unlock, err := b.core.locks.Lock(ctx, req.GuildID)
	if err != nil {
		log.Warn().Err(err).Msg("Backlog request expired waiting for guild")
		return
	}
	defer unlock()

	guild, err := b.core.Store.Guild(ctx, req.GuildID)
	if err != nil {
		log.Debug().Err(err).Msg("Guild gone before backlog replay")
		return
	}
	item, ok := guild.FeedItem(req.ChannelID)
	if !ok {
		log.Debug().Msg("Feed item gone before backlog replay")
		return
	}
	if _, ok := item.Repo(req.Repo); !ok {
		log.Debug().Msg("Repository unsubscribed before backlog replay")
		return
	}

	res := b.core.Releases.ReleaseBacklog(ctx, req.Repo, req.Count)
	if res.Outcome != github.OK {
		log.Debug().Err(res.Err).Stringer("outcome", res.Outcome).Msg("Backlog query failed")
		return
	}

	dest := notifier.DestinationFor(guild, item).WithoutMention()
	published := 0
	for _, rel := range slices.Backward(res.Releases) {
		switch b.core.Publisher.Publish(ctx, dest, rel) {
		case notifier.Published:
			published++
		case notifier.WebhookGone:
			_ = b.core.deleteGuild(ctx, req.GuildID, "webhook gone")
			return
		case notifier.Transient:
			// Later releases are dropped to keep the replay in order.
			log.Warn().Str("tag", rel.Tag).Int("published", published).Msg("Backlog replay interrupted")
			return
		}
	}

	log.Info().Int("published", published).Int("requested", req.Count).Msg("Backlog replayed")
}
