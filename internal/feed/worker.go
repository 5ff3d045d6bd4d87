package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/statch/gitbot-sub000/internal/notifier"
	"github.com/statch/gitbot-sub000/internal/storage"
)

const (
	DefaultInterval     = 15 * time.Minute
	DefaultConcurrency  = 4
	MaxConcurrency      = 8
	defaultGuildTimeout = 5 * time.Minute
	tickBudget          = 0.9
)

// State is the worker's current phase.
type State int32

const (
	Sleeping State = iota
	Ticking
	Publishing
	Persisting
	Stopped
)

func (s State) String() string {
	switch s {
	case Sleeping:
		return "sleeping"
	case Ticking:
		return "ticking"
	case Publishing:
		return "publishing"
	case Persisting:
		return "persisting"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerConfig tunes the worker loop.
type WorkerConfig struct {
	Interval     time.Duration
	Concurrency  int
	GuildTimeout time.Duration
}

// Worker periodically reconciles every guild's subscriptions with GitHub.
type Worker struct {
	core         *Core
	ready        <-chan struct{}
	interval     time.Duration
	concurrency  int
	guildTimeout time.Duration
	log          zerolog.Logger

	state    atomic.Int32
	lastTick atomic.Pointer[TickStats]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// TickStats summarises one tick.
type TickStats struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Guilds    int64         `json:"guilds"`
	Repos     int64         `json:"repos"`
	Published int64         `json:"published"`
	Missing   int64         `json:"missing"`
	Removed   int64         `json:"guilds_removed"`
	Err       string        `json:"error,omitempty"`
}

type tickCounters struct {
	guilds, repos, published, missing, removed atomic.Int64
}

// NewWorker creates a worker that starts ticking once ready is closed.
func NewWorker(core *Core, ready <-chan struct{}, cfg WorkerConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	cfg.Concurrency = min(cfg.Concurrency, MaxConcurrency)
	if cfg.GuildTimeout <= 0 {
		cfg.GuildTimeout = defaultGuildTimeout
	}

	w := &Worker{
		core:         core,
		ready:        ready,
		interval:     cfg.Interval,
		concurrency:  cfg.Concurrency,
		guildTimeout: cfg.GuildTimeout,
		log:          core.Log.With().Str("component", "release_feed_worker").Logger(),
		ctx:          ctx,
		cancel:       cancel,
	}
	w.state.Store(int32(Sleeping))
	return w
}

// Start begins the worker loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
	w.log.Info().Dur("interval", w.interval).Int("concurrency", w.concurrency).Msg("Release feed worker started")
}

// Stop aborts the sleep, lets guilds in flight finish and waits for the loop to exit.
func (w *Worker) Stop() {
	w.log.Info().Msg("Stopping release feed worker")
	w.cancel()
	w.wg.Wait()
}

// State reports the current phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// LastTick returns the statistics of the most recent tick, if any.
func (w *Worker) LastTick() *TickStats {
	return w.lastTick.Load()
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// setGuildState records a per-guild phase. With several guilds in flight no
// single phase describes the worker, so it stays Ticking.
func (w *Worker) setGuildState(s State) {
	if w.concurrency == 1 {
		w.setState(s)
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	defer w.setState(Stopped)

	select {
	case <-w.ctx.Done():
		return
	case <-w.ready:
	}
	w.log.Debug().Msg("Gateway ready, running first tick")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runTick()
		w.setState(Sleeping)

		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) runTick() {
	budget := time.Duration(float64(w.interval) * tickBudget)
	ctx, cancel := context.WithTimeout(w.ctx, budget)
	defer cancel()

	stats, err := w.Tick(ctx)
	switch {
	case err == nil:
		w.log.Info().
			Int64("guilds", stats.Guilds).
			Int64("repos", stats.Repos).
			Int64("published", stats.Published).
			Dur("took", stats.Duration).
			Msg("Release feed tick finished")
	case errors.Is(err, context.DeadlineExceeded) && w.ctx.Err() == nil:
		w.log.Warn().Dur("budget", budget).Int64("guilds", stats.Guilds).Msg("Release feed tick overran its budget, resuming next tick")
	case w.ctx.Err() != nil:
		w.log.Info().Int64("guilds", stats.Guilds).Msg("Release feed tick interrupted by shutdown")
	default:
		w.log.Error().Err(err).Int64("guilds", stats.Guilds).Msg("Release feed tick abandoned")
	}
}

// Tick runs one iteration over every guild with feeds. Guilds already being
// processed when ctx is done run to completion; later guilds are skipped.
// A store failure abandons the tick without touching the guilds not yet reached.
func (w *Worker) Tick(ctx context.Context) (*TickStats, error) {
	w.setState(Ticking)
	stats := &TickStats{Started: time.Now()}
	var counters tickCounters

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)

	var iterErr error
	for guild, err := range w.core.Store.GuildsWithFeeds(gctx) {
		if err != nil {
			iterErr = err
			break
		}
		if gctx.Err() != nil {
			break
		}

		guildID := guild.ID
		g.Go(func() error {
			return w.processGuild(gctx, guildID, &counters)
		})
	}

	err := errors.Join(g.Wait(), iterErr)
	if err == nil {
		err = ctx.Err()
	}

	stats.Duration = time.Since(stats.Started)
	stats.Guilds = counters.guilds.Load()
	stats.Repos = counters.repos.Load()
	stats.Published = counters.published.Load()
	stats.Missing = counters.missing.Load()
	stats.Removed = counters.removed.Load()
	if err != nil {
		stats.Err = err.Error()
	}
	w.lastTick.Store(stats)
	return stats, err
}

func (w *Worker) processGuild(ctx context.Context, guildID int64, counters *tickCounters) error {
	if ctx.Err() != nil {
		return nil
	}

	unlock, err := w.core.locks.Lock(ctx, guildID)
	if err != nil {
		return nil
	}
	defer unlock()

	// Once started, a guild is finished even if the tick is cancelled.
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.guildTimeout)
	defer cancel()

	guild, err := w.core.Store.Guild(gctx, guildID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load guild %d: %w", guildID, err)
	}

	counters.guilds.Add(1)
	return w.syncGuild(gctx, guild, counters)
}

// syncGuild checks every repository of one guild and commits the resulting
// tag changes in a single write.
func (w *Worker) syncGuild(ctx context.Context, guild *storage.GuildConfig, counters *tickCounters) error {
	log := w.log.With().Int64("guild_id", guild.ID).Logger()
	var updates []storage.TagUpdate

	for i := range guild.Feed {
		item := &guild.Feed[i]
		dest := notifier.DestinationFor(guild, item)

		for _, repo := range item.Repos {
			counters.repos.Add(1)

			transition := Diff(repo.Tag, w.core.Releases.LatestRelease(ctx, repo.Name))
			switch transition.Kind {
			case NewRelease:
				w.setGuildState(Publishing)
				switch w.core.Publisher.Publish(ctx, dest, *transition.Release) {
				case notifier.Published:
					counters.published.Add(1)
					updates = append(updates, storage.TagUpdate{
						ChannelID: item.ChannelID,
						Repo:      repo.Name,
						Tag:       transition.Release.Tag,
					})
				case notifier.WebhookGone:
					counters.removed.Add(1)
					return w.core.deleteGuild(ctx, guild.ID, "webhook gone")
				case notifier.Transient:
					log.Debug().Str("repo", repo.Name).Msg("Publish failed, retrying next tick")
				}

			case RepoMissing:
				w.setGuildState(Publishing)
				switch w.core.Publisher.PublishMissingNotice(ctx, dest, repo.Name) {
				case notifier.WebhookGone:
					counters.removed.Add(1)
					return w.core.deleteGuild(ctx, guild.ID, "webhook gone")
				case notifier.Transient:
					log.Debug().Str("repo", repo.Name).Msg("Missing notice failed, retrying next tick")
					continue
				}
				counters.missing.Add(1)

				err := w.core.Store.RemoveRepo(ctx, guild.ID, item.ChannelID, repo.Name)
				if err != nil && !errors.Is(err, storage.ErrNotFound) {
					log.Error().Err(err).Str("repo", repo.Name).Msg("Failed to remove missing repository")
					continue
				}
				log.Info().Str("repo", repo.Name).Int64("channel_id", item.ChannelID).Msg("Removed missing repository")
			}
		}
	}

	if len(updates) == 0 {
		return nil
	}

	w.setGuildState(Persisting)
	if err := w.core.Store.BulkUpdateTags(ctx, guild.ID, updates); err != nil {
		return fmt.Errorf("failed to commit tags of guild %d: %w", guild.ID, err)
	}
	return nil
}
