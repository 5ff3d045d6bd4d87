package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/statch/gitbot-sub000/internal/api"
	"github.com/statch/gitbot-sub000/internal/config"
	"github.com/statch/gitbot-sub000/internal/discord"
	"github.com/statch/gitbot-sub000/internal/feed"
	"github.com/statch/gitbot-sub000/internal/github"
	"github.com/statch/gitbot-sub000/internal/locale"
	"github.com/statch/gitbot-sub000/internal/notifier"
	"github.com/statch/gitbot-sub000/internal/storage"
	"github.com/statch/gitbot-sub000/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Fall back to a console logger so the error is visible
		_ = logger.Init(true, "")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := logger.Init(cfg.Debug(), cfg.Log.File); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	logger.Info().Str("namespace", cfg.Namespace()).Msg("Starting GitBot release feed")

	db, err := storage.NewDatabase(cfg.Database.Connection, logger.Component("storage"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	store := storage.NewSubscriptionStore(db, cfg.Namespace())

	ghClient, err := github.NewClient(cfg.GitHubTokens(), logger.Component("github"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize GitHub client")
	}

	catalog, err := locale.Load(cfg.Discord.DefaultLocale)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load locales")
	}

	bot, err := discord.NewBot(cfg.Discord.Token, logger.Component("discord"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Discord gateway")
	}
	bot.OnGuildRemoved(func(ctx context.Context, guildID int64) {
		if err := store.DeleteGuild(ctx, guildID); err != nil {
			logger.Error().Err(err).Int64("guild_id", guildID).Msg("Failed to delete guild after removal")
		}
	})

	publisher := notifier.NewPublisher(catalog, logger.Component("notifier"))
	core := feed.NewCore(store, ghClient, publisher, logger.Component("feed"))

	backlog := feed.NewBacklogService(core, feed.BacklogConfig{})
	service := feed.NewService(core, ghClient, bot, backlog, catalog, feed.ServiceConfig{})

	var (
		worker *feed.Worker
		status api.WorkerStatus
	)
	if cfg.Worker.Enabled {
		worker = feed.NewWorker(core, bot.Ready(), feed.WorkerConfig{
			Interval:    cfg.WorkerInterval(),
			Concurrency: cfg.WorkerConcurrency(),
		})
		status = worker
	} else {
		logger.Info().Msg("Release feed worker disabled")
	}

	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.NewServer(service, status, cfg.Server.APIToken, logger.Component("api")).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("address", cfg.Server.Address).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	if err := bot.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start Discord gateway")
	}
	backlog.Start()
	if worker != nil {
		worker.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// The worker finishes guilds in flight before the gateway goes away
	if worker != nil {
		worker.Stop()
	}
	backlog.Stop()
	bot.Stop()

	logger.Info().Msg("Shutdown complete")
}
