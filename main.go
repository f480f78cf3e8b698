package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gptbot/internal/bot"
	"gptbot/internal/chat"
	"gptbot/internal/config"
	"gptbot/internal/filter"
	"gptbot/internal/openai"
	"gptbot/internal/repository"
	"gptbot/internal/server"
	"gptbot/internal/trainer"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err) // Should not happen in development
	}
	defer func() {
		_ = logger.Sync() // Flushes buffer, if any
	}()

	// Load configuration
	cfgPath := "configs/config.yml"
	if p := os.Getenv("GPTBOT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	blacklist, err := filter.LoadBlacklist(cfg.BlacklistFile)
	if err != nil {
		logger.Fatal("Failed to load blacklist", zap.Error(err))
	}

	// Remote generation/training service client
	apiClient := openai.NewClient(cfg.GPT.APIBase, cfg.GPT.APIKey)

	// Twitch chat client
	twitchClient := chat.NewTwitchClient(cfg.Twitch.Username, cfg.Twitch.OAuth, logger)

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	checkInterval := time.Duration(cfg.Trainer.CheckIntervalSeconds) * time.Second
	pollInterval := time.Duration(cfg.Trainer.PollIntervalSeconds) * time.Second

	// One store, handler and retraining coordinator per channel
	channels := make(map[string]*server.Channel, len(cfg.Twitch.Channels))
	for name, channelCfg := range cfg.Twitch.Channels {
		name = strings.ToLower(name)

		dbPath := filepath.Join(cfg.DataDir, name+".db")
		db, err := repository.NewChannelDB(dbPath, repository.DefaultBusyTimeoutMS, logger)
		if err != nil {
			logger.Fatal("Failed to open channel database", zap.String("channel", name), zap.Error(err))
		}
		defer db.Close()

		if err := repository.MigrateDB(db, cfg.MigrationsDir, logger); err != nil {
			logger.Fatal("Failed to migrate channel database", zap.String("channel", name), zap.Error(err))
		}

		corpusRepo := repository.NewCorpusRepository(db, logger)
		modelRepo := repository.NewModelRepository(db, logger)
		settingsRepo := repository.NewSettingsRepository(db, logger)

		handler := bot.NewHandler(name, cfg.Twitch.Username, channelCfg, cfg.Twitch.Admins,
			corpusRepo, modelRepo, settingsRepo, apiClient, twitchClient, blacklist, logger)

		coordinator := trainer.NewCoordinator(name, trainer.WrapClient(apiClient),
			corpusRepo, modelRepo, channelCfg.Model, handler.Threshold,
			checkInterval, pollInterval, logger)

		twitchClient.Register(name, handler)

		go coordinator.Run(ctx)
		go handler.Run(ctx, coordinator.Promotions())

		channels[name] = &server.Channel{
			Corpus:      corpusRepo,
			Models:      modelRepo,
			Handler:     handler,
			Coordinator: coordinator,
		}
	}

	// Status API
	srv := server.NewServer(channels, logger)
	go srv.Run(cfg.Server.Port)

	// Chat connection
	go func() {
		if err := twitchClient.Run(ctx); err != nil {
			logger.Error("Twitch chat connection failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("Application stopped.")
}
