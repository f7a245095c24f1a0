package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/parley/internal/channels"
	"github.com/nextlevelbuilder/parley/internal/channels/discord"
	"github.com/nextlevelbuilder/parley/internal/channels/telegram"
	"github.com/nextlevelbuilder/parley/internal/config"
	parleyhttp "github.com/nextlevelbuilder/parley/internal/http"
	"github.com/nextlevelbuilder/parley/internal/reminders"
	"github.com/nextlevelbuilder/parley/internal/router"
	"github.com/nextlevelbuilder/parley/internal/store"
	"github.com/nextlevelbuilder/parley/internal/telemetry"
)

func runGateway() {
	cfgPath := resolveConfigPath()

	watcher := config.NewWatcher(cfgPath)
	defer watcher.Close()

	cfg, _ := watcher.Snapshot()
	setupLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var transcripts router.Store
	if cfg.Store.SQLitePath != "" {
		db, err := store.Open(cfg.Store.SQLitePath)
		if err != nil {
			slog.Error("transcript store open failed", "path", cfg.Store.SQLitePath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		transcripts = db
	}

	r := router.New(watcher, transcripts)

	var adapters []channels.Channel
	if cfg.Channels.Discord.Enabled {
		if cfg.Channels.Discord.Token == "" {
			slog.Error("discord enabled but PARLEY_DISCORD_TOKEN is not set")
			os.Exit(1)
		}
		ch, err := discord.New(cfg.Channels.Discord, r)
		if err != nil {
			slog.Error("discord adapter init failed", "error", err)
			os.Exit(1)
		}
		adapters = append(adapters, ch)
		r.RegisterSender(ch.Name(), ch.Sender())
		r.RegisterFetcher(ch.Name(), ch)
	}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			slog.Error("telegram enabled but PARLEY_TELEGRAM_TOKEN is not set")
			os.Exit(1)
		}
		ch, err := telegram.New(cfg.Channels.Telegram, r)
		if err != nil {
			slog.Error("telegram adapter init failed", "error", err)
			os.Exit(1)
		}
		adapters = append(adapters, ch)
		r.RegisterSender(ch.Name(), ch.Sender())
		r.RegisterFetcher(ch.Name(), ch)
	}
	if len(adapters) == 0 && !cfg.HTTP.Enabled {
		slog.Error("no channel adapters enabled; set PARLEY_DISCORD_TOKEN, PARLEY_TELEGRAM_TOKEN or enable http")
		os.Exit(1)
	}

	for _, ch := range adapters {
		if err := ch.Start(ctx); err != nil {
			slog.Error("adapter start failed", "adapter", ch.Name(), "error", err)
			os.Exit(1)
		}
	}

	if cfg.HTTP.Enabled {
		web := parleyhttp.NewServer(cfg.HTTP, r, r.Memory())
		r.RegisterSender("web", web.Sender())
		go func() {
			if err := web.Start(ctx); err != nil {
				slog.Error("web room server failed", "error", err)
				stop()
			}
		}()
	}

	r.StartLoops(ctx)

	if len(cfg.Reminders) > 0 {
		reminders.New(watcher, r).Start(ctx)
	}

	slog.Info("parley gateway running",
		"version", Version,
		"discord", cfg.Channels.Discord.Enabled,
		"telegram", cfg.Channels.Telegram.Enabled,
		"web", cfg.HTTP.Enabled)

	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ch := range adapters {
		if err := ch.Stop(stopCtx); err != nil {
			slog.Warn("adapter stop failed", "adapter", ch.Name(), "error", err)
		}
	}
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
