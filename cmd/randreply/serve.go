package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"randreply/internal/bus"
	"randreply/internal/channel"
	"randreply/internal/config"
	"randreply/internal/domain"
	"randreply/internal/engine"
	"randreply/internal/host"
	"randreply/internal/metrics"
	"randreply/internal/responder"
	"randreply/internal/store"
	"randreply/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the enabled channels with the random-reply engine",
		Long:  "Starts every enabled channel, the request pipeline and the random-reply engine. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	cfgPath := resolveConfigPath()
	cfgStore, fromFile, err := openStore(cfg, cfgPath)
	if err != nil {
		return err
	}

	events := bus.NewEventBus(logger)
	queue := bus.New(cfg.Pipeline.QueueSize, logger)
	defer queue.Close()

	registry := channel.NewRegistry(logger)
	registerChannels(registry, cfg)
	if len(registry.Names()) == 0 {
		return errors.New("no channels enabled; enable one under \"channels\" in the config")
	}

	resilient := transport.New(registry.Factory,
		time.Duration(cfg.Pipeline.SendWindowSeconds)*time.Second,
		time.Duration(cfg.Pipeline.SendMonitorSeconds)*time.Second,
		logger)

	eng := engine.New(engine.Options{
		Config:         cfgStore,
		Dispatcher:     queue,
		Resilient:      resilient,
		Events:         events,
		RequestTimeout: time.Duration(cfg.Pipeline.RequestTimeoutSeconds) * time.Second,
		Logger:         logger,
	})
	defer eng.Close()

	resp, err := buildResponder(cfg)
	if err != nil {
		return err
	}

	pipe := host.NewPipeline(host.PipelineConfig{
		Config:           cfgStore,
		Queue:            queue,
		Responder:        resp,
		Transports:       registry,
		Events:           events,
		Logger:           logger,
		Concurrency:      cfg.Pipeline.Concurrency,
		ResponderTimeout: time.Duration(cfg.Pipeline.ResponderTimeoutSeconds) * time.Second,
	})
	pipe.Register(eng)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Audit.Enabled {
		decisions, err := store.Open(cfg.Audit.DBPath, logger)
		if err != nil {
			return fmt.Errorf("decision log: %w", err)
		}
		defer decisions.Close()
		rec := store.NewRecorder(decisions, time.Duration(cfg.Audit.RetentionDays)*24*time.Hour, logger)
		rec.Subscribe(events)
		g.Go(func() error { return rec.Run(gctx) })
	}

	if fromFile {
		watcher, err := config.NewWatcher(cfgStore, logger, cfgPath, cfg.Trigger.ExternalKeywordsPath)
		if err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		} else {
			watcher.Start(gctx)
			defer watcher.Stop()
		}
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics) })
	}

	g.Go(func() error {
		pipe.Run(gctx)
		return nil
	})
	g.Go(func() error {
		// Channels ending on their own (e.g. /quit in the CLI) stop everything.
		defer cancel()
		return registry.Start(gctx, func(ctx context.Context, msg domain.IncomingMessage) {
			pipe.HandleIncoming(ctx, msg)
		})
	})

	logger.Info("randreply started", "channels", registry.Names(), "probability", cfg.Trigger.Probability, "version", version)

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}
}

// openStore returns a reloadable store when the config file exists and a
// static one built from cfg otherwise.
func openStore(cfg *config.Config, cfgPath string) (*config.Store, bool, error) {
	if _, err := os.Stat(cfgPath); err != nil {
		return config.NewStaticStore(cfg, logger), false, nil
	}
	st, err := config.NewStore(config.FileLoader(cfgPath), logger)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func registerChannels(reg *channel.Registry, cfg *config.Config) {
	ch := cfg.Channels
	if ch.Telegram.Enabled && ch.Telegram.Token != "" {
		reg.Register(channel.NewTelegram(channel.TelegramConfig{
			Token:     ch.Telegram.Token,
			AllowFrom: ch.Telegram.AllowFrom,
			Logger:    logger,
		}))
	}
	if ch.Discord.Enabled && ch.Discord.Token != "" {
		reg.Register(channel.NewDiscord(channel.DiscordConfig{
			Token:   ch.Discord.Token,
			GuildID: ch.Discord.GuildID,
			Logger:  logger,
		}))
	}
	if ch.Slack.Enabled && ch.Slack.BotToken != "" && ch.Slack.AppToken != "" {
		reg.Register(channel.NewSlack(channel.SlackConfig{
			BotToken: ch.Slack.BotToken,
			AppToken: ch.Slack.AppToken,
			Logger:   logger,
		}))
	}
	if ch.WebSocket.Enabled {
		reg.Register(channel.NewWebSocketChannel(channel.WSConfig{
			Host:   ch.WebSocket.Host,
			Port:   ch.WebSocket.Port,
			Path:   ch.WebSocket.Path,
			Logger: logger,
		}))
	}
	if ch.Webhook.Enabled {
		reg.Register(channel.NewWebhook(channel.WebhookConfig{
			Host:        ch.Webhook.Host,
			Port:        ch.Webhook.Port,
			Path:        ch.Webhook.Path,
			Secret:      ch.Webhook.Secret,
			CallbackURL: ch.Webhook.CallbackURL,
			Logger:      logger,
		}))
	}
	if ch.CLI.Enabled {
		if stdinIsTerminal() {
			reg.Register(channel.NewCLI(channel.CLIConfig{Logger: logger}))
		} else {
			logger.Warn("cli channel enabled but stdin is not a terminal, skipping")
		}
	}
}

func stdinIsTerminal() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func buildResponder(cfg *config.Config) (host.Responder, error) {
	if cfg.Pipeline.ResponderURL == "" {
		logger.Info("no responder URL configured, using echo responder")
		return responder.Echo{}, nil
	}
	h, err := responder.NewHTTP(responder.HTTPConfig{
		URL:     cfg.Pipeline.ResponderURL,
		Timeout: time.Duration(cfg.Pipeline.ResponderTimeoutSeconds) * time.Second,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func serveMetrics(ctx context.Context, mc config.MetricsConfig) error {
	mux := http.NewServeMux()
	mux.Handle(mc.Endpoint, metrics.Collector.Handler())
	srv := &http.Server{
		Addr:              mc.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", mc.Listen, "path", mc.Endpoint)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}
