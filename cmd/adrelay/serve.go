package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"adrelay/internal/audit"
	"adrelay/internal/auth"
	"adrelay/internal/bus"
	"adrelay/internal/channel"
	"adrelay/internal/command"
	"adrelay/internal/config"
	"adrelay/internal/directory"
	"adrelay/internal/dispatch"
	"adrelay/internal/domain"
	"adrelay/internal/gateway"
	"adrelay/internal/housekeeping"
	"adrelay/internal/httpapi"
	"adrelay/internal/metrics"
	"adrelay/internal/session"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"gateway"},
		Short:   "Run the relay (channels, gateway, HTTP surface, housekeeping)",
		Long:    "Starts every enabled channel, the command gateway, the HTTP surface and the housekeeping jobs. Press Ctrl+C to stop.",
		RunE:    runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if cfg.Chats.ITChatID == "" && cfg.Chats.HRChatID == "" {
		logger.Warn("no department chats configured; every command will be refused")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := audit.Open(cfg.Audit.DBPath, logger)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer store.Close()

	m := metrics.New()

	sessions := session.New(session.Config{
		Timeout:  cfg.Auth.SessionTimeout(),
		ITChatID: cfg.Chats.ITChatID,
		HRChatID: cfg.Chats.HRChatID,
		Logger:   logger,
	})
	m.TrackSessions(sessions.Count)

	handshake, err := auth.NewHandshake(auth.HandshakeConfig{
		TenantID:     cfg.Auth.TenantID,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURL:  cfg.Auth.RedirectURL,
		StateSecret:  cfg.Auth.StateSecret,
		GraphBaseURL: cfg.Auth.GraphBaseURL,
		Sessions:     sessions,
		SessionLog:   store,
		Logger:       logger,
	})
	switch {
	case errors.Is(err, auth.ErrHandshakeNotReady):
		logger.Warn("sign-in not configured; users cannot authenticate")
		handshake = nil
	case err != nil:
		return fmt.Errorf("sign-in: %w", err)
	}

	dir, err := buildDirectory(cfg)
	if err != nil {
		return err
	}

	channels, webhook, err := buildChannels(cfg)
	if err != nil {
		return err
	}

	strategy, err := buildStrategy(ctx, cfg, channels, store)
	if err != nil {
		return err
	}
	logger.Info("dispatch strategy selected", "strategy", strategy.Name())

	router := command.NewRouter(command.RouterConfig{
		Directory: dir,
		Strategy:  strategy,
		LookupLog: store,
		Logger:    logger,
	})

	messageBus := bus.New(bus.Config{BufferSize: 100, Logger: logger})
	m.TrackBusRefusals(messageBus.Refused)
	limiter := gateway.NewUserLimiter(cfg.General.CommandBurst, float64(cfg.General.CommandsPerMinute))

	gwCfg := gateway.Config{
		Bus:         messageBus,
		Sessions:    sessions,
		Authorizer:  auth.NewAuthorizer(cfg.Chats.ITChatID, cfg.Chats.HRChatID),
		Router:      router,
		Audit:       store,
		Metrics:     m,
		Limiter:     limiter,
		Trigger:     cfg.General.Trigger,
		Concurrency: cfg.General.MaxConcurrentMessages,
		Logger:      logger,
	}
	if handshake != nil {
		gwCfg.Login = handshake
	}
	gw := gateway.New(gwCfg)

	sched := housekeeping.New(housekeeping.Config{Observer: m, Logger: logger})
	if err := sched.Every(housekeeping.JobSessionSweep, cfg.Auth.SweepInterval(),
		housekeeping.SessionSweep(sessions, logger)); err != nil {
		return err
	}
	if err := sched.Add(housekeeping.JobAuditRetention, cfg.Audit.RetentionSchedule,
		housekeeping.AuditRetention(store, cfg.Audit.RetentionDays, nil)); err != nil {
		return err
	}
	if limiter != nil {
		if err := sched.Every(housekeeping.JobLimiterPrune, 10*time.Minute, housekeeping.LimiterPrune(limiter)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		gw.Run(gctx)
		return nil
	})
	g.Go(func() error { return sched.Run(gctx) })

	for _, ch := range channels {
		g.Go(func() error {
			if err := ch.Start(gctx, messageBus); err != nil {
				return fmt.Errorf("%s channel: %w", ch.Name(), err)
			}
			return nil
		})
	}

	if cfg.HTTP.Enabled {
		apiCfg := httpapi.Config{
			Addr:     fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
			Audit:    store,
			APIKey:   cfg.HTTP.APIKey,
			Observer: m,
			Logger:   logger,
		}
		if handshake != nil {
			apiCfg.SignIn = handshake
		}
		if webhook != nil {
			apiCfg.WebhookPath = cfg.Channels.Webhook.Path
			apiCfg.WebhookHandler = webhook.Handler()
		}
		if cfg.Metrics.Enabled {
			apiCfg.MetricsPath = cfg.Metrics.Endpoint
			apiCfg.MetricsHandler = m.Handler()
		}
		api := httpapi.New(apiCfg)
		g.Go(func() error { return api.Run(gctx) })
	} else if webhook != nil {
		logger.Warn("webhook channel enabled but the HTTP surface is disabled; no messages will arrive")
	}

	logger.Info("adrelay started", "config", cfgPath, "version", version)

	<-gctx.Done()
	logger.Info("shutting down")

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		for _, ch := range channels {
			ch.Stop()
		}
		messageBus.Close()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("stopped with error", "err", err)
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func buildDirectory(cfg *config.Config) (domain.Directory, error) {
	switch cfg.Directory.Provider {
	case "file":
		f, err := directory.LoadFile(cfg.Directory.FilePath, cfg.Directory.Domains)
		if err != nil {
			return nil, fmt.Errorf("directory file: %w", err)
		}
		logger.Info("directory loaded from file", "path", cfg.Directory.FilePath, "users", f.Len())
		return f, nil
	default:
		g, err := directory.NewGraph(directory.GraphConfig{
			TenantID:     cfg.Auth.TenantID,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			BaseURL:      cfg.Auth.GraphBaseURL,
			Domains:      cfg.Directory.Domains,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("directory graph: %w", err)
		}
		return g, nil
	}
}

// buildChannels creates every enabled channel. The webhook, when enabled, is
// also returned on its own so its handler can be mounted.
func buildChannels(cfg *config.Config) ([]domain.Channel, *channel.Webhook, error) {
	var (
		out     []domain.Channel
		webhook *channel.Webhook
	)
	c := cfg.Channels

	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			return nil, nil, fmt.Errorf("channels.telegram.token is required")
		}
		out = append(out, channel.NewTelegram(channel.TelegramConfig{
			Token:     c.Telegram.Token,
			ParseMode: c.Telegram.ParseMode,
			Logger:    logger,
		}))
	}
	if c.Slack.Enabled {
		if c.Slack.BotToken == "" || c.Slack.AppToken == "" {
			return nil, nil, fmt.Errorf("channels.slack.botToken and appToken are required")
		}
		out = append(out, channel.NewSlack(channel.SlackConfig{
			BotToken: c.Slack.BotToken,
			AppToken: c.Slack.AppToken,
			Logger:   logger,
		}))
	}
	if c.Discord.Enabled {
		if c.Discord.Token == "" {
			return nil, nil, fmt.Errorf("channels.discord.token is required")
		}
		d, err := channel.NewDiscord(channel.DiscordConfig{
			Token:   c.Discord.Token,
			GuildID: c.Discord.GuildID,
			Trigger: cfg.General.Trigger,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		out = append(out, d)
	}
	if c.Webhook.Enabled {
		webhook = channel.NewWebhook(channel.WebhookConfig{
			Secret:   c.Webhook.Secret,
			ReplyURL: c.Webhook.ReplyURL,
			Logger:   logger,
		})
		out = append(out, webhook)
	}

	if len(out) == 0 {
		logger.Warn("no channels enabled")
	}
	return out, webhook, nil
}

type connector interface {
	Connect(ctx context.Context) error
}

func buildStrategy(ctx context.Context, cfg *config.Config, channels []domain.Channel, store *audit.Store) (dispatch.Strategy, error) {
	switch cfg.Dispatch.Strategy {
	case dispatch.StrategyDirect:
		d := cfg.Dispatch.Direct
		executor := dispatch.NewExecutorClient(dispatch.ExecutorConfig{
			BaseURL: d.BaseURL,
			APIKey:  d.APIKey,
			Timeout: time.Duration(d.TimeoutSeconds) * time.Second,
			Logger:  logger,
		})
		if err := executor.Health(ctx); err != nil {
			logger.Warn("execution API unhealthy at startup", "base_url", d.BaseURL, "err", err)
		}
		return dispatch.NewDirect(dispatch.DirectConfig{
			Executor:      executor,
			DefaultDomain: cfg.Directory.DefaultDomain,
			ExecutionLog:  store,
			Logger:        logger,
		}), nil

	case dispatch.StrategyRelay:
		name := cfg.Dispatch.Relay.Channel
		var sender domain.Channel
		for _, ch := range channels {
			if ch.Name() == name {
				sender = ch
				break
			}
		}
		if sender == nil {
			return nil, fmt.Errorf("dispatch.relay.channel %q is not an enabled channel", name)
		}
		if c, ok := sender.(connector); ok {
			if err := c.Connect(ctx); err != nil {
				return nil, fmt.Errorf("relay channel %s: %w", name, err)
			}
		}
		return dispatch.NewRelay(dispatch.RelayConfig{
			Sender:   sender,
			ITChatID: cfg.Chats.ITChatID,
			HRChatID: cfg.Chats.HRChatID,
			Logger:   logger,
		}), nil

	default:
		return nil, dispatch.ValidateName(cfg.Dispatch.Strategy)
	}
}
