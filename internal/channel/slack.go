package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"adrelay/internal/domain"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel for Slack using Socket Mode.
type Slack struct {
	client *slack.Client
	bus    domain.MessageBus
	logger *slog.Logger

	mu     sync.RWMutex
	botUID string // the bot's own user ID, to avoid replying to self
	names  map[string]string
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	APIURL   string // optional, for tests
	Logger   *slog.Logger
}

// NewSlack creates a Slack channel. The Web API client is usable for Send
// immediately; Socket Mode starts in Start.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []slack.Option{slack.OptionAppLevelToken(cfg.AppToken)}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		client: slack.New(cfg.BotToken, opts...),
		logger: cfg.Logger,
		names:  make(map[string]string),
	}
}

func (s *Slack) Name() string { return "slack" }

// Connect verifies the bot token and records the bot's user ID.
func (s *Slack) Connect(ctx context.Context) error {
	authResp, err := s.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.mu.Lock()
	s.botUID = authResp.UserID
	s.mu.Unlock()
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)
	return nil
}

// Start connects via Socket Mode and blocks until ctx is done.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus
	if err := s.Connect(ctx); err != nil {
		return err
	}

	socketClient := socketmode.New(s.client)

	bus.OnOutbound("slack", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := s.Send(ctx, msg.ChatID, msg.Content); err != nil {
			s.logger.Error("slack reply failed", "channel", msg.ChatID, "err", err)
		}
	})

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(ctx, eventsAPIEvent)

			default:
				// Unacknowledged events make Socket Mode disconnect.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

func (s *Slack) Stop() error { return nil }

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		s.mu.RLock()
		self := s.botUID
		s.mu.RUnlock()
		if ev.User == "" || ev.User == self || ev.BotID != "" || ev.SubType != "" {
			return
		}
		s.publish(ctx, ev.Channel, ev.User, ev.Text)

	case *slackevents.AppMentionEvent:
		s.publish(ctx, ev.Channel, ev.User, stripMention(ev.Text))
	}
}

func (s *Slack) publish(ctx context.Context, channelID, userID, text string) {
	s.logger.Info("slack message received",
		"user", userID,
		"channel", channelID,
		"content_len", len(text),
	)
	publish(ctx, s.bus, s, domain.InboundMessage{
		Channel:    "slack",
		ChatID:     channelID,
		SenderID:   userID,
		SenderName: s.displayName(ctx, userID),
		Content:    strings.TrimSpace(text),
		Timestamp:  time.Now(),
	}, s.logger)
}

// displayName resolves and caches a user's real name. Failures fall back to
// an empty name.
func (s *Slack) displayName(ctx context.Context, userID string) string {
	s.mu.RLock()
	name, ok := s.names[userID]
	s.mu.RUnlock()
	if ok {
		return name
	}

	user, err := s.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		s.logger.Debug("slack user lookup failed", "user", userID, "err", err)
		return ""
	}
	name = user.RealName
	if name == "" {
		name = user.Name
	}
	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
	return name
}

// stripMention removes the leading <@U123> from an app mention.
func stripMention(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "<@") {
		if idx := strings.Index(text, ">"); idx >= 0 {
			return strings.TrimSpace(text[idx+1:])
		}
	}
	return text
}

// Send posts content to a Slack channel.
func (s *Slack) Send(ctx context.Context, channelID string, content string) error {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		_, _, err := s.client.PostMessageContext(ctx,
			channelID,
			slack.MsgOptionText(chunk, false),
			slack.MsgOptionAsUser(true),
		)
		if err != nil {
			return fmt.Errorf("slack send to %s: %w", channelID, err)
		}
	}
	return nil
}
