package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"adrelay/internal/domain"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Channel for Discord. Each command in the
// vocabulary is also registered as a slash command taking a target.
type Discord struct {
	guildID string
	trigger string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Trigger string
	Logger  *slog.Logger
}

// NewDiscord creates the REST session. The gateway websocket opens in Start;
// Send only needs REST.
func NewDiscord(cfg DiscordConfig) (*Discord, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Trigger == "" {
		cfg.Trigger = "!"
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	return &Discord{
		guildID: cfg.GuildID,
		trigger: cfg.Trigger,
		session: session,
		logger:  cfg.Logger,
	}, nil
}

func (d *Discord) Name() string { return "discord" }

// Start opens the gateway connection and blocks until ctx is done.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	bus.OnOutbound("discord", func(msg domain.OutboundMessage) {
		if msg.Content == "" {
			return
		}
		if err := d.Send(ctx, msg.ChatID, msg.Content); err != nil {
			d.logger.Error("discord reply failed", "channel", msg.ChatID, "err", err)
		}
	})

	d.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}

		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
		)

		publish(ctx, bus, d, domain.InboundMessage{
			Channel:    "discord",
			ChatID:     m.ChannelID,
			SenderID:   m.Author.ID,
			SenderName: m.Author.Username,
			Content:    m.Content,
			Timestamp:  time.Now(),
		}, d.logger)
	})

	d.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		user := i.User
		if i.Member != nil && i.Member.User != nil {
			user = i.Member.User
		}
		if user == nil {
			return
		}
		content := slashToCommand(d.trigger, i.ApplicationCommandData())

		// The reply arrives later as a normal channel message.
		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Processing " + content},
		}); err != nil {
			d.logger.Warn("discord interaction ack failed", "err", err)
		}

		publish(ctx, bus, d, domain.InboundMessage{
			Channel:    "discord",
			ChatID:     i.ChannelID,
			SenderID:   user.ID,
			SenderName: user.Username,
			Content:    content,
			Timestamp:  time.Now(),
		}, d.logger)
	})

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", d.session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return d.session.Close()
}

func (d *Discord) Stop() error { return nil }

// Send posts content to a Discord channel.
func (d *Discord) Send(ctx context.Context, channelID string, content string) error {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send to %s: %w", channelID, err)
		}
	}
	return nil
}

// slashCommands describes one slash command per action.
func slashCommands() []*discordgo.ApplicationCommand {
	cmds := make([]*discordgo.ApplicationCommand, 0, len(domain.Actions))
	for _, a := range domain.Actions {
		desc := "Username"
		switch a.TargetKind() {
		case domain.TargetEmail:
			desc = "Email address"
		case domain.TargetEndpoint:
			desc = "IP address or hostname"
		}
		cmds = append(cmds, &discordgo.ApplicationCommand{
			Name:        string(a),
			Description: strings.ReplaceAll(string(a), "-", " "),
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "target",
				Description: desc,
				Required:    true,
			}},
		})
	}
	return cmds
}

// slashToCommand turns /unlock-user target:jdoe into "!unlock-user jdoe".
func slashToCommand(trigger string, data discordgo.ApplicationCommandInteractionData) string {
	content := trigger + data.Name
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			content += " " + opt.StringValue()
		}
	}
	return content
}

func (d *Discord) registerSlashCommands() {
	appID := d.session.State.User.ID
	for _, cmd := range slashCommands() {
		if _, err := d.session.ApplicationCommandCreate(appID, d.guildID, cmd); err != nil {
			d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
		}
	}
}

// splitMessage splits a message into chunks that fit within maxLen,
// preferring newline boundaries.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
