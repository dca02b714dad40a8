// Package gateway runs the per-message pipeline: session gate, parse,
// role check, route, audit, reply.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"adrelay/internal/auth"
	"adrelay/internal/command"
	"adrelay/internal/domain"
	"adrelay/internal/session"
)

const (
	defaultConcurrency = 5
	auditWriteTimeout  = 5 * time.Second
)

// Rejection reasons reported to Metrics.
const (
	RejectUnauthenticated = "unauthenticated"
	RejectChat            = "chat"
	RejectParse           = "parse"
	RejectRole            = "role"
	RejectRateLimit       = "rate_limit"
)

// Authenticator is the chat-level session gate.
type Authenticator interface {
	Authenticate(userID, chatID string) session.AuthResult
}

// Router runs a parsed command.
type Router interface {
	Route(ctx context.Context, cmd domain.Command, actor domain.Actor) domain.DispatchResult
}

// LoginLinker builds the sign-in link offered to unauthenticated users.
type LoginLinker interface {
	LoginURL(userID, chatID string) (string, error)
}

// Metrics receives pipeline observations.
type Metrics interface {
	ObserveCommand(action string, status domain.AuditStatus, elapsed time.Duration)
	ObserveRejection(reason string)
}

// Config wires a Gateway.
type Config struct {
	Bus         domain.MessageBus
	Sessions    Authenticator
	Authorizer  *auth.Authorizer
	Router      Router
	Audit       domain.AuditRecorder
	Login       LoginLinker  // optional
	Metrics     Metrics      // optional
	Limiter     *UserLimiter // optional
	Trigger     string
	Concurrency int
	Logger      *slog.Logger
}

// Gateway consumes inbound messages from the bus and replies on it.
type Gateway struct {
	bus         domain.MessageBus
	sessions    Authenticator
	authorizer  *auth.Authorizer
	router      Router
	audit       domain.AuditRecorder
	login       LoginLinker
	metrics     Metrics
	limiter     *UserLimiter
	trigger     string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Trigger == "" {
		cfg.Trigger = command.DefaultTrigger
	}
	return &Gateway{
		bus:         cfg.Bus,
		sessions:    cfg.Sessions,
		authorizer:  cfg.Authorizer,
		router:      cfg.Router,
		audit:       cfg.Audit,
		login:       cfg.Login,
		metrics:     cfg.Metrics,
		limiter:     cfg.Limiter,
		trigger:     cfg.Trigger,
		concurrency: cfg.Concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is done
// or the bus closes. In-flight messages finish before Run returns.
func (g *Gateway) Run(ctx context.Context) {
	g.logger.Info("gateway started", "concurrency", g.concurrency)

	sem := make(chan struct{}, g.concurrency)
	inbound := g.bus.Subscribe()
	defer func() {
		for i := 0; i < cap(sem); i++ {
			sem <- struct{}{}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("gateway stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				g.logger.Info("inbound channel closed, gateway stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				g.processMessage(ctx, m)
			}(msg)
		}
	}
}

func (g *Gateway) processMessage(ctx context.Context, msg domain.InboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("panic while handling message", "channel", msg.Channel, "sender", msg.SenderID, "panic", p)
			g.reply(msg, "Sorry, I encountered an error processing your request. Please try again.")
		}
	}()

	g.reply(msg, g.Handle(ctx, msg))
}

func (g *Gateway) reply(msg domain.InboundMessage, content string) {
	if content == "" {
		return
	}
	g.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		Format:  "text",
	})
}

// Handle runs one message through the pipeline and returns the reply text.
func (g *Gateway) Handle(ctx context.Context, msg domain.InboundMessage) string {
	if !command.IsCommand(msg.Content, g.trigger) {
		return command.HelpText(g.trigger)
	}

	authResult := g.sessions.Authenticate(msg.SenderID, msg.ChatID)
	if !authResult.Authenticated {
		g.reject(RejectUnauthenticated, msg)
		return g.authenticationRequired(msg)
	}
	if !authResult.Authorized {
		g.reject(RejectChat, msg)
		return "You are not authorized to use commands in this chat."
	}

	cmd, err := command.Parse(msg.Content, g.trigger)
	if err != nil {
		g.reject(RejectParse, msg)
		var pe *command.ParseError
		if errors.As(err, &pe) {
			return "❌ " + pe.Message
		}
		return "❌ " + err.Error()
	}

	if !g.limiter.Allow(msg.SenderID) {
		g.reject(RejectRateLimit, msg)
		return "❌ Too many commands. Please wait a moment and try again."
	}

	role := auth.RoleOf(authResult.Session)
	if !g.authorizer.CanExecute(role, cmd.Action, msg.ChatID) {
		g.reject(RejectRole, msg)
		g.logger.Warn("command denied",
			"action", cmd.Action,
			"role", role,
			"sender", msg.SenderID,
			"chat_id", msg.ChatID,
		)
		return fmt.Sprintf("❌ You do not have permission to run %s%s in this chat.", cmd.Trigger, cmd.Action)
	}

	actor := domain.Actor{
		ID:     msg.SenderID,
		Name:   msg.SenderName,
		ChatID: msg.ChatID,
	}
	if authResult.Session != nil {
		actor.SessionID = authResult.Session.ID
		if actor.Name == "" {
			actor.Name = authResult.Session.Identity.DisplayName
		}
	}

	start := g.now()
	result := g.router.Route(ctx, cmd, actor)
	status := domain.StatusOf(result)
	if g.metrics != nil {
		g.metrics.ObserveCommand(string(cmd.Action), status, g.now().Sub(start))
	}

	g.record(ctx, domain.AuditRecord{
		Timestamp: g.now().UTC(),
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ChatID:    actor.ChatID,
		Command:   cmd.Raw,
		Status:    status,
		Details:   result.Message,
		SessionID: actor.SessionID,
	})

	if result.Success {
		return "✅ " + result.Message
	}
	return "❌ " + result.Message
}

func (g *Gateway) authenticationRequired(msg domain.InboundMessage) string {
	text := "Authentication required. Please authenticate with MFA to continue."
	if g.login == nil {
		return text
	}
	link, err := g.login.LoginURL(msg.SenderID, msg.ChatID)
	if err != nil {
		g.logger.Error("failed to build login link", "sender", msg.SenderID, "error", err)
		return text
	}
	return text + "\n" + link
}

// record never fails the command; the user already has an outcome. The write
// outlives ctx so a dispatch that ran during shutdown still leaves its row.
func (g *Gateway) record(ctx context.Context, rec domain.AuditRecord) {
	if g.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
	defer cancel()
	if err := g.audit.Record(ctx, rec); err != nil {
		g.logger.Error("failed to write audit record", "command", rec.Command, "sender", rec.ActorID, "error", err)
	}
}

func (g *Gateway) reject(reason string, msg domain.InboundMessage) {
	g.logger.Debug("message rejected", "reason", reason, "sender", msg.SenderID, "chat_id", msg.ChatID)
	if g.metrics != nil {
		g.metrics.ObserveRejection(reason)
	}
}
