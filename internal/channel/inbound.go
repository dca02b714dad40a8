package channel

import (
	"context"
	"errors"
	"log/slog"

	"adrelay/internal/domain"
)

const (
	busyReply         = "❌ The relay is busy right now. Please try again in a moment."
	shuttingDownReply = "❌ The relay is restarting. Please try again shortly."
)

type replier interface {
	Send(ctx context.Context, chatID string, content string) error
}

// refusalReply is the text sent to a user whose command the bus refused.
func refusalReply(err error) string {
	if errors.Is(err, domain.ErrBusClosed) {
		return shuttingDownReply
	}
	return busyReply
}

// publish hands msg to the bus. A refused command gets an immediate reply in
// the same chat, since the gateway will never see it.
func publish(ctx context.Context, bus domain.MessageBus, r replier, msg domain.InboundMessage, logger *slog.Logger) {
	err := bus.Publish(msg)
	if err == nil {
		return
	}
	logger.Warn("command refused by bus", "channel", msg.Channel, "chat_id", msg.ChatID, "sender", msg.SenderID, "err", err)
	if serr := r.Send(context.WithoutCancel(ctx), msg.ChatID, refusalReply(err)); serr != nil {
		logger.Error("refusal reply failed", "channel", msg.Channel, "chat_id", msg.ChatID, "err", serr)
	}
}
