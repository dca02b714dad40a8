package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"adrelay/internal/auth"
	"adrelay/internal/domain"
)

// ErrNoRelayChannel means no chat is configured for the resolved department.
var ErrNoRelayChannel = errors.New("no relay channel configured")

// RelayConfig configures the Relay strategy.
type RelayConfig struct {
	Sender   domain.Sender
	ITChatID string
	HRChatID string
	Logger   *slog.Logger
}

// Relay posts the canonical command text into the department chat watched
// by the automation listener. Success means the platform accepted the
// message, not that the listener acted on it.
type Relay struct {
	sender   domain.Sender
	itChatID string
	hrChatID string
	logger   *slog.Logger
}

func NewRelay(cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sender:   cfg.Sender,
		itChatID: cfg.ITChatID,
		hrChatID: cfg.HRChatID,
		logger:   logger,
	}
}

func (r *Relay) Name() string { return StrategyRelay }

// ChannelFor maps a department to its relay chat. HR departments go to the
// HR chat; everything else, unmapped departments included, goes to IT.
func (r *Relay) ChannelFor(department string) (chatID, label string, err error) {
	if auth.IsHRDepartment(department) {
		chatID, label = r.hrChatID, "HR"
	} else {
		chatID, label = r.itChatID, "IT"
	}
	if chatID == "" {
		return "", label, fmt.Errorf("%w for %s department", ErrNoRelayChannel, label)
	}
	return chatID, label, nil
}

func (r *Relay) Execute(ctx context.Context, cmd domain.Command, department string) (domain.DispatchResult, error) {
	chatID, label, err := r.ChannelFor(department)
	if err != nil {
		return domain.DispatchResult{}, err
	}
	if r.sender == nil {
		return domain.DispatchResult{}, fmt.Errorf("relay: no sender configured")
	}

	text := cmd.Canonical()
	if err := r.sender.Send(ctx, chatID, text); err != nil {
		return domain.DispatchResult{}, fmt.Errorf("relay to %s channel: %w", label, err)
	}

	r.logger.Info("command relayed", "command", text, "department", label, "chat_id", chatID)
	return domain.DispatchResult{
		Success: true,
		Message: fmt.Sprintf("sent to the %s automation channel", label),
	}, nil
}
