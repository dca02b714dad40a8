package domain

import "context"

// Channel is the interface for a messaging platform adapter (Telegram, Slack, Discord, webhook).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}

// Sender posts text into a chat. The relay dispatch strategy uses it to hand
// commands to the automation listener watching a department channel.
type Sender interface {
	Send(ctx context.Context, chatID string, content string) error
}
