package domain

import "time"

type InboundMessage struct {
	Channel    string
	ChatID     string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | markdown
}
