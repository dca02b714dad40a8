package domain

import "errors"

var (
	// ErrBusClosed is returned by Publish once the bus is shutting down.
	ErrBusClosed = errors.New("message bus closed")
	// ErrBusFull is returned by Publish when the gateway did not take the
	// message within the publish timeout.
	ErrBusFull = errors.New("message bus full")
)

// MessageBus routes messages between channels and the command gateway.
// Publish reports a refused message so the channel can tell the sender.
type MessageBus interface {
	Publish(msg InboundMessage) error
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
