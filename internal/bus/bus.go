// Package bus provides bounded-channel message routing between the
// connection layer and the processing pipeline. Bounded buffers give
// backpressure instead of unbounded callback fan-out.
package bus

import (
	"context"
	"log/slog"
)

const defaultBufferSize = 256

// MessageBus routes inbound and outbound messages over bounded channels.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// New creates a message bus with the default buffer size.
func New() *MessageBus {
	return NewWithSize(defaultBufferSize)
}

// NewWithSize creates a message bus with an explicit buffer size.
func NewWithSize(size int) *MessageBus {
	if size < 1 {
		size = 1
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// PublishInbound enqueues a message from a connection. Returns false when
// the buffer is full; the message is dropped with a warning rather than
// blocking the connection read loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) bool {
	select {
	case b.inbound <- msg:
		return true
	default:
		slog.Warn("inbound bus full, dropping message",
			"chat_id", msg.ChatID, "sender_id", msg.SenderID)
		return false
	}
}

// ConsumeInbound blocks until a message is available or the context is
// cancelled. Returns false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues a message for delivery to a peer client.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	select {
	case b.outbound <- msg:
		return true
	default:
		slog.Warn("outbound bus full, dropping message", "chat_id", msg.ChatID)
		return false
	}
}

// SubscribeOutbound blocks until an outbound message is available or the
// context is cancelled. Returns false on cancellation.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}
