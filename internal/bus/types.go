package bus

import "context"

// InboundMessage is the canonical shape of a message received from a peer,
// produced by the bridge normalizer. Immutable once published.
type InboundMessage struct {
	Channel     string `json:"channel"`
	MessageID   string `json:"message_id"`
	ChatID      string `json:"chat_id"`
	ChatType    string `json:"chat_type"` // "direct" or "group"
	SenderID    string `json:"sender_id"`
	SenderName  string `json:"sender_name,omitempty"`
	ContentType string `json:"content_type"` // "text", "image", "voice", "audio", "file"
	Content     string `json:"content"`
	MediaURL    string `json:"media_url,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Timestamp   int64  `json:"timestamp"` // Unix milliseconds
	ParentID    string `json:"parent_id,omitempty"`
}

// OutboundMessage represents a message to be delivered to a peer client.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MessageRouter abstracts inbound/outbound message routing between the
// connection layer and the processing pipeline.
type MessageRouter interface {
	PublishInbound(msg InboundMessage) bool
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage) bool
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
