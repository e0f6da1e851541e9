// Package wire defines the JSON frame protocol spoken between the bridge
// server and its peer clients. Every logical event is one frame: a tagged
// union of {type, data}. Both internal/bridge (server side) and
// internal/client (peer side) speak this protocol.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame type constants. The auth pair is exchanged once per connection
// before any other frame; everything else may flow in either direction
// as documented per type.
const (
	TypeAuth        = "auth"         // client→server: {token, client_id?}
	TypeAuthSuccess = "auth_success" // server→client: {client_id}
	TypeError       = "error"        // server→client: protocol-level rejection

	TypeConnectionOpen  = "connection.open"  // server→client, post-handshake confirmation
	TypeConnectionClose = "connection.close" // either direction, advisory
	TypeMessageReceive  = "message.receive"  // client→server: InboundMessage
	TypeMessageSend     = "message.send"     // server→client: OutboundChunk
	TypeTyping          = "typing"           // client→server, advisory
	TypeThinkingStart   = "thinking.start"   // server→client
	TypeThinkingUpdate  = "thinking.update"  // server→client
	TypeThinkingEnd     = "thinking.end"     // server→client
)

// Chat type values for InboundMessage.ChatType.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Content type values for InboundMessage.MessageType.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentVoice = "voice"
	ContentAudio = "audio"
	ContentFile  = "file"
)

// Event is the only structure that crosses the transport boundary.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with the payload marshalled into Data.
func NewEvent(typ string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: typ}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("wire: marshal %s payload: %w", typ, err)
	}
	return Event{Type: typ, Data: data}, nil
}

// Encode serializes a frame for the wire.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal frame: %w", err)
	}
	return data, nil
}

// Decode parses a raw frame. A frame without a type is malformed; callers
// log and drop such frames rather than propagating the error.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("wire: parse frame: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("wire: frame missing type")
	}
	return ev, nil
}

// Payload unmarshals the event data into v.
func (e Event) Payload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("wire: %s frame has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("wire: parse %s payload: %w", e.Type, err)
	}
	return nil
}

// AuthRequest is the first frame a peer sends after the socket opens.
// ClientID is included iff a previously issued id was cached locally,
// which is how identity survives reconnects.
type AuthRequest struct {
	Token    string `json:"token"`
	ClientID string `json:"client_id,omitempty"`
}

// AuthSuccess acknowledges the handshake and issues (or echoes) the
// stable client id the peer must cache and replay.
type AuthSuccess struct {
	ClientID string `json:"client_id"`
}

// ErrorPayload carries a protocol-level rejection to the peer.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ConnectionOpen confirms registration to a freshly connected peer.
type ConnectionOpen struct {
	ChatID    string `json:"chatId"`
	Timestamp int64  `json:"timestamp"`
}

// InboundMessage is the payload of a message.receive frame.
// Timestamps are Unix milliseconds.
type InboundMessage struct {
	MessageID   string `json:"messageId"`
	ChatID      string `json:"chatId"`
	ChatType    string `json:"chatType"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName,omitempty"`
	MessageType string `json:"messageType"`
	Content     string `json:"content"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	ParentID    string `json:"parentId,omitempty"`
}

// OutboundChunk is the payload of a message.send frame. One reply may fan
// out into an ordered sequence of chunks; wire order equals emission order.
type OutboundChunk struct {
	MessageID   string `json:"messageId"`
	ChatID      string `json:"chatId"`
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	ReplyTo     string `json:"replyTo,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// Thinking is the payload of the thinking.* progress frames.
type Thinking struct {
	ChatID    string `json:"chatId"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
