package bridge

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

// buildChunks splits a reply into ordered message.send payloads.
func buildChunks(chatID, replyTo, text string, limit int) []wire.OutboundChunk {
	parts := SplitText(text, limit)
	chunks := make([]wire.OutboundChunk, 0, len(parts))
	for _, part := range parts {
		chunks = append(chunks, wire.OutboundChunk{
			MessageID:   "msg-" + uuid.NewString()[:8],
			ChatID:      chatID,
			Content:     part,
			ContentType: wire.ContentText,
			ReplyTo:     replyTo,
			Timestamp:   time.Now().UnixMilli(),
		})
	}
	return chunks
}

// ReplyDispatcher delivers one backend reply stream to a peer. The target
// connection is resolved once at dispatch start; if it closes mid-delivery
// the remaining chunks are dropped with a warning, never re-targeted at a
// newer connection. Chunks go out strictly in order: chunk n+1 is not
// written before chunk n's write returns.
type ReplyDispatcher struct {
	manager    *Manager
	conn       *Conn
	chatID     string
	replyTo    string
	chunkLimit int

	started bool
	sent    int
}

// NewReplyDispatcher resolves the connection for chatID and prepares a
// dispatcher for one reply. A nil manager (webhook mode) or an absent
// connection is tolerated: deliveries become logged drops.
func NewReplyDispatcher(m *Manager, chatID, replyTo string, chunkLimit int) *ReplyDispatcher {
	d := &ReplyDispatcher{
		manager:    m,
		chatID:     chatID,
		replyTo:    replyTo,
		chunkLimit: chunkLimit,
	}
	if m != nil {
		d.conn = m.registry.Get(chatID)
	}
	return d
}

// Deliver sends one reply text to the peer, split into chunks. An empty
// or whitespace-only text is a no-op: no chunk goes out and no thinking
// signal flips. Chunk send failures are logged; delivery of later chunks
// continues unless the connection itself is gone.
func (d *ReplyDispatcher) Deliver(text string) error {
	if isBlank(text) {
		slog.Debug("empty reply text, skipping delivery", "chat_id", d.chatID)
		return nil
	}

	d.signalThinkingStart()

	if d.conn == nil {
		slog.Warn("client not connected, dropping reply", "chat_id", d.chatID)
		return nil
	}

	for _, chunk := range buildChunks(d.chatID, d.replyTo, text, d.chunkLimit) {
		if !d.conn.Open() {
			slog.Warn("connection closed mid-delivery, dropping remaining chunks", "chat_id", d.chatID)
			return nil
		}
		ev, err := wire.NewEvent(wire.TypeMessageSend, chunk)
		if err != nil {
			slog.Warn("chunk encode failed", "chat_id", d.chatID, "error", err)
			continue
		}
		if err := d.conn.WriteEvent(ev); err != nil {
			slog.Warn("chunk send failed", "chat_id", d.chatID, "message_id", chunk.MessageID, "error", err)
			continue
		}
		d.sent++
	}
	slog.Debug("reply delivered", "chat_id", d.chatID, "chunks", d.sent)
	return nil
}

// Sent returns the number of chunks written so far.
func (d *ReplyDispatcher) Sent() int { return d.sent }

// Finish emits thinking.end iff thinking.start was emitted. Called on
// dispatch exit regardless of success or failure.
func (d *ReplyDispatcher) Finish() {
	if !d.started {
		return
	}
	d.started = false
	d.signalThinking(wire.TypeThinkingEnd)
}

func (d *ReplyDispatcher) signalThinkingStart() {
	if d.started {
		return
	}
	d.started = true
	d.signalThinking(wire.TypeThinkingStart)
}

func (d *ReplyDispatcher) signalThinking(typ string) {
	if d.conn == nil || !d.conn.Open() {
		return
	}
	ev, err := wire.NewEvent(typ, wire.Thinking{
		ChatID:    d.chatID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := d.conn.WriteEvent(ev); err != nil {
		slog.Debug("thinking signal send failed", "chat_id", d.chatID, "type", typ, "error", err)
	}
}
