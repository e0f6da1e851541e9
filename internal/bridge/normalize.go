package bridge

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/omnibridge/internal/bus"
	"github.com/nextlevelbuilder/omnibridge/internal/config"
	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

// Normalize converts a raw inbound wire message into the canonical bus
// shape. It is a pure mapping with permissive defaults: missing optional
// fields stay empty, unknown chat and content types fall back to direct
// text, and missing ids and timestamps are filled in.
func Normalize(msg wire.InboundMessage) bus.InboundMessage {
	chatType := msg.ChatType
	if chatType != wire.ChatGroup {
		chatType = wire.ChatDirect
	}

	contentType := msg.MessageType
	switch contentType {
	case wire.ContentText, wire.ContentImage, wire.ContentVoice, wire.ContentAudio, wire.ContentFile:
	default:
		contentType = wire.ContentText
	}

	messageID := msg.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	ts := msg.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	chatID := msg.ChatID
	if chatID == "" {
		chatID = msg.SenderID
	}

	return bus.InboundMessage{
		Channel:     ChannelName,
		MessageID:   messageID,
		ChatID:      chatID,
		ChatType:    chatType,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		ContentType: contentType,
		Content:     msg.Content,
		MediaURL:    msg.MediaURL,
		MimeType:    msg.MimeType,
		Timestamp:   ts,
		ParentID:    msg.ParentID,
	}
}

// PairingApprover decides whether an unknown direct sender is paired and
// kicks off pairing when not. Implemented by an external collaborator.
type PairingApprover interface {
	IsPaired(senderID string) bool
	RequestPairing(senderID, chatID string) error
}

// AllowDM evaluates the DM policy for a direct message. Group chats
// bypass this check entirely. A rejected sender receives silence: the
// message is dropped with a log line, no reply, no error frame.
func AllowDM(cfg config.BridgeConfig, pairing PairingApprover, senderID, chatID string) bool {
	switch cfg.DMPolicy {
	case config.DMPolicyAllowlist:
		for _, allowed := range cfg.AllowFrom {
			if senderID == allowed {
				return true
			}
		}
		slog.Info("dm rejected by allowlist", "sender_id", senderID, "chat_id", chatID)
		return false
	case config.DMPolicyPairing:
		if pairing == nil {
			slog.Warn("dm_policy pairing with no pairing service, rejecting", "sender_id", senderID)
			return false
		}
		if pairing.IsPaired(senderID) {
			return true
		}
		if err := pairing.RequestPairing(senderID, chatID); err != nil {
			slog.Warn("pairing request failed", "sender_id", senderID, "error", err)
		}
		return false
	default: // open
		return true
	}
}
