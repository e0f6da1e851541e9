// Package bridge implements the bidirectional messaging bridge: it
// terminates peer WebSocket connections (with a webhook fallback),
// normalizes inbound events, enriches group messages with recent history,
// hands them to a session-aware backend, and delivers replies back to the
// originating client with chunking and thinking progress signals.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/omnibridge/internal/bus"
	"github.com/nextlevelbuilder/omnibridge/internal/config"
	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

// Route identifies the backend session a message belongs to.
type Route struct {
	SessionKey string
	AccountID  string
	AgentID    string
}

// RouteResolver maps a chat or peer identity to its backend route.
// Implemented by an external collaborator.
type RouteResolver interface {
	Resolve(channel, chatType, peerID string) (Route, error)
}

// DeliverFunc receives rendered reply text zero or more times during a
// backend dispatch.
type DeliverFunc func(text string) error

// DispatchRequest is the normalized context handed to the backend.
type DispatchRequest struct {
	Route      Route
	Body       string // history-enriched body presented to the backend
	RawBody    string // original message content
	ChatID     string
	ChatType   string
	SenderID   string
	SenderName string
	MessageID  string
	Timestamp  time.Time
}

// DispatchResult summarizes one backend dispatch.
type DispatchResult struct {
	QueuedFinal bool
	Replies     int
}

// Dispatcher performs the backend reasoning for one message and invokes
// deliver zero or more times with reply text. Implemented by an external
// collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest, deliver DeliverFunc) (DispatchResult, error)
}

// ProbeResult reports bridge endpoint status.
type ProbeResult struct {
	OK    bool   `json:"ok"`
	Mode  string `json:"mode,omitempty"`
	Port  int    `json:"port,omitempty"`
	Error string `json:"error,omitempty"`
}

// Bridge wires the connection manager, normalizer, history buffer, and
// reply dispatcher into one channel. Message handling is driven by a
// single consumer loop, so the append-history → dispatch → clear-history
// sequence is serialized per chat.
type Bridge struct {
	cfg      config.BridgeConfig
	bus      bus.MessageRouter
	manager  *Manager
	webhook  *WebhookServer
	history  *PendingHistory
	resolver RouteResolver
	backend  Dispatcher
	pairing  PairingApprover

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a bridge. resolver and backend are required; pairing may be
// nil when dm_policy is not "pairing".
func New(cfg config.BridgeConfig, msgBus bus.MessageRouter, resolver RouteResolver, backend Dispatcher, pairing PairingApprover) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		bus:      msgBus,
		history:  NewPendingHistory(cfg.HistoryLimit),
		resolver: resolver,
		backend:  backend,
		pairing:  pairing,
	}
	if cfg.ConnectionMode == config.ModeWebhook {
		b.webhook = NewWebhookServer(cfg, b)
	} else {
		b.manager = NewManager(cfg, msgBus)
	}
	return b
}

// Name returns the channel identifier.
func (b *Bridge) Name() string { return ChannelName }

// IsRunning reports whether the bridge is actively processing messages.
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Manager returns the connection manager (nil in webhook mode).
func (b *Bridge) Manager() *Manager { return b.manager }

// Start opens the configured endpoint and begins consuming messages.
// The bridge stops when ctx is cancelled: in-flight connections close,
// the heartbeat stops, and the registry is cleared.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.cfg.Enabled {
		return fmt.Errorf("bridge channel not enabled")
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bridge already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.mu.Unlock()

	switch b.cfg.ConnectionMode {
	case config.ModeWebhook:
		if err := b.webhook.Start(runCtx); err != nil {
			b.markStopped()
			return err
		}
	default:
		if err := b.manager.Start(runCtx); err != nil {
			b.markStopped()
			return err
		}
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.inboundLoop(runCtx)
	}()
	go func() {
		defer b.wg.Done()
		b.outboundLoop(runCtx)
	}()

	slog.Info("bridge started", "mode", b.cfg.ConnectionMode)
	return nil
}

// Stop gracefully shuts down the bridge. Safe to call when not running.
func (b *Bridge) Stop(_ context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	running := b.running
	b.running = false
	b.mu.Unlock()

	if !running {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if b.manager != nil {
		b.manager.Stop()
	}
	if b.webhook != nil {
		b.webhook.Stop()
	}
	b.wg.Wait()
	slog.Info("bridge stopped")
	return nil
}

func (b *Bridge) markStopped() {
	b.mu.Lock()
	b.running = false
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.mu.Unlock()
}

// inboundLoop consumes normalized messages from the bus and drives the
// processing pipeline. Per-message failures are logged with correlation
// context and never crash the loop.
func (b *Bridge) inboundLoop(ctx context.Context) {
	for {
		msg, ok := b.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		b.handleInbound(ctx, msg)
	}
}

func (b *Bridge) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	rd := NewReplyDispatcher(b.manager, msg.ChatID, msg.MessageID, b.cfg.TextChunkLimit)
	err := b.process(ctx, msg, rd.Deliver)
	rd.Finish()
	if err != nil {
		slog.Error("dispatch failed", "chat_id", msg.ChatID, "sender_id", msg.SenderID, "error", err)
	}
}

// process runs the pipeline for one message: DM policy gate, route
// resolution, body construction, group history context, backend dispatch,
// and the post-success history clear. deliver receives reply text.
func (b *Bridge) process(ctx context.Context, msg bus.InboundMessage, deliver DeliverFunc) error {
	isGroup := msg.ChatType == wire.ChatGroup

	slog.Info("message received",
		"chat_id", msg.ChatID, "sender_id", msg.SenderID, "chat_type", msg.ChatType)

	if !isGroup && !AllowDM(b.cfg, b.pairing, msg.SenderID, msg.ChatID) {
		return nil
	}

	peerID := msg.SenderID
	if isGroup {
		peerID = msg.ChatID
	}
	route, err := b.resolver.Resolve(ChannelName, msg.ChatType, peerID)
	if err != nil {
		return fmt.Errorf("resolve route: %w", err)
	}

	body := buildMessageBody(msg)

	combined := body
	if isGroup {
		combined = b.history.BuildContext(msg.ChatID, b.cfg.HistoryLimit, body, formatHistoryEntry)
		b.history.Append(msg.ChatID, HistoryEntry{
			Sender:    speakerName(msg),
			Body:      msg.Content,
			Timestamp: time.UnixMilli(msg.Timestamp),
		})
	}

	req := DispatchRequest{
		Route:      route,
		Body:       combined,
		RawBody:    msg.Content,
		ChatID:     msg.ChatID,
		ChatType:   msg.ChatType,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		MessageID:  msg.MessageID,
		Timestamp:  time.UnixMilli(msg.Timestamp),
	}

	slog.Debug("dispatching to backend", "session", route.SessionKey, "chat_id", msg.ChatID)

	result, err := b.backend.Dispatch(ctx, req, deliver)
	if err != nil {
		return err
	}

	if isGroup {
		b.history.Clear(msg.ChatID, b.cfg.HistoryLimit)
	}

	slog.Info("dispatch complete",
		"chat_id", msg.ChatID, "queued_final", result.QueuedFinal, "replies", result.Replies)
	return nil
}

// outboundLoop delivers bus outbound messages (proactive sends from the
// backend) to peer clients.
func (b *Bridge) outboundLoop(ctx context.Context) {
	for {
		msg, ok := b.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if msg.Channel != "" && msg.Channel != ChannelName {
			continue
		}
		if err := b.Send(ctx, msg); err != nil {
			slog.Error("outbound send failed", "chat_id", msg.ChatID, "error", err)
		}
	}
}

// Send delivers an outbound message to the peer for msg.ChatID, chunked
// to the configured limit. An unreachable client is a logged warning, not
// an error; the message is not queued or retried.
func (b *Bridge) Send(_ context.Context, msg bus.OutboundMessage) error {
	if isBlank(msg.Content) {
		return nil
	}
	if b.manager == nil {
		slog.Warn("no persistent connection in webhook mode, dropping send", "chat_id", msg.ChatID)
		return nil
	}
	for _, chunk := range buildChunks(msg.ChatID, msg.ReplyTo, msg.Content, b.cfg.TextChunkLimit) {
		ev, err := wire.NewEvent(wire.TypeMessageSend, chunk)
		if err != nil {
			return err
		}
		if !b.manager.Send(msg.ChatID, ev) {
			slog.Warn("client not connected, dropping remaining chunks", "chat_id", msg.ChatID)
			return nil
		}
	}
	return nil
}

// Probe reports endpoint status for diagnostics.
func (b *Bridge) Probe() ProbeResult {
	if !b.cfg.Enabled {
		return ProbeResult{Error: "bridge channel not enabled"}
	}
	port := b.cfg.WSPort
	if b.cfg.ConnectionMode == config.ModeWebhook {
		port = b.cfg.WebhookPort
	}
	return ProbeResult{OK: true, Mode: b.cfg.ConnectionMode, Port: port}
}

// --- body construction ---

func speakerName(msg bus.InboundMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderID
}

// buildMessageBody renders the backend-facing body: speaker prefix, media
// label with URL for image/voice/audio, and a reply-to header when the
// message quotes another.
func buildMessageBody(msg bus.InboundMessage) string {
	speaker := speakerName(msg)
	body := fmt.Sprintf("%s: %s", speaker, msg.Content)

	if msg.MediaURL != "" {
		label := ""
		switch msg.ContentType {
		case wire.ContentImage:
			label = "Image"
		case wire.ContentVoice:
			label = "Voice"
		case wire.ContentAudio:
			label = "Audio"
		case wire.ContentFile:
			label = "File"
		}
		if label != "" {
			caption := msg.Content
			if caption == "" {
				caption = "(no caption)"
			}
			body = fmt.Sprintf("%s: [%s] %s\nMedia URL: %s", speaker, label, caption, msg.MediaURL)
		}
	}

	if msg.ParentID != "" {
		body = fmt.Sprintf("[Replying to message %s]\n\n%s", msg.ParentID, body)
	}
	return body
}

func formatHistoryEntry(entry HistoryEntry) string {
	return fmt.Sprintf("[%s] %s: %s",
		entry.Timestamp.Format(time.RFC3339), entry.Sender, entry.Body)
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
