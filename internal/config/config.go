// Package config holds the typed configuration for the bridge. All
// recognized options are enumerated here and validated once at load time;
// unknown enum values fail startup instead of being silently accepted.
package config

import (
	"fmt"
	"time"
)

// Connection modes for the bridge channel.
const (
	ModeWebSocket = "websocket"
	ModeWebhook   = "webhook"
)

// DM policies controlling how direct messages from unknown senders are handled.
const (
	DMPolicyOpen      = "open"
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
)

// Defaults applied by Default() and by Validate() for zero values.
const (
	DefaultWSPort           = 8080
	DefaultWSPath           = "/ws"
	DefaultWebhookPort      = 3000
	DefaultWebhookPath      = "/bridge/events"
	DefaultHistoryLimit     = 10
	DefaultTextChunkLimit   = 4000
	DefaultHeartbeatSeconds = 30
)

// Config is the root configuration.
type Config struct {
	Bridge BridgeConfig `json:"bridge"`
}

// BridgeConfig controls the bridge channel endpoint and message policy.
type BridgeConfig struct {
	Enabled        bool     `json:"enabled"`
	ConnectionMode string   `json:"connection_mode,omitempty"` // "websocket" (default), "webhook"
	WSPort         int      `json:"ws_port,omitempty"`         // default 8080
	WSPath         string   `json:"ws_path,omitempty"`         // default "/ws"
	WebhookPort    int      `json:"webhook_port,omitempty"`    // default 3000
	WebhookPath    string   `json:"webhook_path,omitempty"`    // default "/bridge/events"
	WebhookSecret  string   `json:"webhook_secret,omitempty"`  // HMAC key for webhook signatures
	AuthToken      string   `json:"auth_token,omitempty"`      // shared secret for the WS handshake (empty = accept all)
	DMPolicy       string   `json:"dm_policy,omitempty"`       // "open" (default), "pairing", "allowlist"
	AllowFrom      []string `json:"allow_from,omitempty"`
	HistoryLimit   int      `json:"history_limit,omitempty"`     // group context window (default 10)
	TextChunkLimit int      `json:"text_chunk_limit,omitempty"`  // default 4000
	HeartbeatSecs  int      `json:"heartbeat_seconds,omitempty"` // default 30
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ConnectionMode: ModeWebSocket,
			WSPort:         DefaultWSPort,
			WSPath:         DefaultWSPath,
			WebhookPort:    DefaultWebhookPort,
			WebhookPath:    DefaultWebhookPath,
			DMPolicy:       DMPolicyOpen,
			HistoryLimit:   DefaultHistoryLimit,
			TextChunkLimit: DefaultTextChunkLimit,
			HeartbeatSecs:  DefaultHeartbeatSeconds,
		},
	}
}

// Validate fills zero values with defaults and rejects unrecognized options.
// Called once at startup; a failure here is fatal to the channel's startup
// path only.
func (c *Config) Validate() error {
	b := &c.Bridge

	if b.ConnectionMode == "" {
		b.ConnectionMode = ModeWebSocket
	}
	switch b.ConnectionMode {
	case ModeWebSocket, ModeWebhook:
	default:
		return fmt.Errorf("config: unknown connection_mode %q", b.ConnectionMode)
	}

	if b.DMPolicy == "" {
		b.DMPolicy = DMPolicyOpen
	}
	switch b.DMPolicy {
	case DMPolicyOpen, DMPolicyPairing, DMPolicyAllowlist:
	default:
		return fmt.Errorf("config: unknown dm_policy %q", b.DMPolicy)
	}

	if b.WSPort == 0 {
		b.WSPort = DefaultWSPort
	}
	if b.WSPort < 0 || b.WSPort > 65535 {
		return fmt.Errorf("config: invalid ws_port %d", b.WSPort)
	}
	if b.WSPath == "" {
		b.WSPath = DefaultWSPath
	}
	if b.WebhookPort == 0 {
		b.WebhookPort = DefaultWebhookPort
	}
	if b.WebhookPort < 0 || b.WebhookPort > 65535 {
		return fmt.Errorf("config: invalid webhook_port %d", b.WebhookPort)
	}
	if b.WebhookPath == "" {
		b.WebhookPath = DefaultWebhookPath
	}
	if b.HistoryLimit < 0 {
		return fmt.Errorf("config: history_limit must be >= 0, got %d", b.HistoryLimit)
	}
	if b.HistoryLimit == 0 {
		b.HistoryLimit = DefaultHistoryLimit
	}
	if b.TextChunkLimit < 0 {
		return fmt.Errorf("config: text_chunk_limit must be >= 1, got %d", b.TextChunkLimit)
	}
	if b.TextChunkLimit == 0 {
		b.TextChunkLimit = DefaultTextChunkLimit
	}
	if b.HeartbeatSecs <= 0 {
		b.HeartbeatSecs = DefaultHeartbeatSeconds
	}
	return nil
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (b BridgeConfig) HeartbeatInterval() time.Duration {
	secs := b.HeartbeatSecs
	if secs <= 0 {
		secs = DefaultHeartbeatSeconds
	}
	return time.Duration(secs) * time.Second
}
