package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars and validates.
// A missing file yields defaults (still subject to env overrides).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			if verr := cfg.Validate(); verr != nil {
				return nil, verr
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	b := &c.Bridge
	envBool("OMNIBRIDGE_ENABLED", &b.Enabled)
	envStr("OMNIBRIDGE_CONNECTION_MODE", &b.ConnectionMode)
	envInt("OMNIBRIDGE_WS_PORT", &b.WSPort)
	envStr("OMNIBRIDGE_WS_PATH", &b.WSPath)
	envInt("OMNIBRIDGE_WEBHOOK_PORT", &b.WebhookPort)
	envStr("OMNIBRIDGE_WEBHOOK_PATH", &b.WebhookPath)
	envStr("OMNIBRIDGE_WEBHOOK_SECRET", &b.WebhookSecret)
	envStr("OMNIBRIDGE_AUTH_TOKEN", &b.AuthToken)
	envStr("OMNIBRIDGE_DM_POLICY", &b.DMPolicy)
	if v := os.Getenv("OMNIBRIDGE_ALLOW_FROM"); v != "" {
		parts := strings.Split(v, ",")
		allow := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				allow = append(allow, p)
			}
		}
		b.AllowFrom = allow
	}
	envInt("OMNIBRIDGE_HISTORY_LIMIT", &b.HistoryLimit)
	envInt("OMNIBRIDGE_TEXT_CHUNK_LIMIT", &b.TextChunkLimit)
	envInt("OMNIBRIDGE_HEARTBEAT_SECONDS", &b.HeartbeatSecs)
}
