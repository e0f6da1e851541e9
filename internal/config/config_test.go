package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := &Config{Bridge: BridgeConfig{Enabled: true}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	b := cfg.Bridge
	if b.ConnectionMode != ModeWebSocket {
		t.Errorf("ConnectionMode = %q", b.ConnectionMode)
	}
	if b.WSPort != DefaultWSPort || b.WSPath != DefaultWSPath {
		t.Errorf("ws endpoint = %d %q", b.WSPort, b.WSPath)
	}
	if b.DMPolicy != DMPolicyOpen {
		t.Errorf("DMPolicy = %q", b.DMPolicy)
	}
	if b.HistoryLimit != DefaultHistoryLimit || b.TextChunkLimit != DefaultTextChunkLimit {
		t.Errorf("limits = %d %d", b.HistoryLimit, b.TextChunkLimit)
	}
	if b.HeartbeatInterval() != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", b.HeartbeatInterval())
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  BridgeConfig
	}{
		{"unknown connection_mode", BridgeConfig{ConnectionMode: "carrier-pigeon"}},
		{"unknown dm_policy", BridgeConfig{DMPolicy: "strict"}},
		{"ws_port out of range", BridgeConfig{WSPort: 70000}},
		{"negative webhook_port", BridgeConfig{WebhookPort: -1}},
		{"negative history_limit", BridgeConfig{HistoryLimit: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Bridge: tt.cfg}
			if err := cfg.Validate(); err == nil {
				t.Error("Validate succeeded, want error")
			}
		})
	}
}

func TestLoad_JSON5File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	// bridge channel settings
	bridge: {
		enabled: true,
		ws_port: 9090,
		dm_policy: "allowlist",
		allow_from: ["u1", "u2"],
	},
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	b := cfg.Bridge
	if !b.Enabled || b.WSPort != 9090 {
		t.Errorf("got enabled=%v port=%d", b.Enabled, b.WSPort)
	}
	if b.DMPolicy != DMPolicyAllowlist || len(b.AllowFrom) != 2 {
		t.Errorf("policy = %q allow_from = %v", b.DMPolicy, b.AllowFrom)
	}
	if b.WSPath != DefaultWSPath {
		t.Errorf("WSPath default not applied: %q", b.WSPath)
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bridge.WSPort != DefaultWSPort {
		t.Errorf("WSPort = %d", cfg.Bridge.WSPort)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OMNIBRIDGE_ENABLED", "true")
	t.Setenv("OMNIBRIDGE_WS_PORT", "7777")
	t.Setenv("OMNIBRIDGE_DM_POLICY", "pairing")
	t.Setenv("OMNIBRIDGE_ALLOW_FROM", "a, b ,c")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	b := cfg.Bridge
	if !b.Enabled || b.WSPort != 7777 || b.DMPolicy != DMPolicyPairing {
		t.Errorf("env overlay not applied: %+v", b)
	}
	if len(b.AllowFrom) != 3 || b.AllowFrom[1] != "b" {
		t.Errorf("AllowFrom = %v", b.AllowFrom)
	}
}

func TestWatcher_NotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(path)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`{bridge:{enabled:true}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Clean(ev.Path) != filepath.Clean(path) {
			t.Errorf("event path = %q", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event within 3s")
	}
}
