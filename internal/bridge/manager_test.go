package bridge

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omnibridge/internal/bus"
	"github.com/nextlevelbuilder/omnibridge/internal/config"
	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

func testConfig() config.BridgeConfig {
	return config.BridgeConfig{
		Enabled:        true,
		ConnectionMode: config.ModeWebSocket,
		WSPort:         0, // ephemeral
		WSPath:         "/ws",
		AuthToken:      "secret",
		HistoryLimit:   10,
		TextChunkLimit: 4000,
		HeartbeatSecs:  30,
	}
}

// startManager runs a manager on an ephemeral port and returns it with
// its dialable URL.
func startManager(t *testing.T, cfg config.BridgeConfig, msgBus *bus.MessageBus) (*Manager, string) {
	t.Helper()
	m := NewManager(cfg, msgBus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)

	_, port, err := net.SplitHostPort(m.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return m, fmt.Sprintf("ws://127.0.0.1:%s%s", port, cfg.WSPath)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeEvent(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	ev, err := wire.NewEvent(typ, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := wire.Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func readEvent(t *testing.T, c *websocket.Conn) wire.Event {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	ev, err := wire.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return ev
}

// handshake authenticates as clientID and consumes the auth_success and
// connection.open frames.
func handshake(t *testing.T, c *websocket.Conn, token, clientID string) {
	t.Helper()
	writeEvent(t, c, wire.TypeAuth, wire.AuthRequest{Token: token, ClientID: clientID})

	ev := readEvent(t, c)
	if ev.Type != wire.TypeAuthSuccess {
		t.Fatalf("handshake reply = %q, want auth_success", ev.Type)
	}
	var success wire.AuthSuccess
	if err := ev.Payload(&success); err != nil {
		t.Fatal(err)
	}
	if clientID != "" && success.ClientID != clientID {
		t.Fatalf("assigned client id %q, want %q", success.ClientID, clientID)
	}

	open := readEvent(t, c)
	if open.Type != wire.TypeConnectionOpen {
		t.Fatalf("second frame = %q, want connection.open", open.Type)
	}
}

func TestManager_HandshakeBindsClientID(t *testing.T) {
	msgBus := bus.New()
	m, url := startManager(t, testConfig(), msgBus)

	c := dial(t, url)
	handshake(t, c, "secret", "peer-1")

	waitFor(t, func() bool { return m.Registry().Connected("peer-1") })
}

func TestManager_AuthRejectsBadToken(t *testing.T) {
	msgBus := bus.New()
	_, url := startManager(t, testConfig(), msgBus)

	c := dial(t, url)
	writeEvent(t, c, wire.TypeAuth, wire.AuthRequest{Token: "wrong"})

	ev := readEvent(t, c)
	if ev.Type != wire.TypeError {
		t.Fatalf("reply = %q, want error", ev.Type)
	}
	var ep wire.ErrorPayload
	if err := ev.Payload(&ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != "auth_failed" {
		t.Errorf("code = %q, want auth_failed", ep.Code)
	}
}

func TestManager_FirstFrameMustBeAuth(t *testing.T) {
	msgBus := bus.New()
	_, url := startManager(t, testConfig(), msgBus)

	c := dial(t, url)
	writeEvent(t, c, wire.TypeMessageReceive, wire.InboundMessage{SenderID: "u1", Content: "hi"})

	ev := readEvent(t, c)
	if ev.Type != wire.TypeError {
		t.Fatalf("reply = %q, want error", ev.Type)
	}
	var ep wire.ErrorPayload
	if err := ev.Payload(&ep); err != nil {
		t.Fatal(err)
	}
	if ep.Code != "protocol_error" {
		t.Errorf("code = %q, want protocol_error", ep.Code)
	}
}

func TestManager_ReconnectPreservesIdentity(t *testing.T) {
	msgBus := bus.New()
	m, url := startManager(t, testConfig(), msgBus)

	first := dial(t, url)
	handshake(t, first, "secret", "peer-1")
	waitFor(t, func() bool { return m.Registry().Connected("peer-1") })

	second := dial(t, url)
	handshake(t, second, "secret", "peer-1")

	if m.Registry().Len() != 1 {
		t.Errorf("registry has %d entries, want 1", m.Registry().Len())
	}

	// Replies now land on the new connection only.
	ev, err := wire.NewEvent(wire.TypeMessageSend, wire.OutboundChunk{
		MessageID: "m1", ChatID: "peer-1", Content: "hello again", ContentType: wire.ContentText,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Send("peer-1", ev) {
		t.Fatal("Send to reconnected client failed")
	}

	got := readEvent(t, second)
	if got.Type != wire.TypeMessageSend {
		t.Fatalf("new conn got %q, want message.send", got.Type)
	}

	// The superseded connection is closed by the server.
	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
}

func TestManager_SendToUnknownClient(t *testing.T) {
	msgBus := bus.New()
	m, _ := startManager(t, testConfig(), msgBus)

	ev, err := wire.NewEvent(wire.TypeMessageSend, wire.OutboundChunk{ChatID: "ghost", Content: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if m.Send("ghost", ev) {
		t.Error("Send to unknown client returned true")
	}
}

func TestManager_MalformedFrameKeepsConnection(t *testing.T) {
	msgBus := bus.New()
	_, url := startManager(t, testConfig(), msgBus)

	c := dial(t, url)
	handshake(t, c, "secret", "peer-1")

	if err := c.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatal(err)
	}
	writeEvent(t, c, wire.TypeMessageReceive, wire.InboundMessage{
		SenderID: "peer-1", ChatID: "peer-1", Content: "still here", Timestamp: time.Now().UnixMilli(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no message after malformed frame; connection likely dropped")
	}
	if msg.Content != "still here" {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestManager_InboundNormalizedOntoBus(t *testing.T) {
	msgBus := bus.New()
	_, url := startManager(t, testConfig(), msgBus)

	c := dial(t, url)
	handshake(t, c, "secret", "peer-1")

	writeEvent(t, c, wire.TypeMessageReceive, wire.InboundMessage{
		ChatID: "peer-1", ChatType: "unknown-kind", SenderID: "peer-1", Content: "hi",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, ok := msgBus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}
	if msg.Channel != ChannelName {
		t.Errorf("Channel = %q", msg.Channel)
	}
	if msg.ChatType != wire.ChatDirect {
		t.Errorf("ChatType = %q, want normalized direct", msg.ChatType)
	}
	if msg.MessageID == "" || msg.Timestamp == 0 {
		t.Errorf("ids not filled: %+v", msg)
	}
}

func TestManager_HeartbeatEvictsSilentPeer(t *testing.T) {
	msgBus := bus.New()
	m := NewManager(testConfig(), msgBus)
	m.heartbeat = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Stop)

	_, port, err := net.SplitHostPort(m.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := dial(t, fmt.Sprintf("ws://127.0.0.1:%s/ws", port))
	handshake(t, c, "secret", "peer-1")
	waitFor(t, func() bool { return m.Registry().Connected("peer-1") })

	// The peer stops reading, so it never answers pings. The second
	// heartbeat tick finds the previous ping unanswered and evicts.
	waitFor(t, func() bool { return !m.Registry().Connected("peer-1") })
}

func TestManager_StopRightAfterStart(t *testing.T) {
	// Stop racing the serve goroutine must not crash the process.
	for i := 0; i < 10; i++ {
		m := NewManager(testConfig(), bus.New())
		ctx, cancel := context.WithCancel(context.Background())
		if err := m.Start(ctx); err != nil {
			cancel()
			t.Fatal(err)
		}
		m.Stop()
		cancel()
	}
}

func TestManager_StartTwice(t *testing.T) {
	msgBus := bus.New()
	m, _ := startManager(t, testConfig(), msgBus)
	if err := m.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 3s")
}
