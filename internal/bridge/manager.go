package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/omnibridge/internal/bus"
	"github.com/nextlevelbuilder/omnibridge/internal/config"
	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

// ChannelName identifies this channel on the bus.
const ChannelName = "omni"

const (
	authTimeout  = 10 * time.Second
	maxFrameSize = 1 << 20 // 1MB
)

// ErrAlreadyRunning is returned by Start when the manager is running and
// Stop was not called in between.
var ErrAlreadyRunning = errors.New("bridge: connection manager already running")

// Manager owns the server-side WebSocket endpoint: it accepts connections,
// binds each to a client id via the auth handshake, maintains the registry,
// runs the heartbeat, and exposes send/broadcast primitives. Transport
// errors are isolated to the connection they occur on.
type Manager struct {
	cfg      config.BridgeConfig
	bus      bus.MessageRouter
	registry *Registry
	upgrader websocket.Upgrader

	heartbeat time.Duration

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
	lnAddr     net.Addr
	hbCancel   context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a connection manager. The bus receives normalized
// inbound messages; policy gating happens downstream in the Bridge.
func NewManager(cfg config.BridgeConfig, msgBus bus.MessageRouter) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      msgBus,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		heartbeat: cfg.HeartbeatInterval(),
	}
}

// Registry returns the client registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Addr returns the bound listener address, or nil before Start.
func (m *Manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lnAddr
}

// Start opens the listening endpoint and begins the heartbeat.
// Calling Start twice without an intervening Stop returns ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true

	mux := http.NewServeMux()
	mux.HandleFunc(m.cfg.WSPath, m.handleWebSocket)

	addr := fmt.Sprintf(":%d", m.cfg.WSPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	m.httpServer = srv
	m.lnAddr = ln.Addr()
	m.mu.Unlock()

	m.startHeartbeat(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if serr := srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			slog.Error("bridge server error", "error", serr)
		}
	}()

	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	slog.Info("bridge websocket server started", "addr", addr, "path", m.cfg.WSPath)
	return nil
}

// Stop closes all connections, clears the registry, and stops the
// heartbeat. Safe to call when not running.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	srv := m.httpServer
	m.httpServer = nil
	cancel := m.hbCancel
	m.hbCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range m.registry.Clear() {
		c.Close()
	}
	if srv != nil {
		shutdownCtx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		scancel()
	}
	m.wg.Wait()
	slog.Info("bridge websocket server stopped")
}

// Send serializes and writes an event to the connection for id. Returns
// false without error when no live connection is registered; the caller
// decides whether to warn. This layer never buffers on the client's behalf.
func (m *Manager) Send(id string, ev wire.Event) bool {
	conn := m.registry.Get(id)
	if conn == nil || !conn.Open() {
		return false
	}
	if err := conn.WriteEvent(ev); err != nil {
		slog.Warn("bridge send failed", "client_id", id, "type", ev.Type, "error", err)
		m.evict(conn)
		return false
	}
	return true
}

// Broadcast sends an event to every registered connection, best effort.
// Individual send failures do not abort the broadcast.
func (m *Manager) Broadcast(ev wire.Event) {
	for _, conn := range m.registry.Snapshot() {
		if err := conn.WriteEvent(ev); err != nil {
			slog.Debug("bridge broadcast send failed", "client_id", conn.ID(), "error", err)
		}
	}
}

// handleWebSocket upgrades the HTTP request, performs the auth handshake,
// registers the connection, and runs the read loop until close.
func (m *Manager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	clientID, ok := m.authenticate(ws, r)
	if !ok {
		ws.Close()
		return
	}

	conn := newConn(clientID, ws)
	if prev := m.registry.Register(clientID, conn); prev != nil {
		slog.Info("superseding prior connection", "client_id", clientID)
		prev.Close()
	}
	slog.Info("client connected", "client_id", clientID)

	m.sendHandshakeFrames(conn, clientID)

	defer func() {
		m.registry.Unregister(clientID, conn)
		conn.Close()
		slog.Info("client disconnected", "client_id", clientID)
	}()

	m.readLoop(conn)
}

// authenticate reads the auth frame, validates the token, and resolves
// the client id: replayed id from the frame, then the client_id query
// parameter, then a generated one.
func (m *Manager) authenticate(ws *websocket.Conn, r *http.Request) (string, bool) {
	ws.SetReadDeadline(time.Now().Add(authTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		slog.Warn("auth frame read failed", "error", err)
		return "", false
	}
	ws.SetReadDeadline(time.Time{})

	ev, err := wire.Decode(raw)
	if err != nil || ev.Type != wire.TypeAuth {
		m.rejectHandshake(ws, "protocol_error", "expected auth frame")
		return "", false
	}

	var auth wire.AuthRequest
	if err := ev.Payload(&auth); err != nil {
		m.rejectHandshake(ws, "protocol_error", "malformed auth frame")
		return "", false
	}

	if m.cfg.AuthToken != "" && auth.Token != m.cfg.AuthToken {
		slog.Warn("auth rejected: bad token")
		m.rejectHandshake(ws, "auth_failed", "invalid token")
		return "", false
	}

	clientID := auth.ClientID
	if clientID == "" {
		clientID = r.URL.Query().Get("client_id")
	}
	if clientID == "" {
		clientID = fmt.Sprintf("client-%d", time.Now().UnixMilli())
	}
	return clientID, true
}

func (m *Manager) rejectHandshake(ws *websocket.Conn, code, msg string) {
	ev, err := wire.NewEvent(wire.TypeError, wire.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	data, _ := wire.Encode(ev)
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	ws.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) sendHandshakeFrames(conn *Conn, clientID string) {
	success, err := wire.NewEvent(wire.TypeAuthSuccess, wire.AuthSuccess{ClientID: clientID})
	if err == nil {
		if werr := conn.WriteEvent(success); werr != nil {
			slog.Warn("auth_success send failed", "client_id", clientID, "error", werr)
			return
		}
	}
	open, err := wire.NewEvent(wire.TypeConnectionOpen, wire.ConnectionOpen{
		ChatID:    clientID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err == nil {
		if werr := conn.WriteEvent(open); werr != nil {
			slog.Warn("connection.open send failed", "client_id", clientID, "error", werr)
		}
	}
}

// readLoop processes frames until the connection closes. Malformed frames
// are logged and dropped; they never close the connection or propagate.
func (m *Manager) readLoop(conn *Conn) {
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			conn.markClosed()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("connection read error", "client_id", conn.ID(), "error", err)
			}
			return
		}

		ev, err := wire.Decode(raw)
		if err != nil {
			slog.Warn("malformed frame dropped", "client_id", conn.ID(), "error", err)
			continue
		}

		switch ev.Type {
		case wire.TypeMessageReceive:
			var msg wire.InboundMessage
			if err := ev.Payload(&msg); err != nil {
				slog.Warn("malformed message.receive dropped", "client_id", conn.ID(), "error", err)
				continue
			}
			m.bus.PublishInbound(Normalize(msg))
		case wire.TypeTyping:
			slog.Debug("typing indicator", "client_id", conn.ID())
		case wire.TypeConnectionClose:
			return
		default:
			slog.Debug("unhandled frame type", "client_id", conn.ID(), "type", ev.Type)
		}
	}
}

// startHeartbeat pings every registered connection on a fixed interval.
// A connection that is not open at ping time, or whose previous ping went
// unanswered, is evicted immediately. Registry staleness is bounded to
// one heartbeat interval.
func (m *Manager) startHeartbeat(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.hbCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				for _, conn := range m.registry.Snapshot() {
					if !conn.Ping() {
						slog.Info("heartbeat evicting dead connection", "client_id", conn.ID())
						m.evict(conn)
					}
				}
			}
		}
	}()
}

func (m *Manager) evict(conn *Conn) {
	m.registry.Unregister(conn.ID(), conn)
	conn.Close()
}
