// Package client implements the peer side of the bridge protocol: a
// reconnecting WebSocket client that authenticates, replays its assigned
// client id across reconnects, and surfaces server frames to a handler.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

// Connection states.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
	authReadTimeout    = 10 * time.Second
	maxFrameSize       = 1 << 20 // 1MB
)

// ErrNotConnected is returned by Send when no live connection exists.
// The frame is not queued.
var ErrNotConnected = errors.New("client: not connected")

// ErrGaveUp is delivered on Done after the reconnect budget is exhausted.
var ErrGaveUp = errors.New("client: reconnect attempts exhausted")

// Config configures a reconnecting client.
type Config struct {
	URL         string
	Token       string
	ClientID    string        // optional fixed identity; empty means server-assigned
	BaseDelay   time.Duration // default 1s
	MaxAttempts int           // consecutive failures before giving up, default 5
}

// Handler receives server frames. Called from the read goroutine; a slow
// handler stalls the read loop.
type Handler func(ev wire.Event)

// Client maintains one logical connection to a bridge server. It dials,
// authenticates, and reads until the connection drops, then backs off
// exponentially and reconnects with the same client id, so the server
// keys the new connection under the same identity. Consecutive failures
// past the budget stop the loop and close Done.
type Client struct {
	cfg     Config
	handler Handler

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	writeMu  sync.Mutex
	clientID string
	attempts int

	cancel context.CancelFunc
	done   chan struct{}
	err    error
	wg     sync.WaitGroup
}

// New creates a client. handler may be nil.
func New(cfg Config, handler Handler) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Client{
		cfg:      cfg,
		handler:  handler,
		clientID: cfg.ClientID,
		done:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the identity assigned by the server, or the configured
// one before the first handshake completes.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Done is closed when the client stops for good: either Stop was called
// or the reconnect budget ran out. Err reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the terminal error, if any, after Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start begins the connect loop. It returns immediately; connection
// progress is observable via State and Done.
func (c *Client) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
}

// Stop cancels the connect loop and closes any live connection.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
}

// Send writes an event on the live connection. Returns ErrNotConnected
// when the client is not in the connected state; callers decide whether
// to retry later.
func (c *Client) Send(ctx context.Context, ev wire.Event) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// SendMessage is a convenience wrapper publishing one inbound message.
func (c *Client) SendMessage(ctx context.Context, msg wire.InboundMessage) error {
	ev, err := wire.NewEvent(wire.TypeMessageReceive, msg)
	if err != nil {
		return err
	}
	return c.Send(ctx, ev)
}

// run dials, serves one session, and schedules the next dial. Every
// session end goes through the backoff delay, including a clean close
// after a successful handshake; a successful connect resets the failure
// counter so the next drop starts back at the base delay. The budget
// covers consecutive failures only: failure N past MaxAttempts is
// terminal, so MaxAttempts retries (attempt indices 0..MaxAttempts-1)
// are scheduled after the initial dial.
func (c *Client) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.finish(nil)
			return
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			c.finish(nil)
			return
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		if err != nil && attempt > c.cfg.MaxAttempts {
			slog.Error("giving up after repeated connection failures",
				"attempts", attempt-1, "error", err)
			c.finish(fmt.Errorf("%w: last error: %v", ErrGaveUp, err))
			return
		}

		delay := backoffDelay(c.cfg.BaseDelay, attempt-1)
		if err != nil {
			slog.Warn("connection attempt failed, backing off",
				"attempt", attempt, "delay", delay, "error", err)
		} else {
			slog.Info("connection closed, reconnecting", "delay", delay)
		}
		select {
		case <-ctx.Done():
			c.finish(nil)
			return
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes the exponential backoff for a zero-based attempt
// index: base, 2*base, 4*base, and so on.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	return base << attempt
}

// connectOnce performs one full connection lifecycle: dial, authenticate,
// then read until the connection drops. A nil return means the session
// ended after a successful handshake; the caller reconnects immediately
// with a reset failure budget.
func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("client: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	clientID, err := c.authenticate(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		c.setState(StateDisconnected)
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.clientID = clientID
	c.attempts = 0
	c.mu.Unlock()

	slog.Info("connected", "client_id", clientID)

	c.readLoop(ctx, conn)

	c.mu.Lock()
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")

	slog.Info("disconnected", "client_id", clientID)
	return nil
}

// authenticate sends the auth frame, replaying the cached client id so
// the server reuses the same registry slot, and waits for auth_success.
// An error frame from the server counts as a failed attempt.
func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) (string, error) {
	c.setState(StateAuthenticating)

	c.mu.Lock()
	cachedID := c.clientID
	c.mu.Unlock()

	ev, err := wire.NewEvent(wire.TypeAuth, wire.AuthRequest{
		Token:    c.cfg.Token,
		ClientID: cachedID,
	})
	if err != nil {
		return "", err
	}
	data, err := wire.Encode(ev)
	if err != nil {
		return "", err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return "", fmt.Errorf("client: write auth: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, authReadTimeout)
	defer cancel()
	_, raw, err := conn.Read(readCtx)
	if err != nil {
		return "", fmt.Errorf("client: read auth reply: %w", err)
	}

	reply, err := wire.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("client: decode auth reply: %w", err)
	}

	switch reply.Type {
	case wire.TypeAuthSuccess:
		var success wire.AuthSuccess
		if err := reply.Payload(&success); err != nil {
			return "", fmt.Errorf("client: malformed auth_success: %w", err)
		}
		if success.ClientID != "" {
			return success.ClientID, nil
		}
		return cachedID, nil
	case wire.TypeError:
		var ep wire.ErrorPayload
		if err := reply.Payload(&ep); err == nil {
			return "", fmt.Errorf("client: auth rejected: %s: %s", ep.Code, ep.Message)
		}
		return "", errors.New("client: auth rejected")
	default:
		return "", fmt.Errorf("client: unexpected handshake frame %q", reply.Type)
	}
}

// readLoop surfaces server frames to the handler until the connection
// drops. Malformed frames are logged and skipped.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("connection read ended", "error", err)
			}
			return
		}

		ev, err := wire.Decode(raw)
		if err != nil {
			slog.Warn("malformed frame from server", "error", err)
			continue
		}
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	alreadyDone := c.state == StateDisconnected && c.err != nil
	c.state = StateDisconnected
	if err != nil && c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	if !alreadyDone {
		select {
		case <-c.done:
		default:
			close(c.done)
		}
	}
}

// DecodeChunk extracts an outbound chunk from a message.send event.
func DecodeChunk(ev wire.Event) (wire.OutboundChunk, error) {
	var chunk wire.OutboundChunk
	if ev.Type != wire.TypeMessageSend {
		return chunk, fmt.Errorf("client: not a message.send frame: %q", ev.Type)
	}
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return chunk, fmt.Errorf("client: decode chunk: %w", err)
	}
	return chunk, nil
}
