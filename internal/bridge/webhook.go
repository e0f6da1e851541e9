package bridge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/omnibridge/internal/config"
	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

const (
	webhookMaxBody    = 1 << 20 // 1MB
	webhookTimeout    = 120 * time.Second
	signatureHeader   = "X-Bridge-Signature"
	rateLimitPerMin   = 20
	rateLimiterBurst  = 5
	maxTrackedSenders = 1024
)

// webhookResponse is the synchronous reply envelope.
type webhookResponse struct {
	Replies []wire.OutboundChunk `json:"replies"`
}

// WebhookServer is the HTTP fallback transport: each inbound message is a
// POST and the reply chunks travel back in the same response body. There
// is no persistent connection, so thinking signals and proactive sends are
// unavailable in this mode.
type WebhookServer struct {
	cfg    config.BridgeConfig
	bridge *Bridge

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	mu         sync.Mutex
	running    bool
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewWebhookServer creates the webhook transport bound to a bridge.
func NewWebhookServer(cfg config.BridgeConfig, b *Bridge) *WebhookServer {
	return &WebhookServer{
		cfg:      cfg,
		bridge:   b,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start opens the webhook listener. The server stops when ctx is cancelled.
func (s *WebhookServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("bridge: webhook server already running")
	}
	s.running = true

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.WebhookPath, s.handleEvent)

	addr := fmt.Sprintf(":%d", s.cfg.WebhookPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("bridge: listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux}
	s.httpServer = srv
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if serr := srv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			slog.Error("webhook server error", "error", serr)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	slog.Info("bridge webhook server started", "addr", addr, "path", s.cfg.WebhookPath)
	return nil
}

// Stop shuts the listener down. Safe to call when not running.
func (s *WebhookServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		cancel()
	}
	s.wg.Wait()
	slog.Info("bridge webhook server stopped")
}

// handleEvent processes one inbound message synchronously: verify the
// signature, decode, rate limit by sender, run the pipeline, and return
// collected reply chunks.
func (s *WebhookServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBody))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if s.cfg.WebhookSecret != "" && !s.verifySignature(body, r.Header.Get(signatureHeader)) {
		slog.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var msg wire.InboundMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		slog.Warn("webhook malformed payload", "error", err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if !s.allow(msg.SenderID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), webhookTimeout)
	defer cancel()

	chunks, err := s.processSync(ctx, msg)
	if err != nil {
		slog.Error("webhook dispatch failed", "sender_id", msg.SenderID, "error", err)
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(webhookResponse{Replies: chunks}); err != nil {
		slog.Warn("webhook response write failed", "error", err)
	}
}

// processSync runs the message pipeline with a collecting deliverer and
// returns the reply chunks for the synchronous response.
func (s *WebhookServer) processSync(ctx context.Context, msg wire.InboundMessage) ([]wire.OutboundChunk, error) {
	normalized := Normalize(msg)

	var chunks []wire.OutboundChunk
	deliver := func(text string) error {
		if isBlank(text) {
			return nil
		}
		chunks = append(chunks, buildChunks(normalized.ChatID, normalized.MessageID, text, s.cfg.TextChunkLimit)...)
		return nil
	}

	if err := s.bridge.process(ctx, normalized, deliver); err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []wire.OutboundChunk{}
	}
	return chunks, nil
}

func (s *WebhookServer) verifySignature(body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

// allow applies a per-sender token bucket. The limiter map is capped; when
// full, new senders share the fate of a full table and are refused until
// it is reset.
func (s *WebhookServer) allow(senderID string) bool {
	if senderID == "" {
		senderID = "anonymous"
	}
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[senderID]
	if !ok {
		if len(s.limiters) >= maxTrackedSenders {
			s.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/rateLimitPerMin), rateLimiterBurst)
		s.limiters[senderID] = lim
	}
	return lim.Allow()
}
