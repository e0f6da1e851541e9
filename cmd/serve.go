package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnibridge/internal/bridge"
	"github.com/nextlevelbuilder/omnibridge/internal/bus"
	"github.com/nextlevelbuilder/omnibridge/internal/config"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.Bridge.Enabled {
		slog.Info("bridge not enabled in config, enabling for standalone serve")
		cfg.Bridge.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgBus := bus.New()
	b := bridge.New(cfg.Bridge, msgBus, staticResolver{}, echoBackend{}, nil)

	if err := b.Start(ctx); err != nil {
		slog.Error("bridge start failed", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(cfgPath)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				slog.Info("config file changed, restart to apply", "path", cfgPath)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	b.Stop(context.Background())
}

// staticResolver keys sessions by channel and peer. Standalone serve has
// no account or agent directory to consult.
type staticResolver struct{}

func (staticResolver) Resolve(channel, chatType, peerID string) (bridge.Route, error) {
	return bridge.Route{
		SessionKey: fmt.Sprintf("%s:%s:%s", channel, chatType, peerID),
		AccountID:  "default",
		AgentID:    "default",
	}, nil
}

// echoBackend replies with the raw message text. It stands in for a real
// agent backend so the serve command works end to end on its own.
type echoBackend struct{}

func (echoBackend) Dispatch(ctx context.Context, req bridge.DispatchRequest, deliver bridge.DeliverFunc) (bridge.DispatchResult, error) {
	reply := strings.TrimSpace(req.RawBody)
	if reply == "" {
		return bridge.DispatchResult{QueuedFinal: true}, nil
	}
	if err := deliver("Echo: " + reply); err != nil {
		return bridge.DispatchResult{}, err
	}
	return bridge.DispatchResult{QueuedFinal: true, Replies: 1}, nil
}
