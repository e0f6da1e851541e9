package cmd

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnibridge/internal/client"
	"github.com/nextlevelbuilder/omnibridge/pkg/wire"
)

func chatCmd() *cobra.Command {
	var (
		addr     string
		token    string
		clientID string
		chatType string
		name     string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Connect to a bridge server as an interactive peer",
		Run: func(cmd *cobra.Command, args []string) {
			runChat(addr, token, clientID, chatType, name)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8080/ws", "bridge websocket URL")
	cmd.Flags().StringVar(&token, "token", "", "auth token")
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id to present (default: generated)")
	cmd.Flags().StringVar(&chatType, "chat-type", wire.ChatDirect, "chat type: direct or group")
	cmd.Flags().StringVar(&name, "name", "cli", "sender display name")
	return cmd
}

func runChat(addr, token, clientID, chatType, name string) {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	if clientID == "" {
		clientID = "cli-" + uuid.NewString()[:8]
	}

	c := client.New(client.Config{
		URL:      addr,
		Token:    token,
		ClientID: clientID,
	}, func(ev wire.Event) {
		switch ev.Type {
		case wire.TypeMessageSend:
			chunk, err := client.DecodeChunk(ev)
			if err != nil {
				return
			}
			fmt.Printf("\rBridge: %s\nYou: ", chunk.Content)
		case wire.TypeThinkingStart:
			fmt.Fprint(os.Stderr, "\r(thinking...)\nYou: ")
		case wire.TypeConnectionOpen:
			var open wire.ConnectionOpen
			if ev.Payload(&open) == nil {
				fmt.Fprintf(os.Stderr, "connected as %s\n", open.ChatID)
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	// Wait briefly for the handshake before reading stdin.
	deadline := time.Now().Add(5 * time.Second)
	for c.State() != client.StateConnected && time.Now().Before(deadline) {
		select {
		case <-c.Done():
			fmt.Fprintf(os.Stderr, "connection failed: %v\n", c.Err())
			os.Exit(1)
		case <-time.After(50 * time.Millisecond):
		}
	}

	fmt.Fprintf(os.Stderr, "OmniBridge chat (client: %s)\nType \"exit\" to quit\n\n", c.ClientID())

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		msg := wire.InboundMessage{
			MessageID:   uuid.NewString(),
			ChatID:      c.ClientID(),
			ChatType:    chatType,
			SenderID:    c.ClientID(),
			SenderName:  name,
			MessageType: wire.ContentText,
			Content:     input,
			Timestamp:   time.Now().UnixMilli(),
		}
		if err := c.SendMessage(ctx, msg); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}
