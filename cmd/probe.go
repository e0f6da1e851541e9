package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/omnibridge/internal/client"
)

func probeCmd() *cobra.Command {
	var (
		addr  string
		token string
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that a bridge server accepts connections",
		Run: func(cmd *cobra.Command, args []string) {
			runProbe(addr, token)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "ws://localhost:8080/ws", "bridge websocket URL")
	cmd.Flags().StringVar(&token, "token", "", "auth token")
	return cmd
}

// runProbe performs one dial and handshake against the server and reports
// the outcome. No reconnect attempts.
func runProbe(addr, token string) {
	c := client.New(client.Config{
		URL:         addr,
		Token:       token,
		MaxAttempts: 1,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == client.StateConnected {
			fmt.Printf("ok: connected to %s as %s\n", addr, c.ClientID())
			return
		}
		select {
		case <-c.Done():
			fmt.Fprintf(os.Stderr, "probe failed: %v\n", c.Err())
			os.Exit(1)
		case <-time.After(50 * time.Millisecond):
		}
	}
	fmt.Fprintln(os.Stderr, "probe failed: timed out")
	os.Exit(1)
}
