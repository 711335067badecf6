package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/docsync/internal/relay"
	"github.com/mschirtzinger/docsync/internal/store"
	"github.com/mschirtzinger/docsync/internal/ui"
)

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "sync",
	Short:   "Run the collaboration relay",
	Long: `Run a relay that connects docsync peers.

Each document is a room. The relay keeps an ordered log of every room's
updates, replays what a reconnecting peer missed, acknowledges updates so
peers can drop them from their outbox, and forwards presence messages.

With --db (or relay.db) the room logs survive restarts.

Endpoints:
  ws://<addr>/ws/<room>   peer connections
  http://<addr>/health    health check (JSON)
  http://<addr>/metrics   Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.Relay.Addr
		if cmd.Flags().Changed("addr") {
			addr, _ = cmd.Flags().GetString("addr")
		}
		dbPath := cfg.Relay.DB
		if cmd.Flags().Changed("db") {
			dbPath, _ = cmd.Flags().GetString("db")
		}

		var db *store.DB
		if dbPath != "" {
			var err error
			db, err = store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("failed to open relay database: %w", err)
			}
			defer db.Close()
		}

		server := relay.NewServer(&relay.Config{
			Addr:         addr,
			DB:           db,
			HelloTimeout: cfg.Relay.HelloTimeout,
			Logger:       logs.New("relay"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}

		listen := server.GetAddr()
		fmt.Printf("%s Relay listening on %s\n", ui.RenderPass("✓"), listen)
		fmt.Printf("   Peers:   ws://%s/ws/<room>\n", listen)
		fmt.Printf("   Health:  http://%s/health\n", listen)
		fmt.Printf("   Metrics: http://%s/metrics\n", listen)
		if db != nil {
			fmt.Printf("   Room logs: %s\n", dbPath)
		} else {
			fmt.Printf("   Room logs: %s\n", ui.RenderMuted("in memory"))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}
		fmt.Println("Relay stopped")
		return nil
	},
}

func init() {
	relayCmd.Flags().String("addr", ":8787", "Address to listen on")
	relayCmd.Flags().String("db", "", "SQLite file for durable room logs")

	rootCmd.AddCommand(relayCmd)
}
