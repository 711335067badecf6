package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/docsync/internal/loadtest"
	"github.com/mschirtzinger/docsync/internal/relay"
	"github.com/mschirtzinger/docsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "sync",
	Short:   "Measure relay latency with simulated editors",
	Long: `Run simulated editors against a relay and report latencies.

Each editor appends to its own part of a shared document and waits for the
relay to acknowledge every edit; an observer replica records when each edit
arrives. After the run every replica must hold the same document.

Without --relay an in-process relay on a random local port is used.

Example usage:
  docsync loadtest                                  # 10 editors x 20 edits, local relay
  docsync loadtest --editors 100 --edits 50
  docsync loadtest --relay http://relay.local:8787`,
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint, _ := cmd.Flags().GetString("relay")
		editors, _ := cmd.Flags().GetInt("editors")
		edits, _ := cmd.Flags().GetInt("edits")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		if endpoint == "" {
			server := relay.NewServer(&relay.Config{
				Addr:   "127.0.0.1:0",
				Logger: logs.Debug("relay"),
			})
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start local relay: %w", err)
			}
			defer server.Stop()
			endpoint = "http://" + server.GetAddr()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("%s Running %d editors x %d edits against %s...\n",
			ui.RenderAccent("⏱"), editors, edits, endpoint)
		res, err := loadtest.Run(ctx, loadtest.Options{
			Endpoint:       endpoint,
			Editors:        editors,
			EditsPerEditor: edits,
			Timeout:        timeout,
			Logger:         logs.Debug("loadtest"),
		})
		if err != nil {
			return err
		}

		fmt.Println()
		printLatency("Acknowledgement", res.Ack)
		printLatency("Propagation", res.Propagation)
		fmt.Print(ui.KeyValues([][2]string{
			{"Elapsed", res.Elapsed.Round(time.Millisecond).String()},
			{"Errors", fmt.Sprintf("%d", res.Errors)},
		}))

		if err := res.Check(); err != nil {
			return err
		}
		fmt.Printf("%s All replicas converged\n", ui.RenderPass("✓"))
		return nil
	},
}

func printLatency(title string, s *loadtest.LatencyStats) {
	fmt.Println(ui.RenderAccent(title))
	round := func(d time.Duration) string { return d.Round(time.Microsecond).String() }
	fmt.Print(ui.KeyValues([][2]string{
		{"  Samples", fmt.Sprintf("%d", s.Samples)},
		{"  Min", round(s.Min)},
		{"  P50", round(s.P50)},
		{"  Mean", round(s.Mean)},
		{"  P95", round(s.P95)},
		{"  P99", round(s.P99)},
		{"  Max", round(s.Max)},
	}))
	fmt.Println()
}

func init() {
	loadtestCmd.Flags().String("relay", "", "Relay URL (default: in-process relay)")
	loadtestCmd.Flags().Int("editors", 10, "Number of concurrent editors")
	loadtestCmd.Flags().Int("edits", 20, "Edits per editor")
	loadtestCmd.Flags().Duration("timeout", 30*time.Second, "Bound for connecting, each acknowledgement and convergence")

	rootCmd.AddCommand(loadtestCmd)
}
