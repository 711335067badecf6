package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/docsync/internal/config"
	"github.com/mschirtzinger/docsync/internal/fsprovider"
	_ "github.com/mschirtzinger/docsync/internal/fsprovider/diskfs"
	_ "github.com/mschirtzinger/docsync/internal/fsprovider/virtualfs"
	"github.com/mschirtzinger/docsync/internal/logging"
	"github.com/mschirtzinger/docsync/internal/ui"
)

var (
	configFile string
	debug      bool
	rootDir    string

	cfg     *config.Config
	cfgUsed string
	logs    *logging.Logs
)

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Keep files and collaborative documents in sync",
	Long: `docsync binds files in a workspace to collaborative documents.

File edits flow into the bound documents, document edits are written back to
the files, and documents are persisted locally and exchanged with peers
through a relay, surviving offline periods.

Settings come from flags, DOCSYNC_* environment variables and a docsync.yaml
config file (see 'docsync config init').`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, cfgUsed, err = config.Load(configFile)
		if err != nil {
			return err
		}
		if debug {
			cfg.Log.Debug = true
		}
		logs = logging.Open(logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			Debug:      cfg.Log.Debug,
		})
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logs != nil {
			return logs.Close()
		}
		return nil
	},
}

// openProvider opens the workspace backend selected by the configuration.
func openProvider() (fsprovider.Provider, error) {
	opts := fsprovider.Options{Kind: fsprovider.Kind(cfg.FS.Kind)}
	switch opts.Kind {
	case fsprovider.KindDisk:
		opts.Root = rootDir
	case fsprovider.KindVirtual:
		opts.DBPath = cfg.FS.DB
	}

	p, err := fsprovider.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s workspace: %w", opts.Kind, err)
	}
	return p, nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./docsync.yaml, ~/.config/docsync/docsync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", ".", "Workspace directory for the disk backend")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "files", Title: "Workspace Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
