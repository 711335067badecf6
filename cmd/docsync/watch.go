package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/docsync/internal/collab"
	"github.com/mschirtzinger/docsync/internal/fsprovider"
	"github.com/mschirtzinger/docsync/internal/metrics"
	"github.com/mschirtzinger/docsync/internal/offline"
	"github.com/mschirtzinger/docsync/internal/remote"
	"github.com/mschirtzinger/docsync/internal/store"
	"github.com/mschirtzinger/docsync/internal/syncmgr"
	"github.com/mschirtzinger/docsync/internal/ui"
	"github.com/mschirtzinger/docsync/internal/watcher"
)

var watchCmd = &cobra.Command{
	Use:     "watch [path]",
	GroupID: "sync",
	Short:   "Sync workspace files with collaborative documents",
	Long: `Bind every matching file under path (default: /) to a collaborative
document and keep both in step until interrupted.

For each file:
  1. The document is restored from the local store (store.path)
  2. The file is bound to the document; file edits flow into the document
     and document edits are written back to the file
  3. With a relay (--remote or remote.url), the document joins the relay room
     for the file; edits made while offline are kept in a durable outbox and
     delivered when the relay is reachable again

When a file and its document both change away from the content they last
agreed on, --on-conflict decides:
  merge   three-way merge; unresolvable overlaps are left pending (default)
  local   keep the file
  remote  keep the document
  manual  leave every conflict pending

Files created after startup are not bound.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope := "/"
		if len(args) == 1 {
			scope = args[0]
		}
		exts, _ := cmd.Flags().GetStringSlice("ext")
		strategy, _ := cmd.Flags().GetString("on-conflict")
		workspace, _ := cmd.Flags().GetString("workspace")
		remoteURL := cfg.Remote.URL
		if cmd.Flags().Changed("remote") {
			remoteURL, _ = cmd.Flags().GetString("remote")
		}
		switch syncmgr.Strategy(strategy) {
		case syncmgr.StrategyMerge, syncmgr.StrategyLocal, syncmgr.StrategyRemote, syncmgr.StrategyManual:
		default:
			return fmt.Errorf("invalid --on-conflict %q (must be merge, local, remote or manual)", strategy)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		w, err := newWorkspace(ctx, workspaceOptions{
			scope:     scope,
			exts:      exts,
			remoteURL: remoteURL,
			room:      workspace,
			strategy:  syncmgr.Strategy(strategy),
		})
		if err != nil {
			return err
		}
		defer w.close()

		fmt.Printf("%s Syncing %d files under %s (%s backend)\n",
			ui.RenderPass("✓"), len(w.docs), fsprovider.Resolve(scope), cfg.FS.Kind)
		if remoteURL != "" {
			fmt.Printf("   Relay: %s\n", remoteURL)
		} else {
			fmt.Printf("   Relay: %s\n", ui.RenderMuted("none (local only)"))
		}
		fmt.Printf("   Local store: %s\n", cfg.Store.Path)
		if cfg.Metrics.Addr != "" {
			fmt.Printf("   Metrics: http://%s/metrics\n", cfg.Metrics.Addr)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		err = w.run(ctx)
		fmt.Println("\nStopping sync...")
		w.printSummary()
		return err
	},
}

type workspaceOptions struct {
	scope     string
	exts      []string
	remoteURL string
	room      string
	strategy  syncmgr.Strategy
}

// document is one bound file with its persistence and, when a relay is
// configured, its remote link and offline manager.
type document struct {
	path    string
	doc     *collab.TextDoc
	persist *store.DocPersistence
	client  *remote.Client
	offline *offline.Manager
}

type workspace struct {
	opts     workspaceOptions
	provider fsprovider.Provider
	db       *store.DB
	sync     *syncmgr.Manager
	network  *offline.ProbeMonitor
	logger   *log.Logger

	mu   sync.Mutex
	docs []*document
}

func newWorkspace(ctx context.Context, opts workspaceOptions) (*workspace, error) {
	w := &workspace{opts: opts, logger: logs.New("watch")}
	ready := false
	defer func() {
		if !ready {
			w.close()
		}
	}()

	var err error
	w.provider, err = openProvider()
	if err != nil {
		return nil, err
	}
	w.db, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	w.sync, err = syncmgr.New(syncmgr.Config{
		Provider: w.provider,
		Logger:   logs.New("sync"),
	})
	if err != nil {
		return nil, err
	}
	w.sync.SetConflictResolver(w.resolver(ctx))

	if opts.remoteURL != "" {
		addr, err := probeAddr(opts.remoteURL)
		if err != nil {
			return nil, err
		}
		w.network = offline.NewProbeMonitor(offline.ProbeConfig{
			Addr:     addr,
			Interval: cfg.Offline.NetworkProbeInterval,
			Timeout:  cfg.Offline.ProbeTimeout,
			Logger:   logs.New("network"),
		})
	}

	paths, err := w.files(ctx)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, p := range paths {
		g.Go(func() error {
			return w.bind(gctx, p)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := w.sync.StartSync(ctx, opts.scope); err != nil {
		return nil, err
	}
	ready = true
	return w, nil
}

// files lists the files under the scope with a matching extension.
func (w *workspace) files(ctx context.Context) ([]string, error) {
	listing, err := w.provider.ListDirectory(ctx, w.opts.scope, fsprovider.ListOptions{
		Recursive: true,
		Filter: func(e fsprovider.Entry) bool {
			if e.IsDir() {
				return false
			}
			if len(w.opts.exts) == 0 {
				return true
			}
			ext := fsprovider.Extname(e.Path)
			for _, want := range w.opts.exts {
				if strings.EqualFold(ext, "."+strings.TrimPrefix(want, ".")) {
					return true
				}
			}
			return false
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", w.opts.scope, err)
	}

	paths := make([]string, len(listing.Entries))
	for i, e := range listing.Entries {
		paths[i] = e.Path
	}
	return paths, nil
}

// bind restores the document of p, links it to the relay and registers it.
func (w *workspace) bind(ctx context.Context, p string) error {
	d := &document{path: p, doc: collab.NewTextDoc()}
	d.persist = store.NewDocPersistence(w.db, p, d.doc, logs.Debug("store"))

	if w.network == nil {
		ictx, cancel := context.WithTimeout(ctx, cfg.Offline.InitTimeout)
		err := d.persist.WhenSynced(ictx)
		cancel()
		if err != nil {
			w.logger.Printf("Local copy of %s unavailable: %v", p, err)
		}
	} else {
		outbox, err := store.NewOutbox(ctx, w.db, p)
		if err != nil {
			d.persist.Close()
			return err
		}
		d.client, err = remote.New(remote.Config{
			Endpoint:       w.opts.remoteURL,
			Room:           roomName(w.opts.room, p),
			Doc:            d.doc,
			Outbox:         outbox,
			SkipOrigins:    []any{d.persist},
			DialTimeout:    cfg.Remote.DialTimeout,
			ReconnectDelay: cfg.Remote.ReconnectDelay,
			Logger:         logs.Debug("remote"),
			OnAwareness: func(client string, state []byte) {
				if state == nil {
					w.logger.Printf("%s: peer %s left", p, client)
					return
				}
				w.logger.Printf("%s: peer %s is %s", p, client, state)
			},
		})
		if err != nil {
			d.persist.Close()
			return err
		}
		if host, err := os.Hostname(); err == nil {
			_ = d.client.SetAwareness([]byte("editing on " + host))
		}

		d.offline, err = offline.Open(ctx, d.doc, d.persist, d.client, w.network, offline.Options{
			SyncInterval:   cfg.Offline.SyncInterval,
			HealthInterval: cfg.Offline.HealthInterval,
			ProbeTimeout:   cfg.Offline.ProbeTimeout,
			InitTimeout:    cfg.Offline.InitTimeout,
			ConnectTimeout: cfg.Offline.ConnectTimeout,
			Logger:         logs.New("offline"),
		})
		if err != nil {
			d.client.Close()
			d.persist.Close()
			return err
		}
		d.offline.OnError(func(err error) {
			if !errors.Is(err, offline.ErrOffline) {
				w.logger.Printf("%s: %v", p, err)
			}
		})
	}

	w.mu.Lock()
	w.docs = append(w.docs, d)
	w.mu.Unlock()

	if err := w.sync.RegisterDocument(p, d.doc); err != nil {
		return fmt.Errorf("failed to bind %s: %w", p, err)
	}
	return nil
}

// resolver applies the configured conflict strategy.
func (w *workspace) resolver(ctx context.Context) func(watcher.Conflict) {
	return func(c watcher.Conflict) {
		res := syncmgr.Resolution{Strategy: w.opts.strategy}
		switch w.opts.strategy {
		case syncmgr.StrategyManual:
			w.logger.Printf("Conflict at %s left pending", c.Path)
			return
		case syncmgr.StrategyRemote:
			res.Content = &c.Remote
		case syncmgr.StrategyMerge:
			merged, clean := syncmgr.SuggestMerge(c)
			if !clean {
				w.logger.Printf("Conflict at %s could not be merged cleanly, left pending", c.Path)
				return
			}
			res.Content = &merged
		}

		if err := w.sync.ResolveConflict(ctx, c.Path, res); err != nil {
			w.logger.Printf("Failed to resolve conflict at %s: %v", c.Path, err)
			return
		}
		w.logger.Printf("Resolved conflict at %s (%s)", c.Path, w.opts.strategy)
	}
}

// run serves metrics (when configured) until ctx is cancelled.
func (w *workspace) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadTimeout: 10 * time.Second}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

func (w *workspace) printSummary() {
	st := w.sync.GetStatus()
	rows := [][2]string{
		{"Root", st.Root},
		{"Synced files", fmt.Sprintf("%d", st.SyncedFiles)},
		{"Errors", fmt.Sprintf("%d", len(st.Errors))},
		{"Open conflicts", fmt.Sprintf("%d", len(st.Conflicts))},
	}
	if !st.LastSync.IsZero() {
		rows = append(rows, [2]string{"Last sync", st.LastSync.Format("2006-01-02 15:04:05")})
	}

	w.mu.Lock()
	pending := 0
	for _, d := range w.docs {
		if d.offline != nil {
			pending += d.offline.Status().PendingChanges
		}
	}
	w.mu.Unlock()
	if w.network != nil {
		rows = append(rows, [2]string{"Unsynced edits", fmt.Sprintf("%d", pending)})
	}

	fmt.Print(ui.KeyValues(rows))
	for _, c := range st.Conflicts {
		fmt.Printf("%s conflict at %s\n", ui.RenderWarn("⚠"), c.Path)
	}
}

// close releases everything in reverse order of creation.
func (w *workspace) close() {
	if w.sync != nil {
		if err := w.sync.StopSync(); err != nil {
			w.logger.Printf("%v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = w.sync.WaitIdle(ctx)
		cancel()
	}

	w.mu.Lock()
	docs := w.docs
	w.docs = nil
	w.mu.Unlock()
	for _, d := range docs {
		if d.offline != nil {
			if err := d.offline.Destroy(); err != nil {
				w.logger.Printf("%s: %v", d.path, err)
			}
			continue
		}
		if err := d.persist.Close(); err != nil {
			w.logger.Printf("%s: %v", d.path, err)
		}
	}

	if w.sync != nil {
		_ = w.sync.Close()
	}
	if w.network != nil {
		_ = w.network.Close()
	}
	if w.db != nil {
		_ = w.db.Close()
	}
	if w.provider != nil {
		_ = w.provider.Close()
	}
}

// roomName maps a canonical path to a relay room name. Rooms are a single
// URL path segment, so separators are replaced.
func roomName(workspace, p string) string {
	name := strings.ReplaceAll(strings.TrimPrefix(p, "/"), "/", "~")
	if workspace == "" {
		return name
	}
	return workspace + "~" + name
}

// probeAddr derives the host:port dialed to decide whether the relay is
// reachable.
func probeAddr(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid relay URL %q: missing host", endpoint)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https", "wss":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

func init() {
	watchCmd.Flags().StringSlice("ext", []string{"md", "txt"}, "File extensions to bind (empty binds every file)")
	watchCmd.Flags().String("on-conflict", string(syncmgr.StrategyMerge), "Conflict strategy: merge, local, remote or manual")
	watchCmd.Flags().String("remote", "", "Relay URL (overrides remote.url)")
	watchCmd.Flags().String("workspace", "default", "Workspace name prefixed to relay room names")

	rootCmd.AddCommand(watchCmd)
}
