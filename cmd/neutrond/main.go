package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/neutronlabs/neutron/internal/audit"
	"github.com/neutronlabs/neutron/internal/cache"
	"github.com/neutronlabs/neutron/internal/config"
	"github.com/neutronlabs/neutron/internal/identity"
	"github.com/neutronlabs/neutron/internal/mesh"
	"github.com/neutronlabs/neutron/internal/perm"
	"github.com/neutronlabs/neutron/internal/store"
	"github.com/neutronlabs/neutron/internal/team"
	"github.com/neutronlabs/neutron/internal/workflow"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var flagConfig string

func main() {
	rootCmd := &cobra.Command{
		Use:   "neutrond",
		Short: "Private collaboration core daemon",
		Long: `Neutrond is the collaboration core for a private, offline-first
workspace: chat memory, workflows, team boundaries, and LAN peer sync.

All state lives in local SQLite databases. Peers exchange operation
logs directly over the local network; no cloud service is involved.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "Path to neutron.yaml")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("neutrond v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(founderCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "neutron.yaml"
	}
	return filepath.Join(home, ".neutron", "neutron.yaml")
}

// core is the shared wiring every command builds on: the storage substrate
// plus the sync engine around it.
type core struct {
	cfg      *config.Config
	store    *store.Store
	audit    *audit.Log
	cache    *cache.Cache
	teams    *team.Service
	perms    *perm.Engine
	tracker  *mesh.Tracker
	applier  *mesh.Applier
	state    *mesh.SyncState
	registry *mesh.PeerRegistry
	engine   *mesh.Engine
	feed     *mesh.Broadcaster
}

func openCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	peerID, err := identity.PeerID(cfg.DataDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	var keys mesh.KeyStore
	if decoded := cfg.DecodedTeamKeys(); decoded != nil {
		keys = mesh.StaticKeys(decoded)
	}

	c := &core{
		cfg:   cfg,
		store: st,
		audit: audit.NewLog(st),
		cache: cache.New(),
	}
	c.teams = team.New(st, c.audit)
	c.perms = perm.New(st, c.cache, c.audit)
	if err := c.perms.Seed(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("seed permissions: %w", err)
	}

	c.tracker, err = mesh.NewTracker(st, peerID, keys)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	c.feed = mesh.NewBroadcaster()
	c.applier = mesh.NewApplier(st, peerID, keys, c.teams, c.feed)
	c.applier.RequireSignatures(cfg.RequireSignatures)
	c.state = mesh.NewSyncState(st)

	c.registry, err = mesh.NewPeerRegistry(filepath.Join(cfg.DataDir, "peers.json"))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	for _, seed := range cfg.Peers {
		if c.registry.GetPeer(seed.PeerID) != nil {
			continue
		}
		err := c.registry.AddPeer(&mesh.Peer{
			PeerID: seed.PeerID,
			Name:   seed.Name,
			Host:   seed.Host,
			Port:   seed.Port,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("seed peer %s: %w", seed.PeerID, err)
		}
	}

	c.engine = mesh.NewEngine(c.tracker, c.applier, mesh.NewExchangeClient(), c.registry, c.state)
	return c, nil
}

func (c *core) close() {
	_ = c.store.Close()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Runs the daemon: the peer exchange endpoint, the websocket change
feed, the cron sync scheduler, the promotion sweeper, and the file
trigger watcher.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			workflows := workflow.New(c.store, c.tracker)
			dispatcher := workflow.NewDispatcher(workflows, workflow.SubstringMatcher)
			watcher := workflow.NewWatcher(dispatcher, c.cfg.WatchRoots)
			scheduler := mesh.NewScheduler(c.engine, c.cfg.SyncSchedule)
			sweeper := team.NewSweeper(c.teams, c.cfg.SweepSchedule)

			mux := http.NewServeMux()
			mux.Handle(mesh.ExchangePath, mesh.NewExchangeHandler(c.tracker, c.applier, c.state))
			mux.Handle(mesh.ChangeFeedPath, c.feed)

			server := &http.Server{
				Addr:              c.cfg.ListenAddr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				err := server.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
			g.Go(func() error { return scheduler.Run(ctx) })
			g.Go(func() error { return sweeper.Run(ctx) })
			g.Go(func() error { return watcher.Run(ctx) })

			fmt.Printf("neutrond listening on %s (peer %s, %d peers known)\n",
				c.cfg.ListenAddr, c.tracker.PeerID(), c.registry.Len())

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [peer-id]",
		Short: "Run one sync round now",
		Long:  "Syncs with the named peer, or with every registered peer when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			if len(args) == 0 {
				c.engine.SyncAll(ctx)
				return nil
			}

			summary, err := c.engine.SyncWithPeer(ctx, args[0], nil)
			if err != nil {
				return err
			}
			if summary == nil {
				fmt.Printf("peer %s is already syncing, skipped\n", args[0])
				return nil
			}
			fmt.Printf("synced with %s: sent=%d received=%d conflicts=%d\n",
				summary.PeerID, summary.Sent, summary.Received, summary.Conflicts)
			return nil
		},
	}
}

func peerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Manage sync peers",
	}

	var addName, addHost string
	var addPort int
	addCmd := &cobra.Command{
		Use:   "add <peer-id>",
		Short: "Register a sync peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			err = c.registry.AddPeer(&mesh.Peer{
				PeerID: args[0],
				Name:   addName,
				Host:   addHost,
				Port:   addPort,
			})
			if err != nil {
				return err
			}
			fmt.Printf("added peer %s (%s:%d)\n", args[0], addHost, addPort)
			return nil
		},
	}
	addCmd.Flags().StringVar(&addName, "name", "", "Human-friendly peer name")
	addCmd.Flags().StringVar(&addHost, "host", "", "Peer host or IP (required)")
	addCmd.Flags().IntVar(&addPort, "port", 7433, "Peer port")
	_ = addCmd.MarkFlagRequired("host")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := openCore(ctx)
			if err != nil {
				return err
			}
			defer c.close()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PEER\tNAME\tADDRESS\tSTATUS\tLAST SYNC")
			for _, p := range c.registry.ListPeers() {
				ps, err := c.state.Get(ctx, p.PeerID)
				if err != nil {
					return err
				}
				lastSync := ps.LastSync
				if lastSync == "" {
					lastSync = "never"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.PeerID, p.Name, p.Addr(), ps.Status, lastSync)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <peer-id>",
		Short: "Remove a sync peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.registry.RemovePeer(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed peer %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func founderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "founder",
		Short: "Manage founder (god rights) delegation",
	}

	var grantNotes string
	grantCmd := &cobra.Command{
		Use:   "grant <user-id>",
		Short: "Delegate founder rights to a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			key, err := promptAuthKey("Auth key for " + args[0] + ": ")
			if err != nil {
				return err
			}
			if err := c.perms.GrantFounder(cmd.Context(), "cli", args[0], key, grantNotes); err != nil {
				return err
			}
			fmt.Printf("founder rights granted to %s\n", args[0])
			return nil
		},
	}
	grantCmd.Flags().StringVar(&grantNotes, "notes", "", "Reason for the delegation")
	cmd.AddCommand(grantCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Revoke a user's founder rights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.perms.RevokeFounder(cmd.Context(), "cli", args[0]); err != nil {
				return err
			}
			fmt.Printf("founder rights revoked for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reactivate <user-id>",
		Short: "Reactivate previously revoked founder rights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			if err := c.perms.ReactivateFounder(cmd.Context(), "cli", args[0]); err != nil {
				return err
			}
			fmt.Printf("founder rights reactivated for %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check <user-id>",
		Short: "Verify a user's founder auth key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(cmd.Context())
			if err != nil {
				return err
			}
			defer c.close()

			key, err := promptAuthKey("Auth key for " + args[0] + ": ")
			if err != nil {
				return err
			}
			ok, err := c.perms.CheckFounder(cmd.Context(), args[0], key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("auth key rejected for %s", args[0])
			}
			fmt.Printf("auth key verified for %s\n", args[0])
			return nil
		},
	})

	return cmd
}

// promptAuthKey reads a secret from stdin, hiding the input when stdin is a
// terminal.
func promptAuthKey(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		key, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read auth key: %w", err)
		}
		return string(key), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read auth key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
