// Command fieldledger-server runs the central sync server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/fieldledger/fieldledger/backend/cmd/server/handlers"
	"github.com/fieldledger/fieldledger/backend/internal/app"
	"github.com/fieldledger/fieldledger/backend/internal/config"
	"github.com/fieldledger/fieldledger/backend/internal/db"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
)

var version = "dev"

var (
	cfgFile  string
	downFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "fieldledger-server",
	Short:         "FieldLedger sync server",
	Long:          `Central sync server for FieldLedger desktop nodes`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	migrateCmd.Flags().BoolVar(&downFlag, "down", false, "roll back the last migration")

	nodesCmd.AddCommand(nodesListCmd, nodesRegisterCmd, nodesTokenCmd, nodesDeactivateCmd, nodesUnblockCmd, nodesStatusCmd)
	rootCmd.AddCommand(versionCmd, serveCmd, migrateCmd, nodesCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.ServerConfig, error) {
	cfg, err := config.LoadServer(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Logging.Level))
	return cfg, nil
}

// openStack loads the configuration and opens the server stack.
func openStack(ctx context.Context) (*config.ServerConfig, *app.Stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	stack, err := app.OpenServer(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, stack, nil
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fieldledger-server %s\n", version)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, stack, err := openStack(ctx)
		if err != nil {
			return err
		}
		defer stack.Close()

		web := handlers.NewApp(handlers.New(stack, handlers.Options{
			AdminToken:     cfg.HTTP.AdminToken,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			BodyLimit:      cfg.HTTP.BodyLimit,
			Version:        version,
		}))
		if cfg.HTTP.AdminToken == "" {
			logging.Warn("no admin token configured: registration is open and the admin API is disabled")
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logging.Info("sync server listening", map[string]interface{}{
				"addr":           cfg.HTTP.ListenAddr,
				"tls":            cfg.HTTP.TLSCert != "",
				"schema_version": cfg.Schema.Version,
				"node_id":        stack.Engine.LocalNodeID(),
			})
			if cfg.HTTP.TLSCert != "" {
				return web.ListenTLS(cfg.HTTP.ListenAddr, cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
			}
			return web.Listen(cfg.HTTP.ListenAddr)
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return web.ShutdownWithContext(sctx)
		})
		g.Go(func() error {
			watchPackets(gctx, stack.Nodes, cfg.Packets.AckTimeout)
			return nil
		})

		if err := g.Wait(); err != nil {
			return err
		}
		logging.Info("sync server stopped")
		return nil
	},
}

// watchPackets logs packets that have waited longer than ackTimeout for an
// acknowledgement. They are resent on the node's next exchange.
func watchPackets(ctx context.Context, reg *nodes.Registry, ackTimeout time.Duration) {
	if ackTimeout <= 0 {
		ackTimeout = 2 * time.Minute
	}
	ticker := time.NewTicker(ackTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := reg.Statistics(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logging.Error("statistics failed", err)
				}
				continue
			}
			if st.PacketsOverdue > 0 || st.BlockedNodes > 0 {
				logging.Warn("sync backlog", map[string]interface{}{
					"packets_overdue": st.PacketsOverdue,
					"blocked_nodes":   st.BlockedNodes,
					"manual_pending":  st.ManualPending,
				})
			}
		}
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		conn, err := db.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()

		m := db.NewMigrator(conn)
		if downFlag {
			if err := m.Down(ctx); err != nil {
				return err
			}
		} else if err := db.Prepare(ctx, conn, db.NewEntityStore(registry.Default())); err != nil {
			return err
		}
		v, err := m.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("schema migration version: %d\n", v)
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Manage desktop nodes",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, stack, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer stack.Close()
		list, err := stack.Nodes.List(cmd.Context())
		if err != nil {
			return err
		}
		return printYAML(list)
	},
}

var nodesRegisterCmd = &cobra.Command{
	Use:   "register <code> [name]",
	Short: "Register a desktop node and print its token",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, stack, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer stack.Close()
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		node, token, err := stack.Nodes.Register(cmd.Context(), args[0], name)
		if err != nil {
			return err
		}
		return printYAML(map[string]string{
			"node_id":        string(node.ID),
			"code":           node.Code,
			"token":          token,
			"server_node_id": stack.Engine.LocalNodeID(),
		})
	},
}

var nodesTokenCmd = &cobra.Command{
	Use:   "token <node-id>",
	Short: "Issue a new token for a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, stack, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer stack.Close()
		token, err := stack.Nodes.RotateToken(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var nodesDeactivateCmd = &cobra.Command{
	Use:   "deactivate <node-id>",
	Short: "Retire a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, stack, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer stack.Close()
		return stack.Nodes.Deactivate(cmd.Context(), args[0])
	},
}

var nodesUnblockCmd = &cobra.Command{
	Use:   "unblock <node-id>",
	Short: "Let a blocked node exchange again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, stack, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer stack.Close()
		return stack.Nodes.Unblock(cmd.Context(), args[0])
	},
}

var nodesStatusCmd = &cobra.Command{
	Use:   "status <node-id>",
	Short: "Show queue depth and last exchange of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, stack, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer stack.Close()
		st, err := stack.Nodes.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printYAML(st)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sync statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, stack, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer stack.Close()
		st, err := stack.Nodes.Statistics(cmd.Context())
		if err != nil {
			return err
		}
		return printYAML(st)
	},
}
