// Command fieldledger-desktop runs a desktop sync node: the local API for
// front ends, background sync with the server and offline export/import.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fieldledger/fieldledger/backend/internal/app"
	"github.com/fieldledger/fieldledger/backend/internal/config"
	"github.com/fieldledger/fieldledger/backend/internal/credstore"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/export"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/sync/client"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/s3"
)

var version = "dev"

var (
	cfgFile string

	adminToken string
	serverURL  string

	passphrase string
	outputPath string
	upload     bool
	keep       int
	objectName string
	remote     bool
)

var rootCmd = &cobra.Command{
	Use:           "fieldledger-desktop",
	Short:         "FieldLedger desktop node",
	Long:          `Offline-first desktop node that syncs with a FieldLedger server`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	registerCmd.Flags().StringVar(&adminToken, "admin-token", "", "server admin token, if the server requires one")
	registerCmd.Flags().StringVar(&serverURL, "server", "", "server URL (default: node.server_url)")

	exportCmd.Flags().StringVar(&passphrase, "passphrase", "", "seal the file with this passphrase")
	exportCmd.Flags().StringVarP(&outputPath, "out", "o", "", "output file (default: generated name in export.dir)")
	exportCmd.Flags().BoolVar(&upload, "upload", false, "also upload the file to the configured bucket")
	exportCmd.Flags().IntVar(&keep, "keep", 0, "prune export.dir to the newest N files (0 keeps all)")

	importCmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase of a sealed file")
	importCmd.Flags().StringVar(&objectName, "object", "", "import this object from the configured bucket instead of a file")

	statusCmd.Flags().BoolVar(&remote, "remote", false, "also ask the server for this node's status")

	rootCmd.AddCommand(versionCmd, registerCmd, runCmd, syncCmd, statusCmd, exportCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.DesktopConfig, error) {
	cfg, err := config.LoadDesktop(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Logging.Level))
	return cfg, nil
}

func printYAML(v interface{}) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func newTransport(cfg *config.DesktopConfig, url, token string) *client.HTTPTransport {
	t := client.New(url, token, cfg.Sync.RequestTimeout)
	if cfg.Node.InsecureSkipVerify {
		logging.Warn("TLS certificate verification is disabled", map[string]interface{}{"server": url})
		t.HTTPClient.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return t
}

// node is an opened desktop: configuration, credentials and a bound stack.
type node struct {
	cfg   *config.DesktopConfig
	creds *credstore.Credentials
	stack *app.Stack
}

func (n *node) Close() {
	n.stack.Close()
}

// openNode opens the stack of a registered node with its HTTP transport.
func openNode(ctx context.Context) (*node, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := credstore.Open(cfg.Database.DataDir, cfg.Node.MachineID)
	if err != nil {
		return nil, err
	}
	creds, err := store.Load()
	store.Close()
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
			return nil, fmt.Errorf("%w (run 'fieldledger-desktop register' first)", err)
		}
		return nil, err
	}

	stack, err := app.OpenDesktop(ctx, cfg, newTransport(cfg, creds.ServerURL, creds.Token))
	if err != nil {
		return nil, err
	}
	if !stack.Bound() {
		stack.Close()
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "credentials exist but the node has not joined a server")
	}
	return &node{cfg: cfg, creds: creds, stack: stack}, nil
}

func (n *node) exportService(ctx context.Context) (*export.Service, error) {
	var objects export.ObjectStore
	if n.cfg.Export.S3.Bucket != "" {
		bucket, err := s3.New(ctx, s3.FromConfig(n.cfg.Export.S3))
		if err != nil {
			return nil, err
		}
		objects = bucket
	}
	return export.NewService(n.stack.Engine, n.cfg.Export.Dir, objects), nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fieldledger-desktop %s\n", version)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this node with the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Node.Code == "" {
			return apperrors.New(apperrors.ErrInvalid, "node.code is required to register")
		}
		url := serverURL
		if url == "" {
			url = cfg.Node.ServerURL
		}

		stack, err := app.OpenDesktop(ctx, cfg, nil)
		if err != nil {
			return err
		}
		defer stack.Close()
		if stack.Bound() {
			return apperrors.New(apperrors.ErrDuplicate, "this node is already registered")
		}

		reg, err := newTransport(cfg, url, "").Register(ctx, adminToken, cfg.Node.Code, cfg.Node.Name)
		if err != nil {
			return err
		}
		// Credentials first: a node row without a token could never sync.
		store, err := credstore.Open(cfg.Database.DataDir, cfg.Node.MachineID)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Save(&credstore.Credentials{
			NodeID:       reg.NodeID,
			ServerNodeID: reg.ServerNodeID,
			ServerURL:    url,
			Token:        reg.Token,
		}); err != nil {
			return err
		}
		if _, err := stack.Nodes.Join(ctx, nodes.Membership{
			NodeID:     reg.NodeID,
			Code:       cfg.Node.Code,
			Name:       cfg.Node.Name,
			ServerID:   reg.ServerNodeID,
			ServerCode: reg.ServerCode,
			ServerURL:  url,
		}); err != nil {
			return err
		}

		logging.Audit("node registered with server", map[string]interface{}{
			"node_id": reg.NodeID,
			"server":  url,
		})
		return printYAML(map[string]string{
			"node_id":        reg.NodeID,
			"server_node_id": reg.ServerNodeID,
			"server_url":     url,
			"schema_version": reg.SchemaVersion,
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync with the server and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd.Context())
		if err != nil {
			return err
		}
		defer n.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		defer cancel()
		res, err := n.stack.Engine.RunOnce(ctx)
		if err != nil {
			return err
		}
		return printYAML(res)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending changes and the last exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()

		out := map[string]interface{}{"node_id": n.creds.NodeID, "server_url": n.creds.ServerURL}
		st, err := n.stack.Nodes.Status(ctx, n.creds.ServerNodeID)
		if err != nil {
			return err
		}
		out["server_peer"] = st
		if remote {
			rst, err := newTransport(n.cfg, n.creds.ServerURL, n.creds.Token).Status(ctx, n.creds.NodeID)
			if err != nil {
				out["remote_error"] = err.Error()
			} else {
				out["remote"] = rst
			}
		}
		return printYAML(out)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write pending changes to a file for offline transfer",
	Long: `Write pending changes to a file for offline transfer.

A file carries one packet. Exporting again before the server's reply file
has been imported writes the same packet. When the result reports
more: true, import the reply and export again to send the rest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()
		svc, err := n.exportService(ctx)
		if err != nil {
			return err
		}
		res, err := svc.Export(ctx, export.ExportConfig{
			PeerNodeID: n.creds.ServerNodeID,
			OutputPath: outputPath,
			Passphrase: passphrase,
			Upload:     upload,
		})
		if err != nil {
			return err
		}
		if keep > 0 {
			if _, err := export.Prune(n.cfg.Export.Dir, keep); err != nil {
				logging.Warn("failed to prune exports", map[string]interface{}{"error": err.Error()})
			}
		}
		return printYAML(res)
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Apply an export file received from the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (len(args) == 0) == (objectName == "") {
			return apperrors.New(apperrors.ErrInvalid, "give either a file or --object")
		}
		ctx := cmd.Context()
		n, err := openNode(ctx)
		if err != nil {
			return err
		}
		defer n.Close()
		svc, err := n.exportService(ctx)
		if err != nil {
			return err
		}
		var res *export.ImportResult
		if objectName != "" {
			res, err = svc.ImportFromStore(ctx, objectName, passphrase)
		} else {
			res, err = svc.Import(ctx, export.ImportConfig{Path: args[0], Passphrase: passphrase})
		}
		if err != nil {
			return err
		}
		return printYAML(res)
	},
}
