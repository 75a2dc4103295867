// Package app assembles the sync stack of one node from its configuration.
package app

import (
	"context"

	"github.com/fieldledger/fieldledger/backend/internal/config"
	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/services"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
	"github.com/fieldledger/fieldledger/backend/internal/sync/conflict"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/packet"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
	"github.com/fieldledger/fieldledger/backend/internal/sync/serializer"
	"github.com/fieldledger/fieldledger/backend/internal/sync/tracker"
)

// Options selects the database and sync settings of a node.
type Options struct {
	Role      models.NodeRole
	Database  config.DatabaseConfig
	Schema    config.SchemaConfig
	Packets   config.PacketConfig
	Conflicts config.ConflictConfig
	MaxRounds int
}

// Stack holds the components of one node. Resolver, Entities and Engine are
// set by Bind once the local node id is known.
type Stack struct {
	Role       models.NodeRole
	DB         *db.DB
	Registry   *registry.Registry
	Store      *db.EntityStore
	Serializer *serializer.Serializer
	Tracker    *tracker.Tracker
	Packets    *packet.Manager
	Nodes      *nodes.Registry

	Resolver *conflict.Resolver
	Entities *services.EntityService
	Engine   *syncpkg.Engine

	policies  conflict.Config
	maxRounds int
}

// Open opens and migrates the database and builds the node-independent
// components.
func Open(ctx context.Context, opts Options) (*Stack, error) {
	policies, err := conflict.ConfigFrom(opts.Conflicts.DefaultPolicy, opts.Conflicts.Policies)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(opts.Database)
	if err != nil {
		return nil, err
	}
	reg := registry.Default()
	store := db.NewEntityStore(reg)
	if err := db.Prepare(ctx, conn, store); err != nil {
		conn.Close()
		return nil, err
	}

	ser := serializer.New(reg)
	packets := packet.NewManager(ser, store, packet.Config{
		MaxChanges: opts.Packets.MaxChanges,
		MaxBytes:   opts.Packets.MaxBytes,
		AckTimeout: opts.Packets.AckTimeout,
	})
	s := &Stack{
		Role:       opts.Role,
		DB:         conn,
		Registry:   reg,
		Store:      store,
		Serializer: ser,
		Tracker:    tracker.New(reg, opts.Role),
		Packets:    packets,
		Nodes:      nodes.New(conn, store, packets, nodes.Schema{Current: opts.Schema.Version, Min: opts.Schema.MinVersion}),
		policies:   policies,
		maxRounds:  opts.MaxRounds,
	}
	logging.Info("database ready", map[string]interface{}{
		"driver":   string(conn.Dialect()),
		"role":     string(opts.Role),
		"entities": reg.Names(),
	})
	return s, nil
}

// Bind builds the components that act as localNodeID. transport is nil on
// the server.
func (s *Stack) Bind(localNodeID string, transport syncpkg.Transport) {
	s.Resolver = conflict.NewResolver(s.policies, s.Serializer, s.Store, s.Tracker, localNodeID)
	s.Entities = services.NewEntityService(s.DB, s.Store, s.Tracker, localNodeID)
	s.Engine = syncpkg.NewEngine(syncpkg.Config{
		DB:          s.DB,
		Store:       s.Store,
		Serializer:  s.Serializer,
		Tracker:     s.Tracker,
		Resolver:    s.Resolver,
		Packets:     s.Packets,
		Nodes:       s.Nodes,
		LocalNodeID: localNodeID,
		Transport:   transport,
		MaxRounds:   s.maxRounds,
	})
}

// OpenServer opens the server stack, creating the server's node row on first
// start.
func OpenServer(ctx context.Context, cfg *config.ServerConfig) (*Stack, error) {
	s, err := Open(ctx, Options{
		Role:      models.RoleServer,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Packets:   cfg.Packets,
		Conflicts: cfg.Conflicts,
	})
	if err != nil {
		return nil, err
	}
	local, err := s.Nodes.EnsureLocal(ctx, models.RoleServer, "server", "Server")
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Bind(string(local.ID), nil)
	return s, nil
}

// OpenDesktop opens a desktop stack. It is bound only when the node has
// joined a server; otherwise Engine stays nil and BindDesktop must be called
// after registration.
func OpenDesktop(ctx context.Context, cfg *config.DesktopConfig, transport syncpkg.Transport) (*Stack, error) {
	s, err := Open(ctx, Options{
		Role:      models.RoleDesktop,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Packets:   cfg.Packets,
		Conflicts: cfg.Conflicts,
		MaxRounds: cfg.Sync.MaxRounds,
	})
	if err != nil {
		return nil, err
	}
	if err := s.BindDesktop(ctx, transport); err != nil && !apperrors.Is(err, apperrors.ErrSyncNotConfigured) {
		s.Close()
		return nil, err
	}
	return s, nil
}

// BindDesktop binds the stack to the joined local node. An unregistered
// node fails with SYNC_NOT_CONFIGURED.
func (s *Stack) BindDesktop(ctx context.Context, transport syncpkg.Transport) error {
	local, err := s.Nodes.LocalNode(ctx)
	if err != nil {
		return err
	}
	s.Bind(string(local.ID), transport)
	return nil
}

// Bound reports whether Bind has run.
func (s *Stack) Bound() bool {
	return s.Engine != nil
}

// Close closes the database.
func (s *Stack) Close() error {
	return s.DB.Close()
}
