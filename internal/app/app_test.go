package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/fieldledger/backend/internal/config"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
)

func serverConfig(dir string) *config.ServerConfig {
	return &config.ServerConfig{
		Database:  config.DatabaseConfig{Driver: "sqlite", DataDir: dir},
		Schema:    config.SchemaConfig{Version: "1.0.0", MinVersion: "1.0.0"},
		Packets:   config.PacketConfig{MaxChanges: 100, MaxBytes: 1 << 20},
		Conflicts: config.ConflictConfig{DefaultPolicy: "server_wins", Policies: map[string]string{"DailyReport": "timestamp_wins"}},
	}
}

func TestOpenServer_KeepsIdentityAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenServer(ctx, serverConfig(dir))
	require.NoError(t, err)
	require.True(t, s.Bound())
	id := s.Engine.LocalNodeID()
	assert.Equal(t, "timestamp_wins", string(s.Resolver.PolicyFor("DailyReport")))
	require.NoError(t, s.Close())

	s, err = OpenServer(ctx, serverConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, id, s.Engine.LocalNodeID())

	local, err := s.Nodes.LocalNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RoleServer, local.Role)
}

func TestOpen_RejectsUnknownPolicy(t *testing.T) {
	cfg := serverConfig(t.TempDir())
	cfg.Conflicts.DefaultPolicy = "coin_flip"
	_, err := OpenServer(context.Background(), cfg)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestOpenDesktop_BindsAfterJoin(t *testing.T) {
	ctx := context.Background()
	server, err := OpenServer(ctx, serverConfig(t.TempDir()))
	require.NoError(t, err)
	defer server.Close()
	node, _, err := server.Nodes.Register(ctx, "site-a", "Site A")
	require.NoError(t, err)

	cfg := &config.DesktopConfig{
		Database: config.DatabaseConfig{Driver: "sqlite", DataDir: t.TempDir()},
		Schema:   config.SchemaConfig{Version: "1.0.0"},
		Packets:  config.PacketConfig{MaxChanges: 100, MaxBytes: 1 << 20},
		Sync:     config.SyncConfig{MaxRounds: 3},
	}
	d, err := OpenDesktop(ctx, cfg, nil)
	require.NoError(t, err)
	defer d.Close()
	assert.False(t, d.Bound())
	err = d.BindDesktop(ctx, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))

	_, err = d.Nodes.Join(ctx, nodes.Membership{
		NodeID:   string(node.ID),
		Code:     "site-a",
		ServerID: server.Engine.LocalNodeID(),
	})
	require.NoError(t, err)
	require.NoError(t, d.BindDesktop(ctx, nil))
	assert.Equal(t, string(node.ID), d.Engine.LocalNodeID())
	serverID, err := d.Engine.ServerNodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, server.Engine.LocalNodeID(), serverID)
}
