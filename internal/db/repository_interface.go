package db

import (
	"context"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/models"
)

// NodeRepository defines operations for sync node persistence.
type NodeRepository interface {
	CreateNode(ctx context.Context, n *models.SyncNode) error
	GetNode(ctx context.Context, id string) (*models.SyncNode, error)
	GetNodeByCode(ctx context.Context, code string) (*models.SyncNode, error)
	ListNodes(ctx context.Context) ([]*models.SyncNode, error)
	ListActiveNodes(ctx context.Context, role models.NodeRole) ([]*models.SyncNode, error)
	MarkReceived(ctx context.Context, id string, packetNo int64, at time.Time) error
	MarkConfirmed(ctx context.Context, id string, packetNo int64) error
	BlockNode(ctx context.Context, id, reason string) error
	UnblockNode(ctx context.Context, id string) error
	DeactivateNode(ctx context.Context, id string) error
}

// ChangeRepository defines operations for change record persistence.
type ChangeRepository interface {
	InsertChange(ctx context.Context, c *models.SyncChange) error
	UnsentChanges(ctx context.Context, nodeID string, limit int) ([]models.SyncChange, error)
	AssignPacket(ctx context.Context, ids []int64, packetNo int64) error
	DeleteAcknowledged(ctx context.Context, nodeID string, packetNo int64) (int64, error)
	PendingChangeFor(ctx context.Context, nodeID, entityUUID string) (*models.SyncChange, error)
}

// HistoryRepository defines operations for archived versions and manual conflicts.
type HistoryRepository interface {
	InsertHistory(ctx context.Context, h *models.ObjectVersionHistory) error
	ListHistory(ctx context.Context, f HistoryFilter) ([]*models.ObjectVersionHistory, error)
	InsertManualConflict(ctx context.Context, mc *models.ManualConflict) error
	ResolveManualConflict(ctx context.Context, id, resolution string, at int64) error
}

// SyncRepository combines repositories needed for sync operations.
type SyncRepository interface {
	NodeRepository
	ChangeRepository
	HistoryRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ NodeRepository    = (*Repository)(nil)
	_ ChangeRepository  = (*Repository)(nil)
	_ HistoryRepository = (*Repository)(nil)
	_ SyncRepository    = (*Repository)(nil)
)
