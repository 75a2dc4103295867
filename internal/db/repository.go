// Package db provides repository operations for the sync bookkeeping tables.
package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
)

// Repository provides CRUD operations for the sync tables. It is bound to a
// connection or a transaction; sync code builds one per transaction.
type Repository struct {
	c Conn
}

// NewRepository creates a Repository over c.
func NewRepository(c Conn) *Repository {
	return &Repository{c: c}
}

// Conn returns the connection the repository runs on.
func (r *Repository) Conn() Conn {
	return r.c
}

func now() int64 {
	return time.Now().UnixNano()
}

// =====================================================
// Settings
// =====================================================

// Setting keys stored in sync_settings.
const (
	SettingLocalNodeID  = "local_node_id"
	SettingServerNodeID = "server_node_id"
	SettingServerURL    = "server_url"
)

// GetSetting returns a setting value and whether it exists.
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.c.QueryRowContext(ctx, "SELECT value FROM sync_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrDatabase, "get setting", err)
	}
	return value, true, nil
}

// SetSetting inserts or replaces a setting.
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	query := `INSERT INTO sync_settings (key, value) VALUES (?, ?)
			  ON CONFLICT (key) DO UPDATE SET value = excluded.value`
	if _, err := r.c.ExecContext(ctx, query, key, value); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set setting", err)
	}
	return nil
}

// =====================================================
// SyncNode Operations
// =====================================================

const nodeColumns = `id, code, name, role, token_hash, schema_version, last_inbound_at, last_outbound_at,
	last_received_packet, last_confirmed_packet, next_packet_no, is_active, is_blocked, blocked_reason,
	created_at, updated_at`

// CreateNode inserts a node. ID must already be set.
func (r *Repository) CreateNode(ctx context.Context, n *models.SyncNode) error {
	ts := now()
	if n.CreatedAt == 0 {
		n.CreatedAt = ts
	}
	n.UpdatedAt = ts
	if n.NextPacketNo == 0 {
		n.NextPacketNo = 1
	}

	query := `INSERT INTO sync_nodes (` + nodeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.c.ExecContext(ctx, query, n.ID, n.Code, n.Name, string(n.Role), n.TokenHash, n.SchemaVersion,
		n.LastInboundAt, n.LastOutboundAt, n.LastReceivedPacket, n.LastConfirmedPacket, n.NextPacketNo,
		boolInt(n.IsActive), boolInt(n.IsBlocked), n.BlockedReason, n.CreatedAt, n.UpdatedAt)
	if isUniqueViolation(err) {
		return apperrors.Wrap(apperrors.ErrDuplicate, "node code "+n.Code+" already registered", err)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "create node", err)
	}
	return nil
}

// isUniqueViolation reports whether err comes from a unique or primary key constraint.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func scanNode(row interface{ Scan(...any) error }) (*models.SyncNode, error) {
	var n models.SyncNode
	var role string
	var inbound, outbound sql.NullInt64
	var active, blocked int64
	err := row.Scan(&n.ID, &n.Code, &n.Name, &role, &n.TokenHash, &n.SchemaVersion, &inbound, &outbound,
		&n.LastReceivedPacket, &n.LastConfirmedPacket, &n.NextPacketNo, &active, &blocked, &n.BlockedReason,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	n.Role = models.NodeRole(role)
	n.IsActive = active != 0
	n.IsBlocked = blocked != 0
	if inbound.Valid {
		n.LastInboundAt = &inbound.Int64
	}
	if outbound.Valid {
		n.LastOutboundAt = &outbound.Int64
	}
	return &n, nil
}

func (r *Repository) getNode(ctx context.Context, where string, arg any) (*models.SyncNode, error) {
	row := r.c.QueryRowContext(ctx, "SELECT "+nodeColumns+" FROM sync_nodes WHERE "+where, arg)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNodeNotFound, "node %v not found", arg)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get node", err)
	}
	return n, nil
}

// GetNode retrieves a node by id.
func (r *Repository) GetNode(ctx context.Context, id string) (*models.SyncNode, error) {
	return r.getNode(ctx, "id = ?", id)
}

// GetNodeByCode retrieves a node by its unique code.
func (r *Repository) GetNodeByCode(ctx context.Context, code string) (*models.SyncNode, error) {
	return r.getNode(ctx, "code = ?", code)
}

func (r *Repository) listNodes(ctx context.Context, where string, args ...any) ([]*models.SyncNode, error) {
	query := "SELECT " + nodeColumns + " FROM sync_nodes"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY id"
	rows, err := r.c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list nodes", err)
	}
	defer rows.Close()

	var nodes []*models.SyncNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan node", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListNodes returns every node, active or not.
func (r *Repository) ListNodes(ctx context.Context) ([]*models.SyncNode, error) {
	return r.listNodes(ctx, "")
}

// ListActiveNodes returns active nodes with the given role.
func (r *Repository) ListActiveNodes(ctx context.Context, role models.NodeRole) ([]*models.SyncNode, error) {
	return r.listNodes(ctx, "is_active = 1 AND role = ?", string(role))
}

func (r *Repository) updateNode(ctx context.Context, what, set string, args ...any) error {
	res, err := r.c.ExecContext(ctx, "UPDATE sync_nodes SET "+set+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNodeNotFound, "node %v not found", args[len(args)-1])
	}
	return nil
}

// UpdateNodeToken replaces the stored token hash.
func (r *Repository) UpdateNodeToken(ctx context.Context, id, tokenHash string) error {
	return r.updateNode(ctx, "update node token", "token_hash = ?", tokenHash, now(), id)
}

// SetNodeSchemaVersion records the schema version the node last reported.
func (r *Repository) SetNodeSchemaVersion(ctx context.Context, id, version string) error {
	return r.updateNode(ctx, "update node schema", "schema_version = ?", version, now(), id)
}

// AllocatePacketNo returns the next outbound packet number for a node and
// advances the counter. Callers hold the per-node lock.
func (r *Repository) AllocatePacketNo(ctx context.Context, id string) (int64, error) {
	var next int64
	if err := r.c.QueryRowContext(ctx, "SELECT next_packet_no FROM sync_nodes WHERE id = ?", id).Scan(&next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperrors.Newf(apperrors.ErrNodeNotFound, "node %s not found", id)
		}
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "read packet counter", err)
	}
	if err := r.updateNode(ctx, "advance packet counter", "next_packet_no = ?", next+1, now(), id); err != nil {
		return 0, err
	}
	return next, nil
}

// MarkReceived records an applied inbound packet. The counter never moves back.
func (r *Repository) MarkReceived(ctx context.Context, id string, packetNo int64, at time.Time) error {
	query := `last_inbound_at = ?,
		last_received_packet = CASE WHEN last_received_packet < ? THEN ? ELSE last_received_packet END`
	return r.updateNode(ctx, "mark received", query, at.UnixNano(), packetNo, packetNo, now(), id)
}

// TouchInbound records contact from a node without moving its packet counter.
func (r *Repository) TouchInbound(ctx context.Context, id string, at time.Time) error {
	return r.updateNode(ctx, "touch inbound", "last_inbound_at = ?", at.UnixNano(), now(), id)
}

// MarkConfirmed records that a node acknowledged one of our packets.
func (r *Repository) MarkConfirmed(ctx context.Context, id string, packetNo int64) error {
	query := "last_confirmed_packet = CASE WHEN last_confirmed_packet < ? THEN ? ELSE last_confirmed_packet END"
	return r.updateNode(ctx, "mark confirmed", query, packetNo, packetNo, now(), id)
}

// TouchOutbound records that a packet was handed to a node.
func (r *Repository) TouchOutbound(ctx context.Context, id string, at time.Time) error {
	return r.updateNode(ctx, "touch outbound", "last_outbound_at = ?", at.UnixNano(), now(), id)
}

// BlockNode stops all exchanges with a node until an operator unblocks it.
func (r *Repository) BlockNode(ctx context.Context, id, reason string) error {
	return r.updateNode(ctx, "block node", "is_blocked = 1, blocked_reason = ?", reason, now(), id)
}

// UnblockNode clears the blocked flag.
func (r *Repository) UnblockNode(ctx context.Context, id string) error {
	return r.updateNode(ctx, "unblock node", "is_blocked = 0, blocked_reason = ''", now(), id)
}

// ResetReceived moves the inbound expectation of a node, used by operators
// after a queue corruption was repaired by hand.
func (r *Repository) ResetReceived(ctx context.Context, id string, packetNo int64) error {
	return r.updateNode(ctx, "reset received", "last_received_packet = ?", packetNo, now(), id)
}

// DeactivateNode retires a node. Nodes are never hard-deleted.
func (r *Repository) DeactivateNode(ctx context.Context, id string) error {
	return r.updateNode(ctx, "deactivate node", "is_active = 0", now(), id)
}
