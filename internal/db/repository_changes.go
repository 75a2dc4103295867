package db

import (
	"context"
	"database/sql"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
)

// =====================================================
// SyncChange Operations
// =====================================================

const changeColumns = "id, node_id, origin_node_id, entity_type, entity_uuid, operation, packet_no, created_at"

// InsertChange stores a change record and fills in its id.
func (r *Repository) InsertChange(ctx context.Context, c *models.SyncChange) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = now()
	}
	query := `INSERT INTO sync_changes (node_id, origin_node_id, entity_type, entity_uuid, operation, packet_no, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`
	err := r.c.QueryRowContext(ctx, query, c.NodeID, c.OriginNodeID, c.EntityType, c.EntityUUID,
		string(c.Operation), c.PacketNo, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert change", err)
	}
	return nil
}

func scanChanges(rows *sql.Rows) ([]models.SyncChange, error) {
	defer rows.Close()
	var out []models.SyncChange
	for rows.Next() {
		var c models.SyncChange
		var op string
		var packetNo sql.NullInt64
		if err := rows.Scan(&c.ID, &c.NodeID, &c.OriginNodeID, &c.EntityType, &c.EntityUUID, &op, &packetNo, &c.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan change", err)
		}
		c.Operation = models.Operation(op)
		if packetNo.Valid {
			c.PacketNo = &packetNo.Int64
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UnsentChanges returns changes for a node not yet bundled into a packet,
// oldest first.
func (r *Repository) UnsentChanges(ctx context.Context, nodeID string, limit int) ([]models.SyncChange, error) {
	query := "SELECT " + changeColumns + " FROM sync_changes WHERE node_id = ? AND packet_no IS NULL ORDER BY id LIMIT ?"
	rows, err := r.c.QueryContext(ctx, query, nodeID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list unsent changes", err)
	}
	return scanChanges(rows)
}

// ChangesInPacket returns the changes bundled into one packet, oldest first.
func (r *Repository) ChangesInPacket(ctx context.Context, nodeID string, packetNo int64) ([]models.SyncChange, error) {
	query := "SELECT " + changeColumns + " FROM sync_changes WHERE node_id = ? AND packet_no = ? ORDER BY id"
	rows, err := r.c.QueryContext(ctx, query, nodeID, packetNo)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list packet changes", err)
	}
	return scanChanges(rows)
}

// AssignPacket stamps change rows with the packet that carries them.
func (r *Repository) AssignPacket(ctx context.Context, ids []int64, packetNo int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, packetNo)
	for _, id := range ids {
		args = append(args, id)
	}
	query := "UPDATE sync_changes SET packet_no = ? WHERE packet_no IS NULL AND id IN (" + placeholders(len(ids)) + ")"
	res, err := r.c.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "assign packet", err)
	}
	if n, _ := res.RowsAffected(); n != int64(len(ids)) {
		return apperrors.Newf(apperrors.ErrQueueCorruption, "assigned %d of %d changes to packet %d", n, len(ids), packetNo)
	}
	return nil
}

// DeleteAcknowledged removes the changes of an acknowledged packet and returns
// how many were removed.
func (r *Repository) DeleteAcknowledged(ctx context.Context, nodeID string, packetNo int64) (int64, error) {
	res, err := r.c.ExecContext(ctx, "DELETE FROM sync_changes WHERE node_id = ? AND packet_no = ?", nodeID, packetNo)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "delete acknowledged changes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PendingChangeFor returns the oldest undelivered change of an entity addressed
// to nodeID, or nil when there is none.
func (r *Repository) PendingChangeFor(ctx context.Context, nodeID, entityUUID string) (*models.SyncChange, error) {
	query := "SELECT " + changeColumns + " FROM sync_changes WHERE node_id = ? AND entity_uuid = ? ORDER BY id LIMIT 1"
	rows, err := r.c.QueryContext(ctx, query, nodeID, entityUUID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "find pending change", err)
	}
	list, err := scanChanges(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

// HasUnsentChange reports whether a change of the entity addressed to nodeID
// is still waiting to be bundled.
func (r *Repository) HasUnsentChange(ctx context.Context, nodeID, entityUUID string) (bool, error) {
	query := "SELECT COUNT(*) FROM sync_changes WHERE node_id = ? AND entity_uuid = ? AND packet_no IS NULL"
	var n int64
	if err := r.c.QueryRowContext(ctx, query, nodeID, entityUUID).Scan(&n); err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "find unsent change", err)
	}
	return n > 0, nil
}

// CountPendingChanges counts undelivered changes, for one node or for all
// nodes when nodeID is empty.
func (r *Repository) CountPendingChanges(ctx context.Context, nodeID string) (int64, error) {
	query := "SELECT COUNT(*) FROM sync_changes"
	var args []any
	if nodeID != "" {
		query += " WHERE node_id = ?"
		args = append(args, nodeID)
	}
	var n int64
	if err := r.c.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count changes", err)
	}
	return n, nil
}

// CountUnsentChanges counts changes for a node not yet bundled into a packet.
func (r *Repository) CountUnsentChanges(ctx context.Context, nodeID string) (int64, error) {
	var n int64
	query := "SELECT COUNT(*) FROM sync_changes WHERE node_id = ? AND packet_no IS NULL"
	if err := r.c.QueryRowContext(ctx, query, nodeID).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count unsent changes", err)
	}
	return n, nil
}

// MaxAssignedPacket returns the highest packet number stamped on a node's
// changes, or 0.
func (r *Repository) MaxAssignedPacket(ctx context.Context, nodeID string) (int64, error) {
	var n sql.NullInt64
	query := "SELECT MAX(packet_no) FROM sync_changes WHERE node_id = ?"
	if err := r.c.QueryRowContext(ctx, query, nodeID).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "max packet", err)
	}
	return n.Int64, nil
}

// ReleaseOrphanedChanges clears the packet number of changes whose packet is
// no longer stored, so they are bundled again. Used when repairing a queue.
func (r *Repository) ReleaseOrphanedChanges(ctx context.Context, nodeID string) (int64, error) {
	query := `UPDATE sync_changes SET packet_no = NULL
	WHERE node_id = ? AND packet_no IS NOT NULL
	AND packet_no NOT IN (SELECT packet_no FROM sync_packets WHERE node_id = ?)`
	res, err := r.c.ExecContext(ctx, query, nodeID, nodeID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "release orphaned changes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// =====================================================
// SyncPacket Operations
// =====================================================

const packetColumns = "node_id, packet_no, body, checksum, change_count, more, created_at, sent_at, attempts"

// InsertPacket stores a built outbound packet.
func (r *Repository) InsertPacket(ctx context.Context, p *models.SyncPacket) error {
	if p.CreatedAt == 0 {
		p.CreatedAt = now()
	}
	query := "INSERT INTO sync_packets (" + packetColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	_, err := r.c.ExecContext(ctx, query, p.NodeID, p.PacketNo, p.Body, p.Checksum, p.ChangeCount,
		boolInt(p.More), p.CreatedAt, p.SentAt, p.Attempts)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert packet", err)
	}
	return nil
}

func scanPackets(rows *sql.Rows) ([]*models.SyncPacket, error) {
	defer rows.Close()
	var out []*models.SyncPacket
	for rows.Next() {
		var p models.SyncPacket
		var more int64
		var sentAt sql.NullInt64
		if err := rows.Scan(&p.NodeID, &p.PacketNo, &p.Body, &p.Checksum, &p.ChangeCount, &more,
			&p.CreatedAt, &sentAt, &p.Attempts); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan packet", err)
		}
		p.More = more != 0
		if sentAt.Valid {
			p.SentAt = &sentAt.Int64
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ListPackets returns a node's stored packets in packet order.
func (r *Repository) ListPackets(ctx context.Context, nodeID string) ([]*models.SyncPacket, error) {
	rows, err := r.c.QueryContext(ctx, "SELECT "+packetColumns+" FROM sync_packets WHERE node_id = ? ORDER BY packet_no", nodeID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list packets", err)
	}
	return scanPackets(rows)
}

// OldestPacket returns the lowest-numbered unacknowledged packet for a node,
// or nil.
func (r *Repository) OldestPacket(ctx context.Context, nodeID string) (*models.SyncPacket, error) {
	rows, err := r.c.QueryContext(ctx, "SELECT "+packetColumns+" FROM sync_packets WHERE node_id = ? ORDER BY packet_no LIMIT 1", nodeID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get packet", err)
	}
	list, err := scanPackets(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// MarkPacketSent records one more transmission attempt.
func (r *Repository) MarkPacketSent(ctx context.Context, nodeID string, packetNo int64, at int64) error {
	query := "UPDATE sync_packets SET sent_at = ?, attempts = attempts + 1 WHERE node_id = ? AND packet_no = ?"
	if _, err := r.c.ExecContext(ctx, query, at, nodeID, packetNo); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark packet sent", err)
	}
	return nil
}

// DeletePacket removes an acknowledged packet.
func (r *Repository) DeletePacket(ctx context.Context, nodeID string, packetNo int64) (int64, error) {
	res, err := r.c.ExecContext(ctx, "DELETE FROM sync_packets WHERE node_id = ? AND packet_no = ?", nodeID, packetNo)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "delete packet", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountPackets counts stored (unacknowledged) packets. Packets sent before
// sentBefore are counted separately as overdue; pass 0 to skip that.
func (r *Repository) CountPackets(ctx context.Context, sentBefore int64) (pending, overdue int64, err error) {
	query := `SELECT COUNT(*), COALESCE(SUM(CASE WHEN sent_at IS NOT NULL AND sent_at < ? THEN 1 ELSE 0 END), 0)
	FROM sync_packets`
	if err := r.c.QueryRowContext(ctx, query, sentBefore).Scan(&pending, &overdue); err != nil {
		return 0, 0, apperrors.Wrap(apperrors.ErrDatabase, "count packets", err)
	}
	return pending, overdue, nil
}

// =====================================================
// Processed change (idempotency) Operations
// =====================================================

// IsProcessed reports whether an inbound entity was already applied.
func (r *Repository) IsProcessed(ctx context.Context, sourceNodeID string, packetNo int64, entityUUID string, op models.Operation) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM sync_processed_changes
	WHERE source_node_id = ? AND packet_no = ? AND entity_uuid = ? AND operation = ?`
	if err := r.c.QueryRowContext(ctx, query, sourceNodeID, packetNo, entityUUID, string(op)).Scan(&n); err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "check processed change", err)
	}
	return n > 0, nil
}

// MarkProcessed records an applied inbound entity. Recording it twice is a no-op.
func (r *Repository) MarkProcessed(ctx context.Context, pc *models.ProcessedChange) error {
	if pc.AppliedAt == 0 {
		pc.AppliedAt = now()
	}
	query := `INSERT INTO sync_processed_changes (source_node_id, packet_no, entity_uuid, operation, applied_at)
	VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`
	_, err := r.c.ExecContext(ctx, query, pc.SourceNodeID, pc.PacketNo, pc.EntityUUID, string(pc.Operation), pc.AppliedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark processed change", err)
	}
	return nil
}
