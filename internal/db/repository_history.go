package db

import (
	"context"
	"database/sql"
	"errors"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
)

// =====================================================
// ObjectVersionHistory Operations
// =====================================================

const historyColumns = "id, entity_uuid, entity_type, source_node_id, arrived_at, payload, kind, policy, resolution, created_at"

// InsertHistory archives a version and fills in its id. History rows are
// never updated.
func (r *Repository) InsertHistory(ctx context.Context, h *models.ObjectVersionHistory) error {
	if h.CreatedAt == 0 {
		h.CreatedAt = now()
	}
	if h.ArrivedAt == 0 {
		h.ArrivedAt = h.CreatedAt
	}
	query := `INSERT INTO object_version_history (entity_uuid, entity_type, source_node_id, arrived_at, payload,
		kind, policy, resolution, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`
	err := r.c.QueryRowContext(ctx, query, h.EntityUUID, h.EntityType, h.SourceNodeID, h.ArrivedAt, h.Payload,
		string(h.Kind), h.Policy, h.Resolution, h.CreatedAt).Scan(&h.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert version history", err)
	}
	return nil
}

// HistoryFilter narrows ListHistory. Zero values match everything.
type HistoryFilter struct {
	EntityUUID string
	Kind       models.HistoryKind
	Limit      int
	Offset     int
}

// ListHistory returns archived versions, newest first.
func (r *Repository) ListHistory(ctx context.Context, f HistoryFilter) ([]*models.ObjectVersionHistory, error) {
	query := "SELECT " + historyColumns + " FROM object_version_history WHERE 1 = 1"
	var args []any
	if f.EntityUUID != "" {
		query += " AND entity_uuid = ?"
		args = append(args, f.EntityUUID)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list version history", err)
	}
	defer rows.Close()

	var out []*models.ObjectVersionHistory
	for rows.Next() {
		var h models.ObjectVersionHistory
		var kind string
		if err := rows.Scan(&h.ID, &h.EntityUUID, &h.EntityType, &h.SourceNodeID, &h.ArrivedAt, &h.Payload,
			&kind, &h.Policy, &h.Resolution, &h.CreatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan version history", err)
		}
		h.Kind = models.HistoryKind(kind)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// CountHistory counts archived versions of one kind, or all when kind is empty.
func (r *Repository) CountHistory(ctx context.Context, kind models.HistoryKind) (int64, error) {
	query := "SELECT COUNT(*) FROM object_version_history"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	var n int64
	if err := r.c.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count version history", err)
	}
	return n, nil
}

// =====================================================
// ManualConflict Operations
// =====================================================

const manualColumns = `id, entity_uuid, entity_type, local_payload, incoming_payload, local_node_id, source_node_id,
	history_id, reason, status, resolution, created_at, resolved_at`

// InsertManualConflict queues a conflict for a person to decide.
func (r *Repository) InsertManualConflict(ctx context.Context, mc *models.ManualConflict) error {
	if mc.CreatedAt == 0 {
		mc.CreatedAt = now()
	}
	if mc.Status == "" {
		mc.Status = models.ManualPending
	}
	query := "INSERT INTO sync_manual_conflicts (" + manualColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	_, err := r.c.ExecContext(ctx, query, mc.ID, mc.EntityUUID, mc.EntityType, mc.LocalPayload, mc.IncomingPayload,
		mc.LocalNodeID, mc.SourceNodeID, mc.HistoryID, mc.Reason, string(mc.Status), mc.Resolution,
		mc.CreatedAt, mc.ResolvedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "insert manual conflict", err)
	}
	return nil
}

func scanManual(row interface{ Scan(...any) error }) (*models.ManualConflict, error) {
	var mc models.ManualConflict
	var status string
	var resolvedAt sql.NullInt64
	err := row.Scan(&mc.ID, &mc.EntityUUID, &mc.EntityType, &mc.LocalPayload, &mc.IncomingPayload,
		&mc.LocalNodeID, &mc.SourceNodeID, &mc.HistoryID, &mc.Reason, &status, &mc.Resolution,
		&mc.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	mc.Status = models.ManualConflictStatus(status)
	if resolvedAt.Valid {
		mc.ResolvedAt = &resolvedAt.Int64
	}
	return &mc, nil
}

// GetManualConflict retrieves a manual conflict by id.
func (r *Repository) GetManualConflict(ctx context.Context, id string) (*models.ManualConflict, error) {
	row := r.c.QueryRowContext(ctx, "SELECT "+manualColumns+" FROM sync_manual_conflicts WHERE id = ?", id)
	mc, err := scanManual(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "manual conflict %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get manual conflict", err)
	}
	return mc, nil
}

// ListManualConflicts returns manual conflicts in arrival order, filtered by
// status when status is not empty.
func (r *Repository) ListManualConflicts(ctx context.Context, status models.ManualConflictStatus) ([]*models.ManualConflict, error) {
	query := "SELECT " + manualColumns + " FROM sync_manual_conflicts"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at, id"
	rows, err := r.c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list manual conflicts", err)
	}
	defer rows.Close()

	var out []*models.ManualConflict
	for rows.Next() {
		mc, err := scanManual(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan manual conflict", err)
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// ResolveManualConflict closes a pending conflict. Resolving it twice fails.
func (r *Repository) ResolveManualConflict(ctx context.Context, id, resolution string, at int64) error {
	query := `UPDATE sync_manual_conflicts SET status = ?, resolution = ?, resolved_at = ?
	WHERE id = ? AND status = ?`
	res, err := r.c.ExecContext(ctx, query, string(models.ManualResolved), resolution, at, id, string(models.ManualPending))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "resolve manual conflict", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "no pending manual conflict %s", id)
	}
	return nil
}

// CountManualConflicts counts manual conflicts with the given status.
func (r *Repository) CountManualConflicts(ctx context.Context, status models.ManualConflictStatus) (int64, error) {
	var n int64
	query := "SELECT COUNT(*) FROM sync_manual_conflicts WHERE status = ?"
	if err := r.c.QueryRowContext(ctx, query, string(status)).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "count manual conflicts", err)
	}
	return n, nil
}
