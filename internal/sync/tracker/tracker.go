// Package tracker records, inside the caller's transaction, which nodes must
// receive each entity mutation.
package tracker

import (
	"context"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

// Tracker fans one mutation out into change records.
//
// The server addresses every active desktop node; a desktop addresses the
// server. The origin of the mutation never receives its own change back.
type Tracker struct {
	reg  *registry.Registry
	role models.NodeRole
}

// New creates a Tracker for a node with the given role.
func New(reg *registry.Registry, role models.NodeRole) *Tracker {
	return &Tracker{reg: reg, role: role}
}

// Role returns the role of the local node.
func (t *Tracker) Role() models.NodeRole {
	return t.role
}

func (t *Tracker) targetRole() models.NodeRole {
	if t.role == models.RoleServer {
		return models.RoleDesktop
	}
	return models.RoleServer
}

// RegisterChange inserts one change row per target node through repo, which
// must be bound to the transaction that performs the mutation.
func (t *Tracker) RegisterChange(ctx context.Context, repo db.SyncRepository, entityType, entityUUID string, op models.Operation, originNodeID string) ([]models.SyncChange, error) {
	if !op.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation %q", op)
	}
	d, err := t.reg.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	if d.Child {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "%s changes travel with their parent", entityType)
	}
	if err := uuid.Validate(entityUUID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "entity uuid", err)
	}
	if originNodeID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "origin node id is required")
	}

	targets, err := repo.ListActiveNodes(ctx, t.targetRole())
	if err != nil {
		return nil, err
	}

	created := now()
	var changes []models.SyncChange
	for _, n := range targets {
		if string(n.ID) == originNodeID {
			continue
		}
		c := models.SyncChange{
			NodeID:       n.ID,
			OriginNodeID: models.UUID(originNodeID),
			EntityType:   entityType,
			EntityUUID:   entityUUID,
			Operation:    op,
			CreatedAt:    created,
		}
		if err := repo.InsertChange(ctx, &c); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, nil
}

var now = func() int64 {
	return time.Now().UnixNano()
}
