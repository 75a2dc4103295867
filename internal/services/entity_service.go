// Package services provides the persistence write path for synchronized
// business entities.
package services

import (
	"context"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
	"github.com/fieldledger/fieldledger/backend/internal/sync/tracker"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

// EntityService saves and deletes entities and registers the matching change
// records in the same transaction. Every local mutation must go through it.
type EntityService struct {
	db          *db.DB
	store       *db.EntityStore
	tracker     *tracker.Tracker
	localNodeID string

	// onChange, if set, is called after a committed mutation.
	onChange func(entityType, entityUUID string, op models.Operation)
}

// NewEntityService creates an EntityService writing as localNodeID.
func NewEntityService(conn *db.DB, store *db.EntityStore, tr *tracker.Tracker, localNodeID string) *EntityService {
	return &EntityService{db: conn, store: store, tracker: tr, localNodeID: localNodeID}
}

// OnChange registers a callback fired after each committed mutation.
func (s *EntityService) OnChange(fn func(entityType, entityUUID string, op models.Operation)) {
	s.onChange = fn
}

// Save inserts or updates e. A missing uuid is generated, updated_at is
// stamped, and an INSERT or UPDATE change is registered.
func (s *EntityService) Save(ctx context.Context, e models.Synchronizable) error {
	d, err := s.store.Registry().DescriptorOf(e)
	if err != nil {
		return err
	}
	if d.Child {
		return apperrors.Newf(apperrors.ErrInvalid, "%s is saved through its parent", d.Name)
	}
	if err := s.assignIDs(d, e); err != nil {
		return err
	}
	meta := e.Meta()
	if err := uuid.Validate(meta.UUID); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "entity uuid", err)
	}

	var op models.Operation
	err = s.db.WithTx(ctx, func(tx *db.Tx) error {
		exists, err := s.store.Exists(ctx, tx, d.Name, meta.UUID)
		if err != nil {
			return err
		}
		op = models.OpInsert
		if exists {
			op = models.OpUpdate
		}
		meta.Touch()
		if err := s.store.Upsert(ctx, tx, e); err != nil {
			return err
		}
		_, err = s.tracker.RegisterChange(ctx, db.NewRepository(tx), d.Name, meta.UUID, op, s.localNodeID)
		return err
	})
	if err != nil {
		return err
	}
	s.notify(d.Name, meta.UUID, op)
	return nil
}

// Delete soft-deletes an entity and registers a DELETE change. Deleting an
// entity that is already a tombstone is a no-op.
func (s *EntityService) Delete(ctx context.Context, typeName, entityUUID string) error {
	changed := false
	err := s.db.WithTx(ctx, func(tx *db.Tx) error {
		e, err := s.store.Load(ctx, tx, typeName, entityUUID)
		if err != nil {
			return err
		}
		meta := e.Meta()
		if meta.IsDeleted {
			return nil
		}
		meta.IsDeleted = true
		meta.Touch()
		if err := s.store.Upsert(ctx, tx, e); err != nil {
			return err
		}
		changed = true
		_, err = s.tracker.RegisterChange(ctx, db.NewRepository(tx), typeName, entityUUID, models.OpDelete, s.localNodeID)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		s.notify(typeName, entityUUID, models.OpDelete)
	}
	return nil
}

// PhysicalDelete always fails: synchronized rows are only ever tombstoned.
func (s *EntityService) PhysicalDelete(ctx context.Context, typeName, entityUUID string) error {
	logging.Warn("physical delete refused", map[string]interface{}{
		"entity_type": typeName,
		"entity_uuid": entityUUID,
	})
	return apperrors.Newf(apperrors.ErrPhysicalDeleteForbidden,
		"%s %s cannot be physically deleted; use Delete", typeName, entityUUID)
}

// Get loads one entity, tombstones included.
func (s *EntityService) Get(ctx context.Context, typeName, entityUUID string) (models.Synchronizable, error) {
	return s.store.Load(ctx, s.db, typeName, entityUUID)
}

// List returns live entities of a type, newest first.
func (s *EntityService) List(ctx context.Context, typeName string, limit, offset int) ([]models.Synchronizable, error) {
	return s.store.List(ctx, s.db, typeName, false, limit, offset)
}

func (s *EntityService) notify(entityType, entityUUID string, op models.Operation) {
	if s.onChange != nil {
		s.onChange(entityType, entityUUID, op)
	}
}

// assignIDs gives a uuid to e and to every nested item that lacks one.
func (s *EntityService) assignIDs(d *registry.Descriptor, e models.Synchronizable) error {
	if e.Meta().UUID == "" {
		e.Meta().UUID = uuid.New()
	}
	if len(d.Collections) == 0 {
		return nil
	}
	v, err := d.Struct(e)
	if err != nil {
		return err
	}
	for _, c := range d.Collections {
		child, err := s.store.Registry().Lookup(c.ElemType)
		if err != nil {
			return err
		}
		sv := c.Value(v)
		for i := 0; i < sv.Len(); i++ {
			item := sv.Index(i)
			if item.IsNil() {
				return apperrors.Newf(apperrors.ErrInvalid, "%s.%s[%d] is nil", d.Name, c.Name, i)
			}
			if err := s.assignIDs(child, item.Interface().(models.Synchronizable)); err != nil {
				return err
			}
		}
	}
	return nil
}
