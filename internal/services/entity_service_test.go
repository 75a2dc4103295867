package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
	"github.com/fieldledger/fieldledger/backend/internal/sync/tracker"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

type serviceFixture struct {
	db      *db.DB
	repo    *db.Repository
	svc     *EntityService
	self    *models.SyncNode
	server  *models.SyncNode
	changes []string
}

// newDesktopService wires an EntityService for a desktop node that syncs with one server.
func newDesktopService(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	reg := registry.Default()
	store := db.NewEntityStore(reg)
	require.NoError(t, db.Prepare(ctx, conn, store))

	f := &serviceFixture{db: conn, repo: db.NewRepository(conn)}
	f.self = &models.SyncNode{ID: models.UUID(uuid.New()), Code: "site-a", Name: "Site A", Role: models.RoleDesktop, IsActive: true}
	f.server = &models.SyncNode{ID: models.UUID(uuid.New()), Code: "hq", Name: "HQ", Role: models.RoleServer, IsActive: true}
	require.NoError(t, f.repo.CreateNode(ctx, f.self))
	require.NoError(t, f.repo.CreateNode(ctx, f.server))

	f.svc = NewEntityService(conn, store, tracker.New(reg, models.RoleDesktop), string(f.self.ID))
	f.svc.OnChange(func(entityType, entityUUID string, op models.Operation) {
		f.changes = append(f.changes, entityType+":"+string(op))
	})
	return f
}

func pending(t *testing.T, f *serviceFixture) []models.SyncChange {
	t.Helper()
	list, err := f.repo.UnsentChanges(context.Background(), string(f.server.ID), 100)
	require.NoError(t, err)
	return list
}

func TestEntityService_SaveInsertThenUpdate(t *testing.T) {
	ctx := context.Background()
	f := newDesktopService(t)

	ts := &models.Timesheet{
		EmployeeCode: "E-17",
		WeekStart:    time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC),
		Entries: []*models.TimesheetEntry{
			{WorkDate: time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC), Hours: 7.5, CostCode: "C-100"},
		},
	}
	require.NoError(t, f.svc.Save(ctx, ts))
	assert.True(t, uuid.IsValid(ts.UUID))
	assert.True(t, uuid.IsValid(ts.Entries[0].UUID), "nested items get ids")
	assert.False(t, ts.UpdatedAt.IsZero())

	first := ts.UpdatedAt
	ts.Approved = true
	require.NoError(t, f.svc.Save(ctx, ts))
	assert.True(t, !ts.UpdatedAt.Before(first))

	changes := pending(t, f)
	require.Len(t, changes, 2)
	assert.Equal(t, models.OpInsert, changes[0].Operation)
	assert.Equal(t, models.OpUpdate, changes[1].Operation)
	assert.Equal(t, f.self.ID, changes[0].OriginNodeID)
	assert.Equal(t, []string{"Timesheet:INSERT", "Timesheet:UPDATE"}, f.changes)

	got, err := f.svc.Get(ctx, "Timesheet", ts.UUID)
	require.NoError(t, err)
	assert.True(t, got.(*models.Timesheet).Approved)
	assert.Len(t, got.(*models.Timesheet).Entries, 1)
}

func TestEntityService_DeleteIsSoft(t *testing.T) {
	ctx := context.Background()
	f := newDesktopService(t)

	m := &models.Material{Code: "CEM-25", Name: "Cement 25kg", Unit: "bag", UnitPrice: "7.90"}
	require.NoError(t, f.svc.Save(ctx, m))
	require.NoError(t, f.svc.Delete(ctx, "Material", m.UUID))
	// Deleting a tombstone registers nothing new.
	require.NoError(t, f.svc.Delete(ctx, "Material", m.UUID))

	got, err := f.svc.Get(ctx, "Material", m.UUID)
	require.NoError(t, err)
	assert.True(t, got.Meta().IsDeleted)

	live, err := f.svc.List(ctx, "Material", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, live)

	changes := pending(t, f)
	require.Len(t, changes, 2)
	assert.Equal(t, models.OpDelete, changes[1].Operation)
}

func TestEntityService_PhysicalDeleteForbidden(t *testing.T) {
	ctx := context.Background()
	f := newDesktopService(t)

	m := &models.Material{Code: "SND", Name: "Sand"}
	require.NoError(t, f.svc.Save(ctx, m))

	err := f.svc.PhysicalDelete(ctx, "Material", m.UUID)
	assert.True(t, apperrors.Is(err, apperrors.ErrPhysicalDeleteForbidden), "got %v", err)

	_, err = f.svc.Get(ctx, "Material", m.UUID)
	assert.NoError(t, err, "row must still exist")
}

func TestEntityService_SaveRollsBackOnTrackerFailure(t *testing.T) {
	ctx := context.Background()
	f := newDesktopService(t)
	// An empty origin makes the tracker fail after the entity row was written.
	f.svc.localNodeID = ""

	m := &models.Material{Code: "GRV", Name: "Gravel"}
	err := f.svc.Save(ctx, m)
	require.Error(t, err)

	_, err = f.svc.Get(ctx, "Material", m.UUID)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code, "entity write must roll back with the change record")
	assert.Empty(t, f.changes)
}

func TestEntityService_RejectsChildAndUnknownTypes(t *testing.T) {
	ctx := context.Background()
	f := newDesktopService(t)

	err := f.svc.Save(ctx, &models.EstimateLine{Description: "orphan"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "got %v", err)

	err = f.svc.Delete(ctx, "Invoice", uuid.New())
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownEntityType), "got %v", err)
}
