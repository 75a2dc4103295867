// Package db provides unit tests for the sync table repositories.
package db

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

// setupTestRepo creates a migrated in-memory database.
func setupTestRepo(t *testing.T) (*DB, *Repository) {
	t.Helper()
	db := openTestDB(t)
	if err := NewMigrator(db).Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, NewRepository(db)
}

func createNode(t *testing.T, r *Repository, code string, role models.NodeRole) *models.SyncNode {
	t.Helper()
	n := &models.SyncNode{
		ID:       models.UUID(uuid.New()),
		Code:     code,
		Name:     code,
		Role:     role,
		IsActive: true,
	}
	if err := r.CreateNode(context.Background(), n); err != nil {
		t.Fatalf("CreateNode(%s) failed: %v", code, err)
	}
	return n
}

// =====================================================
// Settings Tests
// =====================================================

// TestSettings verifies upsert semantics of settings.
func TestSettings(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)

	if _, ok, err := r.GetSetting(ctx, SettingLocalNodeID); err != nil || ok {
		t.Fatalf("GetSetting() on empty table = %v, %v", ok, err)
	}
	if err := r.SetSetting(ctx, SettingLocalNodeID, "a"); err != nil {
		t.Fatalf("SetSetting() failed: %v", err)
	}
	if err := r.SetSetting(ctx, SettingLocalNodeID, "b"); err != nil {
		t.Fatalf("SetSetting() overwrite failed: %v", err)
	}
	v, ok, err := r.GetSetting(ctx, SettingLocalNodeID)
	if err != nil || !ok || v != "b" {
		t.Errorf("GetSetting() = %q, %v, %v; want b", v, ok, err)
	}
}

// =====================================================
// SyncNode Tests
// =====================================================

// TestNodes_CRUD verifies node creation, lookup and listing.
func TestNodes_CRUD(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)

	server := createNode(t, r, "hq", models.RoleServer)
	site := createNode(t, r, "site-a", models.RoleDesktop)

	got, err := r.GetNode(ctx, string(site.ID))
	if err != nil {
		t.Fatalf("GetNode() failed: %v", err)
	}
	if got.Code != "site-a" || got.Role != models.RoleDesktop || !got.IsActive || got.NextPacketNo != 1 {
		t.Errorf("GetNode() = %+v", got)
	}
	if got.LastInboundAt != nil {
		t.Error("LastInboundAt should start nil")
	}

	byCode, err := r.GetNodeByCode(ctx, "hq")
	if err != nil || byCode.ID != server.ID {
		t.Errorf("GetNodeByCode() = %v, %v", byCode, err)
	}

	desktops, err := r.ListActiveNodes(ctx, models.RoleDesktop)
	if err != nil || len(desktops) != 1 {
		t.Fatalf("ListActiveNodes() = %d nodes, err %v", len(desktops), err)
	}

	_, err = r.GetNode(ctx, uuid.New())
	if !apperrors.Is(err, apperrors.ErrNodeNotFound) {
		t.Errorf("GetNode(unknown) error = %v, want NODE_NOT_FOUND", err)
	}

	dup := &models.SyncNode{ID: models.UUID(uuid.New()), Code: "hq", Name: "again", Role: models.RoleDesktop}
	if err := r.CreateNode(ctx, dup); !apperrors.Is(err, apperrors.ErrDuplicate) {
		t.Errorf("CreateNode(duplicate code) error = %v, want DUPLICATE", err)
	}
}

// TestNodes_counters verifies packet counters only move forward.
func TestNodes_counters(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)
	n := createNode(t, r, "site-a", models.RoleDesktop)
	id := string(n.ID)

	for want := int64(1); want <= 3; want++ {
		got, err := r.AllocatePacketNo(ctx, id)
		if err != nil {
			t.Fatalf("AllocatePacketNo() failed: %v", err)
		}
		if got != want {
			t.Errorf("AllocatePacketNo() = %d, want %d", got, want)
		}
	}

	at := time.Now()
	if err := r.MarkReceived(ctx, id, 5, at); err != nil {
		t.Fatalf("MarkReceived() failed: %v", err)
	}
	if err := r.MarkReceived(ctx, id, 3, at); err != nil {
		t.Fatalf("MarkReceived() failed: %v", err)
	}
	if err := r.MarkConfirmed(ctx, id, 2); err != nil {
		t.Fatalf("MarkConfirmed() failed: %v", err)
	}
	if err := r.MarkConfirmed(ctx, id, 1); err != nil {
		t.Fatalf("MarkConfirmed() failed: %v", err)
	}

	got, _ := r.GetNode(ctx, id)
	if got.LastReceivedPacket != 5 {
		t.Errorf("LastReceivedPacket = %d, want 5", got.LastReceivedPacket)
	}
	if got.LastConfirmedPacket != 2 {
		t.Errorf("LastConfirmedPacket = %d, want 2", got.LastConfirmedPacket)
	}
	if got.LastInboundAt == nil || *got.LastInboundAt != at.UnixNano() {
		t.Errorf("LastInboundAt = %v, want %d", got.LastInboundAt, at.UnixNano())
	}
}

// TestNodes_blockAndDeactivate verifies operator state changes.
func TestNodes_blockAndDeactivate(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)
	n := createNode(t, r, "site-a", models.RoleDesktop)
	id := string(n.ID)

	if err := r.BlockNode(ctx, id, "gap at packet 7"); err != nil {
		t.Fatalf("BlockNode() failed: %v", err)
	}
	got, _ := r.GetNode(ctx, id)
	if !got.IsBlocked || got.BlockedReason != "gap at packet 7" {
		t.Errorf("after BlockNode() = %+v", got)
	}

	if err := r.UnblockNode(ctx, id); err != nil {
		t.Fatalf("UnblockNode() failed: %v", err)
	}
	if err := r.DeactivateNode(ctx, id); err != nil {
		t.Fatalf("DeactivateNode() failed: %v", err)
	}
	got, _ = r.GetNode(ctx, id)
	if got.IsBlocked || got.BlockedReason != "" || got.IsActive {
		t.Errorf("after unblock+deactivate = %+v", got)
	}

	all, _ := r.ListNodes(ctx)
	if len(all) != 1 {
		t.Errorf("deactivated node must remain listed, got %d nodes", len(all))
	}
	if err := r.BlockNode(ctx, uuid.New(), "x"); !apperrors.Is(err, apperrors.ErrNodeNotFound) {
		t.Errorf("BlockNode(unknown) error = %v", err)
	}
}

// =====================================================
// SyncChange and SyncPacket Tests
// =====================================================

// TestChanges_lifecycle verifies insert, bundling and acknowledgement.
func TestChanges_lifecycle(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)
	server := createNode(t, r, "hq", models.RoleServer)
	site := createNode(t, r, "site-a", models.RoleDesktop)
	siteID := string(site.ID)

	entity := uuid.New()
	var ids []int64
	for _, op := range []models.Operation{models.OpInsert, models.OpUpdate} {
		c := &models.SyncChange{
			NodeID: site.ID, OriginNodeID: server.ID,
			EntityType: "Estimate", EntityUUID: entity, Operation: op,
		}
		if err := r.InsertChange(ctx, c); err != nil {
			t.Fatalf("InsertChange() failed: %v", err)
		}
		ids = append(ids, c.ID)
	}
	if ids[1] <= ids[0] {
		t.Errorf("change ids not increasing: %v", ids)
	}

	unsent, err := r.UnsentChanges(ctx, siteID, 10)
	if err != nil || len(unsent) != 2 || unsent[0].Operation != models.OpInsert {
		t.Fatalf("UnsentChanges() = %+v, %v", unsent, err)
	}

	pending, err := r.PendingChangeFor(ctx, siteID, entity)
	if err != nil || pending == nil || pending.ID != ids[0] {
		t.Errorf("PendingChangeFor() = %+v, %v", pending, err)
	}
	none, err := r.PendingChangeFor(ctx, string(server.ID), entity)
	if err != nil || none != nil {
		t.Errorf("PendingChangeFor(other node) = %+v, %v; want nil", none, err)
	}

	if ok, err := r.HasUnsentChange(ctx, siteID, entity); err != nil || !ok {
		t.Errorf("HasUnsentChange() = %v, %v; want true", ok, err)
	}

	if err := r.AssignPacket(ctx, ids, 1); err != nil {
		t.Fatalf("AssignPacket() failed: %v", err)
	}
	if ok, _ := r.HasUnsentChange(ctx, siteID, entity); ok {
		t.Error("HasUnsentChange() after bundling = true, want false")
	}
	if err := r.AssignPacket(ctx, ids, 2); !apperrors.Is(err, apperrors.ErrQueueCorruption) {
		t.Errorf("re-assigning bundled changes error = %v, want QUEUE_CORRUPTION", err)
	}
	if n, _ := r.CountUnsentChanges(ctx, siteID); n != 0 {
		t.Errorf("CountUnsentChanges() = %d, want 0", n)
	}
	inPacket, _ := r.ChangesInPacket(ctx, siteID, 1)
	if len(inPacket) != 2 {
		t.Errorf("ChangesInPacket() = %d, want 2", len(inPacket))
	}
	if max, _ := r.MaxAssignedPacket(ctx, siteID); max != 1 {
		t.Errorf("MaxAssignedPacket() = %d, want 1", max)
	}

	// Acknowledging an unrelated number removes nothing.
	if n, _ := r.DeleteAcknowledged(ctx, siteID, 9); n != 0 {
		t.Errorf("DeleteAcknowledged(9) removed %d", n)
	}
	if n, _ := r.DeleteAcknowledged(ctx, siteID, 1); n != 2 {
		t.Errorf("DeleteAcknowledged(1) removed %d, want 2", n)
	}
	if n, _ := r.CountPendingChanges(ctx, ""); n != 0 {
		t.Errorf("CountPendingChanges() = %d, want 0", n)
	}
}

// Changes bundled into a packet that was never stored go back to the queue.
func TestChanges_releaseOrphaned(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)
	server := createNode(t, r, "hq", models.RoleServer)
	site := createNode(t, r, "site-a", models.RoleDesktop)
	siteID := string(site.ID)

	var ids []int64
	for i := 0; i < 2; i++ {
		c := &models.SyncChange{
			NodeID: site.ID, OriginNodeID: server.ID,
			EntityType: "Material", EntityUUID: uuid.New(), Operation: models.OpInsert,
		}
		if err := r.InsertChange(ctx, c); err != nil {
			t.Fatalf("InsertChange() failed: %v", err)
		}
		ids = append(ids, c.ID)
	}
	if err := r.AssignPacket(ctx, ids, 5); err != nil {
		t.Fatalf("AssignPacket() failed: %v", err)
	}
	if n, _ := r.CountUnsentChanges(ctx, siteID); n != 0 {
		t.Fatalf("CountUnsentChanges() = %d, want 0", n)
	}

	n, err := r.ReleaseOrphanedChanges(ctx, siteID)
	if err != nil || n != 2 {
		t.Fatalf("ReleaseOrphanedChanges() = %d, %v; want 2", n, err)
	}
	if n, _ := r.CountUnsentChanges(ctx, siteID); n != 2 {
		t.Errorf("CountUnsentChanges() = %d, want 2", n)
	}

	// A stored packet keeps its changes.
	if err := r.AssignPacket(ctx, ids, 6); err != nil {
		t.Fatalf("AssignPacket() failed: %v", err)
	}
	if err := r.InsertPacket(ctx, &models.SyncPacket{
		NodeID: site.ID, PacketNo: 6, Body: []byte{1}, Checksum: Checksum([]byte{1}), ChangeCount: 2,
	}); err != nil {
		t.Fatalf("InsertPacket() failed: %v", err)
	}
	if n, _ := r.ReleaseOrphanedChanges(ctx, siteID); n != 0 {
		t.Errorf("ReleaseOrphanedChanges() with stored packet = %d, want 0", n)
	}
}

// TestPackets_lifecycle verifies packet storage, attempts and deletion.
func TestPackets_lifecycle(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)
	site := createNode(t, r, "site-a", models.RoleDesktop)
	siteID := string(site.ID)

	for no := int64(1); no <= 2; no++ {
		p := &models.SyncPacket{
			NodeID: site.ID, PacketNo: no, Body: []byte{0x1f, 0x8b, byte(no)},
			Checksum: Checksum([]byte{byte(no)}), ChangeCount: 3, More: no == 1,
		}
		if err := r.InsertPacket(ctx, p); err != nil {
			t.Fatalf("InsertPacket() failed: %v", err)
		}
	}

	oldest, err := r.OldestPacket(ctx, siteID)
	if err != nil || oldest == nil || oldest.PacketNo != 1 || !oldest.More {
		t.Fatalf("OldestPacket() = %+v, %v", oldest, err)
	}
	if oldest.SentAt != nil || oldest.Attempts != 0 {
		t.Errorf("new packet should be unsent: %+v", oldest)
	}

	if err := r.MarkPacketSent(ctx, siteID, 1, 100); err != nil {
		t.Fatalf("MarkPacketSent() failed: %v", err)
	}
	if err := r.MarkPacketSent(ctx, siteID, 1, 200); err != nil {
		t.Fatalf("MarkPacketSent() failed: %v", err)
	}
	oldest, _ = r.OldestPacket(ctx, siteID)
	if oldest.Attempts != 2 || *oldest.SentAt != 200 {
		t.Errorf("after two sends = attempts %d sent_at %v", oldest.Attempts, oldest.SentAt)
	}

	pending, overdue, err := r.CountPackets(ctx, 300)
	if err != nil || pending != 2 || overdue != 1 {
		t.Errorf("CountPackets() = %d, %d, %v; want 2, 1", pending, overdue, err)
	}

	if n, _ := r.DeletePacket(ctx, siteID, 1); n != 1 {
		t.Errorf("DeletePacket() = %d, want 1", n)
	}
	list, _ := r.ListPackets(ctx, siteID)
	if len(list) != 1 || list[0].PacketNo != 2 {
		t.Errorf("ListPackets() = %+v", list)
	}
}

// TestProcessedChanges verifies the idempotency record.
func TestProcessedChanges(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)
	src := uuid.New()
	entity := uuid.New()

	ok, err := r.IsProcessed(ctx, src, 4, entity, models.OpUpdate)
	if err != nil || ok {
		t.Fatalf("IsProcessed() before mark = %v, %v", ok, err)
	}
	pc := &models.ProcessedChange{SourceNodeID: models.UUID(src), PacketNo: 4, EntityUUID: entity, Operation: models.OpUpdate}
	if err := r.MarkProcessed(ctx, pc); err != nil {
		t.Fatalf("MarkProcessed() failed: %v", err)
	}
	if err := r.MarkProcessed(ctx, pc); err != nil {
		t.Fatalf("second MarkProcessed() failed: %v", err)
	}
	if ok, _ := r.IsProcessed(ctx, src, 4, entity, models.OpUpdate); !ok {
		t.Error("IsProcessed() after mark = false")
	}
	if ok, _ := r.IsProcessed(ctx, src, 4, entity, models.OpDelete); ok {
		t.Error("a different operation must not count as processed")
	}
}

// =====================================================
// History and Manual Conflict Tests
// =====================================================

// TestHistory verifies archived versions and filtering.
func TestHistory(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)
	site := createNode(t, r, "site-a", models.RoleDesktop)
	a, b := uuid.New(), uuid.New()

	for _, h := range []*models.ObjectVersionHistory{
		{EntityUUID: a, EntityType: "Estimate", SourceNodeID: site.ID, Payload: `{"v":1}`, Kind: models.HistoryConflict, Resolution: "server_wins kept local"},
		{EntityUUID: a, EntityType: "Estimate", SourceNodeID: site.ID, Payload: `{"v":2}`, Kind: models.HistoryRejected, Resolution: "bad type"},
		{EntityUUID: b, EntityType: "Material", SourceNodeID: site.ID, Payload: `{}`, Kind: models.HistoryConflict, Resolution: "x"},
	} {
		if err := r.InsertHistory(ctx, h); err != nil {
			t.Fatalf("InsertHistory() failed: %v", err)
		}
		if h.ID == 0 || h.ArrivedAt == 0 {
			t.Errorf("InsertHistory() did not fill id/arrived_at: %+v", h)
		}
	}

	list, err := r.ListHistory(ctx, HistoryFilter{EntityUUID: a})
	if err != nil || len(list) != 2 {
		t.Fatalf("ListHistory(entity) = %d, %v", len(list), err)
	}
	if list[0].Kind != models.HistoryRejected {
		t.Errorf("ListHistory() should be newest first, got %s", list[0].Kind)
	}
	conflicts, _ := r.ListHistory(ctx, HistoryFilter{Kind: models.HistoryConflict})
	if len(conflicts) != 2 {
		t.Errorf("ListHistory(kind) = %d, want 2", len(conflicts))
	}
	if n, _ := r.CountHistory(ctx, ""); n != 3 {
		t.Errorf("CountHistory() = %d, want 3", n)
	}
}

// TestManualConflicts verifies queueing and closing manual conflicts.
func TestManualConflicts(t *testing.T) {
	ctx := context.Background()
	_, r := setupTestRepo(t)
	site := createNode(t, r, "site-a", models.RoleDesktop)

	h := &models.ObjectVersionHistory{EntityUUID: uuid.New(), EntityType: "DailyReport", SourceNodeID: site.ID,
		Payload: `{}`, Kind: models.HistoryManual, Resolution: "escalated"}
	if err := r.InsertHistory(ctx, h); err != nil {
		t.Fatalf("InsertHistory() failed: %v", err)
	}
	mc := &models.ManualConflict{
		ID: models.UUID(uuid.New()), EntityUUID: h.EntityUUID, EntityType: h.EntityType,
		LocalPayload: `{"a":1}`, IncomingPayload: `{"a":2}`, LocalNodeID: site.ID, SourceNodeID: site.ID,
		HistoryID: h.ID, Reason: "manual policy",
	}
	if err := r.InsertManualConflict(ctx, mc); err != nil {
		t.Fatalf("InsertManualConflict() failed: %v", err)
	}

	pending, _ := r.ListManualConflicts(ctx, models.ManualPending)
	if len(pending) != 1 || pending[0].Status != models.ManualPending {
		t.Fatalf("ListManualConflicts(pending) = %+v", pending)
	}
	if n, _ := r.CountManualConflicts(ctx, models.ManualPending); n != 1 {
		t.Errorf("CountManualConflicts() = %d, want 1", n)
	}

	if err := r.ResolveManualConflict(ctx, string(mc.ID), "keep_local", 42); err != nil {
		t.Fatalf("ResolveManualConflict() failed: %v", err)
	}
	if err := r.ResolveManualConflict(ctx, string(mc.ID), "keep_local", 43); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second ResolveManualConflict() error = %v, want NOT_FOUND", err)
	}
	got, err := r.GetManualConflict(ctx, string(mc.ID))
	if err != nil || got.Status != models.ManualResolved || got.ResolvedAt == nil || *got.ResolvedAt != 42 {
		t.Errorf("GetManualConflict() = %+v, %v", got, err)
	}
}
