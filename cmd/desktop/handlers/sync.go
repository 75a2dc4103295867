package handlers

import (
	"context"
	"net/http"

	"github.com/fieldledger/fieldledger/backend/internal/db"
	"github.com/fieldledger/fieldledger/backend/internal/models"
	syncpkg "github.com/fieldledger/fieldledger/backend/internal/sync"
	"github.com/fieldledger/fieldledger/backend/internal/sync/conflict"
	"github.com/fieldledger/fieldledger/backend/internal/sync/nodes"
	"github.com/fieldledger/fieldledger/backend/internal/sync/scheduler"
)

// Scheduler is the part of the background scheduler the API drives.
type Scheduler interface {
	SyncNow(ctx context.Context) (*syncpkg.Result, error)
	TriggerSync() bool
	Resume() bool
	Status() scheduler.Status
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	sched    Scheduler
	nodes    *nodes.Registry
	db       *db.DB
	resolver *conflict.Resolver
	serverID string
}

// NewSyncHandler creates a new SyncHandler for a node joined to serverID.
func NewSyncHandler(sched Scheduler, reg *nodes.Registry, conn *db.DB, resolver *conflict.Resolver, serverID string) *SyncHandler {
	return &SyncHandler{sched: sched, nodes: reg, db: conn, resolver: resolver, serverID: serverID}
}

// StatusResponse is the body of GET /api/sync/status.
type StatusResponse struct {
	Scheduler scheduler.Status `json:"scheduler"`
	Server    *nodes.Status    `json:"server"`
	Local     *models.SyncNode `json:"local"`
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	local, err := h.nodes.LocalNode(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	server, err := h.nodes.Status(ctx, h.serverID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Scheduler: h.sched.Status(),
		Server:    server,
		Local:     local,
	})
}

// SyncNow handles POST /api/sync/now. It waits for the sync to finish; with
// ?async=1 it only wakes the background loop.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") == "1" {
		writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": h.sched.TriggerSync()})
		return
	}
	res, err := h.sched.SyncNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resume handles POST /api/sync/resume.
func (h *SyncHandler) Resume(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": h.sched.Resume()})
}

// ListConflicts handles GET /api/sync/conflicts?kind=.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := db.NewRepository(h.db).ListHistory(r.Context(), db.HistoryFilter{
		EntityUUID: q.Get("entity_uuid"),
		Kind:       models.HistoryKind(q.Get("kind")),
		Limit:      100,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": rows, "count": len(rows)})
}

// ListManualConflicts handles GET /api/sync/conflicts/manual.
func (h *SyncHandler) ListManualConflicts(w http.ResponseWriter, r *http.Request) {
	status := models.ManualConflictStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = models.ManualPending
	}
	rows, err := db.NewRepository(h.db).ListManualConflicts(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": rows, "count": len(rows)})
}

// ResolveRequest is the body of a manual resolution.
type ResolveRequest struct {
	Choice string `json:"choice"`
}

// ResolveManual handles POST /api/sync/conflicts/manual/{id}/resolve.
func (h *SyncHandler) ResolveManual(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	var mc *models.ManualConflict
	err := h.db.WithTx(ctx, func(tx *db.Tx) error {
		var err error
		mc, err = h.resolver.ResolveManual(ctx, db.NewRepository(tx), r.PathValue("id"), conflict.Outcome(req.Choice))
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The resolution is a local change; push it on the next pass.
	h.sched.TriggerSync()
	writeJSON(w, http.StatusOK, mc)
}
