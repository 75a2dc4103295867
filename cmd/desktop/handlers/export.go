package handlers

import (
	"net/http"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/export"
)

// Export event types.
const (
	EventExportCompleted = "export.completed"
	EventExportFailed    = "export.failed"
	EventImportCompleted = "import.completed"
	EventImportFailed    = "import.failed"
)

// ExportHandler handles offline export and import of sync packets.
type ExportHandler struct {
	export   export.ServiceInterface
	serverID string
	events   Broadcaster
}

// NewExportHandler creates a new ExportHandler. Exports are addressed to
// serverID. events may be nil.
func NewExportHandler(svc export.ServiceInterface, serverID string, events Broadcaster) *ExportHandler {
	return &ExportHandler{export: svc, serverID: serverID, events: events}
}

// ExportRequest represents the export request body.
type ExportRequest struct {
	Passphrase string `json:"passphrase"`  // seals the file when set
	OutputPath string `json:"output_path"` // optional custom output path
	Upload     bool   `json:"upload"`      // also put the file in the object store
}

// ImportRequest represents the import request body. Exactly one of Path and
// Object is set.
type ImportRequest struct {
	Path       string `json:"path"`
	Object     string `json:"object"`
	Passphrase string `json:"passphrase"`
}

func (h *ExportHandler) emit(eventType string, data interface{}) {
	if h.events != nil {
		h.events.Broadcast(eventType, data)
	}
}

// Export handles POST /api/sync/export.
func (h *ExportHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	result, err := h.export.Export(r.Context(), export.ExportConfig{
		PeerNodeID: h.serverID,
		OutputPath: req.OutputPath,
		Passphrase: req.Passphrase,
		Upload:     req.Upload,
	})
	if err != nil {
		h.emit(EventExportFailed, map[string]interface{}{"error": err.Error(), "code": apperrors.CodeOf(err)})
		writeError(w, r, err)
		return
	}
	h.emit(EventExportCompleted, result)
	writeJSON(w, http.StatusOK, result)
}

// Import handles POST /api/sync/import.
func (h *ExportHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if (req.Path == "") == (req.Object == "") {
		writeError(w, r, apperrors.New(apperrors.ErrInvalid, "exactly one of path and object is required"))
		return
	}

	var (
		result *export.ImportResult
		err    error
	)
	if req.Path != "" {
		result, err = h.export.Import(r.Context(), export.ImportConfig{Path: req.Path, Passphrase: req.Passphrase})
	} else {
		result, err = h.export.ImportFromStore(r.Context(), req.Object, req.Passphrase)
	}
	if err != nil {
		h.emit(EventImportFailed, map[string]interface{}{"error": err.Error(), "code": apperrors.CodeOf(err)})
		writeError(w, r, err)
		return
	}
	h.emit(EventImportCompleted, result)
	writeJSON(w, http.StatusOK, result)
}
