package handlers

import (
	"io"
	"net/http"
	"strconv"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/services"
	"github.com/fieldledger/fieldledger/backend/internal/sync/registry"
	"github.com/fieldledger/fieldledger/backend/internal/sync/serializer"
	"github.com/fieldledger/fieldledger/backend/internal/uuid"
)

// EntityHandler handles business entities as sync documents. Every write
// goes through the entity service so it is tracked for sync.
type EntityHandler struct {
	entities *services.EntityService
	ser      *serializer.Serializer
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(entities *services.EntityService, ser *serializer.Serializer) *EntityHandler {
	return &EntityHandler{entities: entities, ser: ser}
}

// Types handles GET /api/entities.
func (h *EntityHandler) Types(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, d := range h.ser.Registry().Descriptors() {
		if !d.Child {
			names = append(names, d.Name)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"types": names})
}

// List handles GET /api/entities/{type}?limit=&offset=.
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	items, err := h.entities.List(r.Context(), r.PathValue("type"), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	docs := make([]serializer.Document, 0, len(items))
	for _, e := range items {
		doc, err := h.ser.Serialize(e)
		if err != nil {
			writeError(w, r, err)
			return
		}
		docs = append(docs, doc)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  docs,
		"count":  len(docs),
		"limit":  limit,
		"offset": offset,
	})
}

// Get handles GET /api/entities/{type}/{uuid}.
func (h *EntityHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.entities.Get(r.Context(), r.PathValue("type"), r.PathValue("uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := h.ser.Serialize(e)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Save handles POST /api/entities/{type}. The body is a sync document; a
// missing uuid creates a new entity.
func (h *EntityHandler) Save(w http.ResponseWriter, r *http.Request) {
	typeName := r.PathValue("type")
	d, err := h.ser.Registry().Lookup(typeName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if d.Child {
		writeError(w, r, apperrors.Newf(apperrors.ErrInvalid, "%s is saved through its parent", d.Name))
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.ErrInvalid, "read request body", err))
		return
	}
	doc, err := serializer.Parse(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := fillIDs(h.ser.Registry(), d, doc); err != nil {
		writeError(w, r, err)
		return
	}
	e, err := h.ser.Deserialize(typeName, doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	e.Meta().IsDeleted = false

	if err := h.entities.Save(r.Context(), e); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.ser.Serialize(e)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Delete handles DELETE /api/entities/{type}/{uuid}.
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.entities.Delete(r.Context(), r.PathValue("type"), r.PathValue("uuid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fillIDs gives new documents and their nested items a uuid and links nested
// items to their parent.
func fillIDs(reg *registry.Registry, d *registry.Descriptor, doc serializer.Document) error {
	id, _ := doc[registry.KeyUUID].(string)
	if id == "" {
		id = uuid.New()
		doc[registry.KeyUUID] = id
	}
	for _, c := range d.Collections {
		items, ok := doc[c.Name].([]interface{})
		if !ok {
			continue
		}
		child, err := reg.Lookup(c.ElemType)
		if err != nil {
			return err
		}
		for _, item := range items {
			cdoc, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if cdoc[c.ParentColumn] == nil {
				cdoc[c.ParentColumn] = id
			}
			if err := fillIDs(reg, child, cdoc); err != nil {
				return err
			}
		}
	}
	return nil
}
