package handlers

import (
	"net/http"
	"time"

	"github.com/fieldledger/fieldledger/backend/internal/logging"
)

// Routes mounts the local API on mux.
func Routes(mux *http.ServeMux, sync *SyncHandler, exp *ExportHandler, ent *EntityHandler) {
	mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "fieldledger-desktop"})
	})

	mux.HandleFunc("GET /api/sync/status", sync.Status)
	mux.HandleFunc("POST /api/sync/now", sync.SyncNow)
	mux.HandleFunc("POST /api/sync/resume", sync.Resume)
	mux.HandleFunc("GET /api/sync/conflicts", sync.ListConflicts)
	mux.HandleFunc("GET /api/sync/conflicts/manual", sync.ListManualConflicts)
	mux.HandleFunc("POST /api/sync/conflicts/manual/{id}/resolve", sync.ResolveManual)

	mux.HandleFunc("POST /api/sync/export", exp.Export)
	mux.HandleFunc("POST /api/sync/import", exp.Import)

	mux.HandleFunc("GET /api/entities", ent.Types)
	mux.HandleFunc("GET /api/entities/{type}", ent.List)
	mux.HandleFunc("POST /api/entities/{type}", ent.Save)
	mux.HandleFunc("GET /api/entities/{type}/{uuid}", ent.Get)
	mux.HandleFunc("DELETE /api/entities/{type}/{uuid}", ent.Delete)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// WithLogging logs every request at debug level.
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Debug("local api request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}
