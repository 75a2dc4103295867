// Package handlers provides the desktop node's local REST API.
// Desktop front ends talk to it over localhost.
package handlers

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/fieldledger/fieldledger/backend/internal/errors"
	"github.com/fieldledger/fieldledger/backend/internal/logging"
	"github.com/fieldledger/fieldledger/backend/internal/sync/client"
)

// Broadcaster receives events for connected front ends.
type Broadcaster interface {
	Broadcast(eventType string, data interface{})
}

// maxRequestBody bounds JSON request bodies of the local API.
const maxRequestBody = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to write response", err)
	}
}

// writeError maps err to its status and code. Internal details of 5xx
// errors stay in the log.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	status := apperrors.HTTPStatus(code)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("local api request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		msg = "internal error"
		if code == apperrors.ErrNetwork {
			msg = "sync server unreachable"
		}
	}
	writeJSON(w, status, client.ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody)).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
