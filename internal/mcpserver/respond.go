package mcpserver

import (
	"encoding/json"
	"net/http"

	"github.com/agentgate/backend/internal/apperr"
)

func writeJSONBody(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSONBody(w, status, map[string]any{"error": message})
}

func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	writeJSONBody(w, apperr.HTTPStatus(kind), map[string]any{
		"error":   apperr.Code(kind),
		"message": err.Error(),
	})
}
