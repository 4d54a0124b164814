package httpapi

import (
	"encoding/json"
	"net/http"

	"llamagate/pkg/types"
)

// writeJSONError writes a transport-level error (bad body, wrong media type).
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
