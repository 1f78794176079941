package api

import (
	"encoding/json"
	"net/http"
)

const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withRequestID copies a predefined error so the shared value is never mutated.
func withRequestID(e *APIError, requestID string) *APIError {
	out := *e
	out.RequestID = requestID
	return &out
}
