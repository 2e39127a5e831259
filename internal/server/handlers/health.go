package handlers

import (
	"encoding/json"
	"net/http"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Sessions *int   `json:"sessions,omitempty"`
}

// Health returns the health status of the server
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// SessionCounter reports live sessions.
type SessionCounter interface {
	Len() int
}

// Ready returns the readiness status of the server with the number of live
// sessions.
func Ready(sessions SessionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := sessions.Len()
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Sessions: &n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
