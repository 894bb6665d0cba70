package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sprintconnect/authsession/internal/auth"
)

type errorResponse struct {
	Status           string         `json:"status"`
	Error            auth.ErrorCode `json:"error"`
	ErrorDescription string         `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAuthError(w http.ResponseWriter, status int, err error) {
	authErr := auth.Normalize(err)
	writeJSON(w, status, errorResponse{
		Status:           "error",
		Error:            authErr.Code,
		ErrorDescription: authErr.Description,
	})
}
