// Package handlers contains the HTTP handlers for every public and
// admin endpoint. Handlers decode, call a domain service, and map
// domain errors onto the stable error taxonomy; they hold no logic of
// their own.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mrs-federation/server/internal/api/apierror"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads the request body into dst and writes the error
// response itself on failure, so callers can just return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			apierror.Write(w, r, apierror.CodeMissingField, "request body required", err)
			return false
		}
		apierror.Write(w, r, apierror.CodeTypeMismatch, "malformed request body", err)
		return false
	}
	return true
}

type statusResponse struct {
	Status string `json:"status"`
}
