package handlers

import "net/http"

// Healthz is a liveness probe.
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{Status: "healthy"})
	})
}

type rootResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

// Root identifies the service at /.
func Root(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, rootResponse{Service: "mrs", Version: version})
	})
}
