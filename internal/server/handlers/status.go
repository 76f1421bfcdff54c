package handlers

import (
	"net/http"
	"runtime"
)

// VersionResponse is the body of /version.
type VersionResponse struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

// VersionHandler serves /version.
func VersionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Version: version, GoVersion: runtime.Version()})
	}
}

// StatusHandler serves the snapshot returned by source as JSON.
func StatusHandler[T any](source func() T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, source())
	}
}
