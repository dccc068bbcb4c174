package api

import (
	"net/http"
)

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Sync.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// Phase results always come back as 200; the status field carries the outcome.
func handleDownload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Sync.Pull(r.Context()))
	}
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Sync.Push(r.Context()))
	}
}

func handleForced(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Sync.CheckForced(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "checking forced flags: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handlePurge(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Sync.Purge()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "purging: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"purged": n})
	}
}
