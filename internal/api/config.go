package api

import (
	"net/http"
	"time"

	"github.com/kalambet/fieldsync/internal/metadata"
)

func handleGetSyncConfig(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := deps.Config.SyncConfig()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading sync config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

func handlePutSyncConfig(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg metadata.SyncConfig
		if err := decodeBody(w, r, &cfg); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err := deps.Sync.Reconfigure(cfg); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving sync config: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

type validateTimeRequest struct {
	Operation string     `json:"tipoOperacao"`
	Timestamp *time.Time `json:"timestamp"`
}

func handleValidateTime(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validateTimeRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Operation == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tipoOperacao is required")
			return
		}
		at := time.Now()
		if req.Timestamp != nil {
			at = *req.Timestamp
		}
		writeJSON(w, http.StatusOK, deps.Sync.ValidateTime(r.Context(), req.Operation, at))
	}
}
