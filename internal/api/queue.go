package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

type checkInRequest struct {
	Payload json.RawMessage `json:"payload"`
	Lat     float64         `json:"lat"`
	Lng     float64         `json:"lng"`
}

func handleCheckIn(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req checkInRequest
		if err := decodeBody(w, r, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Payload) == 0 {
			req.Payload = json.RawMessage(`{}`)
		}
		if !isObject(req.Payload) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload must be a JSON object")
			return
		}

		res, err := deps.Sync.CheckIn(r.Context(), req.Payload, syncer.Position{Lat: req.Lat, Lng: req.Lng})
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func handleCheckout(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid session id %q", chi.URLParam(r, "id"))
			return
		}
		var pos syncer.Position
		if err := decodeBody(w, r, &pos); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Sync.Checkout(r.Context(), id, pos)
		if err != nil {
			sessionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func sessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, syncer.ErrTimeRejected) {
		httpError(w, http.StatusUnprocessableEntity, "time_rejected_error", "%v", err)
		return
	}
	storeError(w, err)
}

func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := chi.URLParam(r, "queue")
		if !storage.IsQueue(queue) {
			httpError(w, http.StatusNotFound, "not_found_error", "unknown queue %q", queue)
			return
		}
		var payload json.RawMessage
		if err := decodeBody(w, r, &payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !isObject(payload) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "payload must be a JSON object")
			return
		}

		id, err := deps.Store.Enqueue(queue, payload)
		if err != nil {
			storeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"localId": id, "queue": queue})
	}
}

func handleListQueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := chi.URLParam(r, "queue")

		var statuses []storage.SyncStatus
		if raw := r.URL.Query().Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				st := storage.SyncStatus(strings.TrimSpace(s))
				switch st {
				case storage.StatusPending, storage.StatusSynced, storage.StatusError:
					statuses = append(statuses, st)
				default:
					httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", s)
					return
				}
			}
		}

		entries, err := deps.Store.Entries(queue, statuses...)
		if err != nil {
			storeError(w, err)
			return
		}
		if entries == nil {
			entries = []storage.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func isObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
