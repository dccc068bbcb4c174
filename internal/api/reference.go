package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fieldsync/internal/storage"
)

// handleListReference returns the rows of a collection, optionally filtered
// by ?field=&value=.
func handleListReference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		collection := chi.URLParam(r, "collection")
		field := r.URL.Query().Get("field")

		var (
			rows []storage.Record
			err  error
		)
		if field != "" {
			if !storage.IsCollection(collection) {
				httpError(w, http.StatusNotFound, "not_found_error", "unknown collection %q", collection)
				return
			}
			rows, err = deps.Store.GetByIndex(collection, field, r.URL.Query().Get("value"))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		} else {
			rows, err = deps.Store.GetAll(collection)
			if err != nil {
				storeError(w, err)
				return
			}
		}

		out := make([]json.RawMessage, len(rows))
		for i, row := range rows {
			out[i] = row.Data
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetReference(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := deps.Store.Get(chi.URLParam(r, "collection"), chi.URLParam(r, "key"))
		if err != nil {
			storeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func handleGetUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := deps.Store.CurrentUser()
		if err != nil {
			storeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func handlePutUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var user json.RawMessage
		if err := decodeBody(w, r, &user); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !isObject(user) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user must be a JSON object")
			return
		}
		if err := deps.Store.SetCurrentUser(user); err != nil {
			storeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
