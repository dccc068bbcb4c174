package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/fieldsync/internal/metadata"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/storage"
	"github.com/kalambet/fieldsync/internal/syncer"
)

const maxRequestBodySize = 10 << 20 // 10MB, photos travel base64-encoded

// Syncer is the orchestrator surface the API drives.
// Implemented by syncer.Orchestrator.
type Syncer interface {
	Status() (syncer.StatusReport, error)
	Pull(ctx context.Context) syncer.DownloadResult
	Push(ctx context.Context) syncer.UploadResult
	CheckForced(ctx context.Context) (syncer.ForcedResult, error)
	Purge() (int, error)
	PendingCounts() (storage.PendingCounts, error)
	CheckIn(ctx context.Context, payload json.RawMessage, pos syncer.Position) (syncer.CheckInResult, error)
	Checkout(ctx context.Context, localID int64, pos syncer.Position) (syncer.CheckoutResult, error)
	ValidateTime(ctx context.Context, operation string, at time.Time) remote.Verdict
	Reconfigure(cfg metadata.SyncConfig) error
}

// Store is the read/enqueue surface of the local store.
// Implemented by storage.Store.
type Store interface {
	Get(collection, key string) (json.RawMessage, error)
	GetAll(collection string) ([]storage.Record, error)
	GetByIndex(collection, field, value string) ([]storage.Record, error)
	Enqueue(queue string, payload json.RawMessage) (int64, error)
	Entries(queue string, statuses ...storage.SyncStatus) ([]storage.Entry, error)
	SetCurrentUser(data json.RawMessage) error
	CurrentUser() (json.RawMessage, error)
}

// ConfigReader reads the stored sync configuration.
// Implemented by metadata.Manager.
type ConfigReader interface {
	SyncConfig() (metadata.SyncConfig, error)
}

type AppDeps struct {
	Sync   Syncer
	Store  Store
	Config ConfigReader
	Events *EventHub // optional; if nil, /events is not mounted
	Token  string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/status", handleStatus(deps))
		r.Post("/sync/download", handleDownload(deps))
		r.Post("/sync/upload", handleUpload(deps))
		r.Post("/sync/forced", handleForced(deps))
		r.Post("/sync/purge", handlePurge(deps))

		r.Post("/sessions", handleCheckIn(deps))
		r.Post("/sessions/{id}/checkout", handleCheckout(deps))
		r.Post("/queue/{queue}", handleEnqueue(deps))
		r.Get("/queue/{queue}", handleListQueue(deps))

		r.Get("/reference/{collection}", handleListReference(deps))
		r.Get("/reference/{collection}/{key}", handleGetReference(deps))
		r.Get("/user", handleGetUser(deps))
		r.Put("/user", handlePutUser(deps))

		r.Get("/config/sync", handleGetSyncConfig(deps))
		r.Put("/config/sync", handlePutSyncConfig(deps))
		r.Post("/validate-time", handleValidateTime(deps))

		if deps.Events != nil {
			r.Get("/events", deps.Events.ServeHTTP)
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// decodeBody decodes the request body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// storeError maps store errors onto the JSON envelope.
func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrUnknownCollection), errors.Is(err, storage.ErrUnknownQueue):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, storage.ErrExists):
		httpError(w, http.StatusConflict, "conflict_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}
