package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by Add when the key is already taken.
	ErrExists = errors.New("record already exists")
	// ErrUnknownCollection is returned for collection names the store does not manage.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrUnknownQueue is returned for queue names the store does not manage.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrChanged is returned when a delivery outcome is recorded against an
	// entry revision that is no longer current.
	ErrChanged = errors.New("entry changed since it was read")
)

// Reference collections, fully replaced on every download.
const (
	CollectionUser          = "usuario"
	CollectionRoute         = "roteiro"
	CollectionCustomers     = "clientes"
	CollectionCoordinates   = "coordenadas"
	CollectionDocumentTypes = "tipos_documento"
	CollectionExpenseTypes  = "tipos_gasto"
)

// Outbound queues.
const (
	QueueSessions = "sessoes"
	QueueRecords  = "registros"
	QueuePhotos   = "fotos"
	QueueRoutes   = "rotas"
)

// currentUserKey is the single key of the signed-in user in CollectionUser.
const currentUserKey = "current"

var collections = map[string]bool{
	CollectionUser:          true,
	CollectionRoute:         true,
	CollectionCustomers:     true,
	CollectionCoordinates:   true,
	CollectionDocumentTypes: true,
	CollectionExpenseTypes:  true,
}

// Queues lists the outbound queues in upload order.
var Queues = []string{QueueSessions, QueueRecords, QueuePhotos, QueueRoutes}

// IsCollection reports whether name is a managed reference collection.
func IsCollection(name string) bool { return collections[name] }

// IsQueue reports whether name is a managed outbound queue.
func IsQueue(name string) bool {
	for _, q := range Queues {
		if q == name {
			return true
		}
	}
	return false
}

// SyncStatus is the delivery state of a queue entry.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// Record is one row of a reference collection.
type Record struct {
	Key  string
	Data json.RawMessage
}

// Checkout is the checkout sub-record of a session entry.
type Checkout struct {
	At  time.Time
	Lat float64
	Lng float64
}

// Entry is a locally created record awaiting transmission.
type Entry struct {
	LocalID        int64
	Queue          string
	Payload        json.RawMessage
	SyncStatus     SyncStatus
	CreatedAt      time.Time
	Attempts       int
	LastError      string
	SyncedAt       *time.Time
	ServerResponse json.RawMessage
	Checkout       *Checkout
	// Revision is bumped by every local mutation after creation.
	Revision int64
}

// WireLayout is the timestamp form exchanged with the server: UTC with
// millisecond precision.
const WireLayout = "2006-01-02T15:04:05.000Z07:00"

// WireTime formats t for the server.
func WireTime(t time.Time) string {
	return t.UTC().Format(WireLayout)
}

// MarshalJSON flattens the payload fields together with the queue bookkeeping
// fields, which is the form the server expects for one entry.
func (e Entry) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage)
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &m); err != nil {
			return nil, err
		}
	}
	set := func(key string, v any) {
		b, _ := json.Marshal(v)
		m[key] = b
	}
	set("localId", e.LocalID)
	set("syncStatus", e.SyncStatus)
	set("createdAt", WireTime(e.CreatedAt))
	set("attempts", e.Attempts)
	if e.LastError != "" {
		set("lastError", e.LastError)
	}
	if e.Checkout != nil {
		set("checkout_at", WireTime(e.Checkout.At))
		set("checkout_lat", e.Checkout.Lat)
		set("checkout_lng", e.Checkout.Lng)
	}
	return json.Marshal(m)
}

// PendingCounts holds per-queue counts of entries in pending status.
type PendingCounts struct {
	Sessions int `json:"sessoes"`
	Records  int `json:"registros"`
	Photos   int `json:"fotos"`
	Routes   int `json:"rotas"`
	Total    int `json:"total"`
}
