package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/fieldsync/internal/storage"
)

var (
	// ErrNoToken is returned when the token source has no bearer token.
	ErrNoToken = errors.New("no authentication token")
	// ErrUnauthorized is returned on HTTP 401/403.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnreachable wraps transport failures and offline answers.
	ErrUnreachable = errors.New("server unreachable")
	// ErrMalformed is returned when a response lacks the success indicator
	// or the expected payload.
	ErrMalformed = errors.New("malformed response")
)

// RejectedError is a well-formed answer with ok:false.
type RejectedError struct {
	Status  int
	Message string
	Body    json.RawMessage
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rejected (HTTP %d)", e.Status)
}

// Ack is the server answer to one accepted upload.
type Ack struct {
	Message string
	Raw     json.RawMessage
}

// Forced holds the operator-issued forced-sync flags for this device.
type Forced struct {
	Download bool `json:"forcarDownload"`
	Upload   bool `json:"forcarUpload"`
}

// Verdict is the answer of the time validation endpoint.
type Verdict struct {
	OK    bool `json:"ok"`
	Valid bool `json:"valido"`
}

// Sync directions as the server names them.
const (
	KindDownload = "download"
	KindUpload   = "upload"
)

// Category is one reference data endpoint.
type Category struct {
	Path  string
	Field string
}

// Categories lists the reference endpoints fetched by a download.
var (
	CategoryRoute         = Category{Path: "/sync/roteiro", Field: "roteiro"}
	CategoryCustomers     = Category{Path: "/sync/clientes", Field: "clientes"}
	CategoryCoordinates   = Category{Path: "/sync/coordenadas", Field: "coordenadas"}
	CategoryDocumentTypes = Category{Path: "/sync/tipos-documento", Field: "tiposDocumento"}
	CategoryExpenseTypes  = Category{Path: "/sync/tipos-gasto", Field: "tiposGasto"}
)

// Upload endpoints.
const (
	PathSession  = "/sync/sessao"
	PathRecord   = "/sync/registro"
	PathPhoto    = "/sync/foto"
	PathRoutes   = "/sync/rotas"
	pathRegister = "/sync/registrar"
	pathForced   = "/sync/verificar-forca"
	pathClear    = "/sync/limpar-forca"
	pathValidate = "/sync/validar-tempo"
)

// wireTime is the timestamp form sent to the server. Queue entries use the
// same form when flattened.
func wireTime(t time.Time) string {
	return storage.WireTime(t)
}

type registerRequest struct {
	Kind      string `json:"tipo"`
	Timestamp string `json:"timestamp"`
	Device    string `json:"dispositivo"`
}

type clearRequest struct {
	Kind string `json:"tipo"`
}

type validateRequest struct {
	Operation string `json:"tipoOperacao"`
	Timestamp string `json:"timestamp"`
}

type routesRequest struct {
	Routes any `json:"rotas"`
}
