package syncer

import (
	"time"

	"github.com/kalambet/fieldsync/internal/storage"
)

// Status is the outcome of one sync phase.
type Status string

const (
	StatusOK         Status = "ok"
	StatusPartial    Status = "partial"
	StatusInProgress Status = "in_progress"
	StatusOffline    Status = "offline"
	StatusAuthError  Status = "auth_error"
	StatusTimeout    Status = "timeout"
	StatusError      Status = "error"
)

// CategoryResult is the outcome of one reference category download.
type CategoryResult struct {
	Collection string `json:"collection"`
	Rows       int    `json:"rows"`
	Error      string `json:"error,omitempty"`
}

// DownloadResult is the outcome of Pull.
type DownloadResult struct {
	Status     Status           `json:"status"`
	Categories []CategoryResult `json:"categories,omitempty"`
	Committed  int              `json:"committed"`
	LastSync   *time.Time       `json:"ultimaSync,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// UploadResult is the outcome of Push.
type UploadResult struct {
	Status  Status                `json:"status"`
	Sent    int                   `json:"sent"`
	Failed  int                   `json:"failed"`
	Purged  int                   `json:"purged"`
	Pending storage.PendingCounts `json:"pending"`
	Error   string                `json:"error,omitempty"`
}

// ForcedResult reports which forced directions ran.
type ForcedResult struct {
	Download *DownloadResult `json:"download,omitempty"`
	Upload   *UploadResult   `json:"upload,omitempty"`
}
