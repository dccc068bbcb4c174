// Package syncer is the sync orchestrator: it owns connectivity state, runs
// the download and upload phases against the remote server and applies
// checkout and check-in against the local queue.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/fieldsync/internal/events"
	"github.com/kalambet/fieldsync/internal/metadata"
	"github.com/kalambet/fieldsync/internal/remote"
	"github.com/kalambet/fieldsync/internal/scheduler"
	"github.com/kalambet/fieldsync/internal/storage"
)

// ErrTimeRejected is returned when the server refuses the operation timestamp.
var ErrTimeRejected = errors.New("operation time rejected by server")

// Store defines the storage operations the orchestrator needs.
// Implemented by storage.Store.
type Store interface {
	ReplaceCollection(name string, rows []storage.Record) error
	Entries(queue string, statuses ...storage.SyncStatus) ([]storage.Entry, error)
	Entry(queue string, localID int64) (*storage.Entry, error)
	EnqueueAt(queue string, payload json.RawMessage, createdAt time.Time) (int64, error)
	MarkSynced(queue string, localID, revision int64, serverResponse json.RawMessage) error
	MarkError(queue string, localID, revision int64, errInfo string) error
	RecordCheckout(localID int64, at time.Time, lat, lng float64) error
	CountPending() (storage.PendingCounts, error)
	PurgeSyncedOlderThan(retention time.Duration) (int, error)
}

// Remote defines the server calls the orchestrator makes.
// Implemented by remote.Client.
type Remote interface {
	HasToken(ctx context.Context) bool
	FetchCategory(ctx context.Context, cat remote.Category) ([]json.RawMessage, error)
	SendEntry(ctx context.Context, path string, entry any) (remote.Ack, error)
	SendRoutes(ctx context.Context, routes any) (remote.Ack, error)
	RegisterSync(ctx context.Context, kind string, at time.Time, device string) error
	ForcedFlags(ctx context.Context) (remote.Forced, error)
	ClearForced(ctx context.Context, kind string) error
	ValidateTime(ctx context.Context, operation string, at time.Time) (remote.Verdict, error)
}

// Metadata defines the sync metadata access the orchestrator needs.
// Implemented by metadata.Manager.
type Metadata interface {
	SyncConfig() (metadata.SyncConfig, error)
	SetSyncConfig(cfg metadata.SyncConfig) error
	LastSync() (time.Time, bool, error)
	SetLastSync(t time.Time) error
	DeviceID() (string, error)
}

// Rearmer is the part of the scheduler the orchestrator drives on reconfigure.
type Rearmer interface {
	Reconfigure(times []scheduler.TimeOfDay)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds the orchestrator tunables.
type Config struct {
	PhaseTimeout       time.Duration
	ForcedPollInterval time.Duration
	Retention          time.Duration
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		PhaseTimeout:       5 * time.Minute,
		ForcedPollInterval: 5 * time.Minute,
		Retention:          7 * 24 * time.Hour,
	}
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Store    Store
	Remote   Remote
	Metadata Metadata
	Events   events.Publisher
	Clock    Clock
	Logger   *slog.Logger
}

// Orchestrator coordinates download, upload and session operations.
type Orchestrator struct {
	store  Store
	remote Remote
	meta   Metadata
	events events.Publisher
	clock  Clock
	logger *slog.Logger
	cfg    Config

	online   atomic.Bool
	download phaseGuard
	upload   phaseGuard

	schedMu sync.Mutex
	sched   Rearmer

	errMu       sync.Mutex
	lastError   string
	lastErrorAt time.Time

	bg sync.WaitGroup
}

type noopPublisher struct{}

func (noopPublisher) Publish(events.Type, any) {}

// New creates an Orchestrator. Zero Config fields take their defaults.
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = def.PhaseTimeout
	}
	if cfg.ForcedPollInterval <= 0 {
		cfg.ForcedPollInterval = def.ForcedPollInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	o := &Orchestrator{
		store:  deps.Store,
		remote: deps.Remote,
		meta:   deps.Metadata,
		events: deps.Events,
		clock:  deps.Clock,
		logger: deps.Logger,
		cfg:    cfg,
	}
	if o.events == nil {
		o.events = noopPublisher{}
	}
	if o.clock == nil {
		o.clock = realClock{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// SetScheduler attaches the scheduler re-armed by Reconfigure.
func (o *Orchestrator) SetScheduler(s Rearmer) {
	o.schedMu.Lock()
	o.sched = s
	o.schedMu.Unlock()
}

// Online reports the current connectivity flag.
func (o *Orchestrator) Online() bool {
	return o.online.Load()
}

// SetOnline updates the connectivity flag. A transition to online checks the
// forced-sync flags and then drains the upload queues in the background.
// Going offline cancels nothing.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) {
	if o.online.Swap(online) == online {
		return
	}
	if !online {
		o.logger.Info("connectivity lost")
		o.events.Publish(events.Offline, nil)
		return
	}

	o.logger.Info("connectivity restored")
	o.events.Publish(events.Online, nil)
	o.background(ctx, func(ctx context.Context) {
		if _, err := o.CheckForced(ctx); err != nil {
			o.logger.Warn("forced sync check failed", "error", err)
		}
		o.Push(ctx)
	})
}

// background runs fn detached from the caller's cancellation.
func (o *Orchestrator) background(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		fn(ctx)
	}()
}

// Wait blocks until background work started by SetOnline and Checkout is done.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Reconfigure validates and stores cfg, then re-arms the scheduler.
func (o *Orchestrator) Reconfigure(cfg metadata.SyncConfig) error {
	if err := o.meta.SetSyncConfig(cfg); err != nil {
		return err
	}

	o.schedMu.Lock()
	sched := o.sched
	o.schedMu.Unlock()
	if sched != nil {
		sched.Reconfigure(cfg.Times())
	}

	o.logger.Info("sync config updated", "horariosDownload", cfg.DownloadTimes, "enviarNoCheckout", cfg.SendOnCheckout)
	o.events.Publish(events.ConfigChanged, cfg)
	return nil
}

// ScheduledPull is the scheduler callback.
func (o *Orchestrator) ScheduledPull(ctx context.Context, slot scheduler.TimeOfDay) {
	res := o.Pull(ctx)
	o.logger.Info("scheduled download finished", "slot", slot.String(), "status", res.Status)
}

// StatusReport is a snapshot of the orchestrator state.
type StatusReport struct {
	Online      bool                  `json:"online"`
	Downloading bool                  `json:"downloading"`
	Uploading   bool                  `json:"uploading"`
	LastSync    *time.Time            `json:"ultimaSync,omitempty"`
	LastError   string                `json:"lastError,omitempty"`
	LastErrorAt *time.Time            `json:"lastErrorAt,omitempty"`
	Pending     storage.PendingCounts `json:"pending"`
	Config      metadata.SyncConfig   `json:"configSync"`
}

// Status returns the current state snapshot.
func (o *Orchestrator) Status() (StatusReport, error) {
	r := StatusReport{
		Online:      o.Online(),
		Downloading: o.download.isRunning(),
		Uploading:   o.upload.isRunning(),
	}

	if t, ok, err := o.meta.LastSync(); err != nil {
		return r, err
	} else if ok {
		r.LastSync = &t
	}

	o.errMu.Lock()
	r.LastError = o.lastError
	if !o.lastErrorAt.IsZero() {
		at := o.lastErrorAt
		r.LastErrorAt = &at
	}
	o.errMu.Unlock()

	counts, err := o.store.CountPending()
	if err != nil {
		return r, err
	}
	r.Pending = counts

	cfg, err := o.meta.SyncConfig()
	if err != nil {
		return r, err
	}
	r.Config = cfg
	return r, nil
}

// PendingCounts returns the per-queue pending counts.
func (o *Orchestrator) PendingCounts() (storage.PendingCounts, error) {
	return o.store.CountPending()
}

// Purge removes synced entries past the retention window.
func (o *Orchestrator) Purge() (int, error) {
	return o.store.PurgeSyncedOlderThan(o.cfg.Retention)
}

func (o *Orchestrator) recordError(phase, msg string) {
	o.errMu.Lock()
	o.lastError = msg
	o.lastErrorAt = o.clock.Now()
	o.errMu.Unlock()

	o.events.Publish(events.SyncError, map[string]string{"phase": phase, "error": msg})
}

func (o *Orchestrator) clearError() {
	o.errMu.Lock()
	o.lastError = ""
	o.lastErrorAt = time.Time{}
	o.errMu.Unlock()
}

func (o *Orchestrator) deviceID() string {
	id, err := o.meta.DeviceID()
	if err != nil {
		o.logger.Warn("device id unavailable", "error", err)
		return ""
	}
	return id
}
