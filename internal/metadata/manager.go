package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fieldsync/internal/storage"
)

// Store defines the storage operations the Manager needs.
// Implemented by storage.Store.
type Store interface {
	SetMeta(key, value string) error
	GetMeta(key string) (string, error)
	AllMeta() (map[string]string, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Manager provides cached, typed access to the sync metadata table.
type Manager struct {
	store  Store
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	cached   map[string]string
	cachedAt time.Time
}

// NewManager creates a Manager with a 60-second cache TTL.
func NewManager(store Store) *Manager {
	return NewManagerWithClock(store, realClock{}, 60*time.Second)
}

// NewManagerWithClock creates a Manager with a custom clock (for testing).
func NewManagerWithClock(store Store, clock Clock, ttl time.Duration) *Manager {
	return &Manager{store: store, clock: clock, ttl: ttl, logger: slog.Default()}
}

// All returns a copy of every metadata key.
func (m *Manager) All() (map[string]string, error) {
	m.mu.RLock()
	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		out := copyMap(m.cached)
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && m.clock.Now().Before(m.cachedAt.Add(m.ttl)) {
		return copyMap(m.cached), nil
	}

	all, err := m.store.AllMeta()
	if err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	m.cached = all
	m.cachedAt = m.clock.Now()
	return copyMap(all), nil
}

func (m *Manager) set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.SetMeta(key, value); err != nil {
		return fmt.Errorf("setting metadata %q: %w", key, err)
	}
	m.cached = nil
	return nil
}

// SyncConfig returns the stored sync configuration. Missing fields take their
// defaults; an unreadable stored value falls back to the defaults entirely.
func (m *Manager) SyncConfig() (SyncConfig, error) {
	all, err := m.All()
	if err != nil {
		return SyncConfig{}, err
	}
	raw, ok := all[KeySyncConfig]
	if !ok {
		return DefaultSyncConfig(), nil
	}

	cfg := DefaultSyncConfig()
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		m.logger.Warn("stored sync config unreadable, using defaults", "error", err)
		return DefaultSyncConfig(), nil
	}
	if cfg.DownloadTimes == nil {
		cfg.DownloadTimes = append([]string(nil), DefaultDownloadTimes...)
	}
	if err := cfg.Validate(); err != nil {
		m.logger.Warn("stored sync config invalid, using defaults", "error", err)
		return DefaultSyncConfig(), nil
	}
	return cfg, nil
}

// SetSyncConfig validates and persists cfg.
func (m *Manager) SetSyncConfig(cfg SyncConfig) error {
	if cfg.DownloadTimes == nil {
		cfg.DownloadTimes = []string{}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(copyConfig(cfg))
	if err != nil {
		return fmt.Errorf("marshalling sync config: %w", err)
	}
	return m.set(KeySyncConfig, string(b))
}

// LastSync returns the time of the last successful download. ok is false
// when no download has completed yet.
func (m *Manager) LastSync() (t time.Time, ok bool, err error) {
	all, err := m.All()
	if err != nil {
		return time.Time{}, false, err
	}
	raw, found := all[KeyLastSync]
	if !found || raw == "" {
		return time.Time{}, false, nil
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing %s: %w", KeyLastSync, err)
	}
	return t, true, nil
}

// SetLastSync records a successful download at t.
func (m *Manager) SetLastSync(t time.Time) error {
	return m.set(KeyLastSync, t.UTC().Format(time.RFC3339Nano))
}

// DeviceID returns the device identifier, generating and storing one on first use.
func (m *Manager) DeviceID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.store.GetMeta(KeyDevice)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reading device id: %w", err)
	}

	id = uuid.NewString()
	if err := m.store.SetMeta(KeyDevice, id); err != nil {
		return "", fmt.Errorf("storing device id: %w", err)
	}
	m.cached = nil
	return id, nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
