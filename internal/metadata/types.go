package metadata

import (
	"fmt"

	"github.com/kalambet/fieldsync/internal/scheduler"
)

// Metadata keys.
const (
	KeyLastSync   = "ultimaSync"
	KeySyncConfig = "configSync"
	KeyDevice     = "dispositivo"
)

// DefaultDownloadTimes are the trigger times used when none are configured.
var DefaultDownloadTimes = []string{"06:00", "12:00"}

// SyncConfig is the sync option set exposed to the surrounding app.
type SyncConfig struct {
	DownloadTimes  []string `json:"horariosDownload"`
	SendOnCheckout bool     `json:"enviarNoCheckout"`
}

// DefaultSyncConfig returns the configuration used before any is stored.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		DownloadTimes:  append([]string(nil), DefaultDownloadTimes...),
		SendOnCheckout: true,
	}
}

// Validate checks every trigger time.
func (c SyncConfig) Validate() error {
	if _, err := scheduler.ParseTimes(c.DownloadTimes); err != nil {
		return fmt.Errorf("horariosDownload: %w", err)
	}
	return nil
}

// Times returns the parsed trigger times. The config must be valid.
func (c SyncConfig) Times() []scheduler.TimeOfDay {
	t, _ := scheduler.ParseTimes(c.DownloadTimes)
	return t
}

func copyConfig(c SyncConfig) SyncConfig {
	c.DownloadTimes = append([]string(nil), c.DownloadTimes...)
	return c
}
