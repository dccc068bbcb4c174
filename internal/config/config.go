package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Proxy   ProxyConfig
	Remote  RemoteConfig
	Storage StorageConfig
	Log     LogConfig
	Sync    SyncConfig
	Cache   CacheConfig
}

type ServerConfig struct {
	Port int
}

// ProxyConfig configures the local interception proxy.
type ProxyConfig struct {
	Port     int
	MaxConns int
}

type RemoteConfig struct {
	Origin  string
	Timeout time.Duration
	Token   string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
	File  string
}

type SyncConfig struct {
	DownloadTimes      string
	SendOnCheckout     bool
	ForcedPollInterval time.Duration
	PhaseTimeout       time.Duration
	Retention          time.Duration
	ProbeInterval      time.Duration
}

// Times returns the configured download trigger times.
func (s SyncConfig) Times() []string { return splitList(s.DownloadTimes) }

type CacheConfig struct {
	Version     string
	ShellAssets string
}

// Assets returns the shell asset paths fetched at install.
func (c CacheConfig) Assets() []string { return splitList(c.ShellAssets) }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Proxy: ProxyConfig{
			Port:     4101,
			MaxConns: 64,
		},
		Remote: RemoteConfig{
			Timeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Sync: SyncConfig{
			DownloadTimes:      "06:00,12:00",
			SendOnCheckout:     true,
			ForcedPollInterval: 5 * time.Minute,
			PhaseTimeout:       5 * time.Minute,
			Retention:          7 * 24 * time.Hour,
			ProbeInterval:      30 * time.Second,
		},
		Cache: CacheConfig{
			Version:     "v1",
			ShellAssets: "/,/index.html,/app.js,/app.css,/manifest.json",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/fieldsync/config.json, environment variables and the
// secrets file.
//
// Environment variables (FIELDSYNC_*) override file values. The remote token
// is read from FIELDSYNC_REMOTE_TOKEN or, failing that, the secrets file.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadFromPath(path string, kc keychain) (Config, error) {
	return loadWith(newFileBackend(path), kc)
}

// keychain is the read side of Keychain, narrowed for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.Token == "" {
		if tok, err := kc.Get(secretService, remoteTokenAccount); err == nil && tok != "" {
			cfg.Remote.Token = tok
		}
	}

	if cfg.Remote.Origin == "" {
		return Config{}, fmt.Errorf("missing required config: remote origin. " +
			"Set it with `fieldsync config set remote.origin <url>` or FIELDSYNC_REMOTE_ORIGIN")
	}
	cfg.Remote.Origin = strings.TrimRight(cfg.Remote.Origin, "/")

	return cfg, nil
}
