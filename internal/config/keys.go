package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "FIELDSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "proxy.port", typ: kInt, env: "FIELDSYNC_PROXY_PORT",
		apply:   func(cfg *Config, v any) { cfg.Proxy.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Proxy.Port },
	},
	{
		key: "proxy.max_conns", typ: kInt, env: "FIELDSYNC_PROXY_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Proxy.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Proxy.MaxConns },
	},
	{
		key: "remote.origin", typ: kString, env: "FIELDSYNC_REMOTE_ORIGIN",
		apply:   func(cfg *Config, v any) { cfg.Remote.Origin = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Origin },
	},
	{
		key: "remote.timeout", typ: kDuration, env: "FIELDSYNC_REMOTE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.Timeout },
	},
	{
		key: "remote.token", typ: kString, env: "FIELDSYNC_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Token },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FIELDSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "FIELDSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "FIELDSYNC_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "sync.download_times", typ: kString, env: "FIELDSYNC_SYNC_DOWNLOAD_TIMES",
		apply:   func(cfg *Config, v any) { cfg.Sync.DownloadTimes = v.(string) },
		extract: func(cfg Config) any { return cfg.Sync.DownloadTimes },
	},
	{
		key: "sync.send_on_checkout", typ: kBool, env: "FIELDSYNC_SYNC_SEND_ON_CHECKOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.SendOnCheckout = v.(bool) },
		extract: func(cfg Config) any { return cfg.Sync.SendOnCheckout },
	},
	{
		key: "sync.forced_poll_interval", typ: kDuration, env: "FIELDSYNC_SYNC_FORCED_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ForcedPollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.ForcedPollInterval },
	},
	{
		key: "sync.phase_timeout", typ: kDuration, env: "FIELDSYNC_SYNC_PHASE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Sync.PhaseTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.PhaseTimeout },
	},
	{
		key: "sync.retention", typ: kDuration, env: "FIELDSYNC_SYNC_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Sync.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Retention },
	},
	{
		key: "sync.probe_interval", typ: kDuration, env: "FIELDSYNC_SYNC_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.ProbeInterval },
	},
	{
		key: "cache.version", typ: kString, env: "FIELDSYNC_CACHE_VERSION",
		apply:   func(cfg *Config, v any) { cfg.Cache.Version = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.Version },
	},
	{
		key: "cache.shell_assets", typ: kString, env: "FIELDSYNC_CACHE_SHELL_ASSETS",
		apply:   func(cfg *Config, v any) { cfg.Cache.ShellAssets = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.ShellAssets },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if d, err := parseDuration(v); err == nil {
					s.apply(cfg, d)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := parseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}
