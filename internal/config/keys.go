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

var getenv = os.Getenv

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CATCHSYNC_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CATCHSYNC_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "remote.base_url", typ: kString, env: "CATCHSYNC_REMOTE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Remote.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.BaseURL },
	},
	{
		key: "remote.token", typ: kString, env: "CATCHSYNC_REMOTE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Remote.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Remote.Token },
	},
	{
		key: "remote.upload_timeout", typ: kDuration, env: "CATCHSYNC_REMOTE_UPLOAD_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Remote.UploadTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Remote.UploadTimeout },
	},
	{
		key: "sync.max_attempts", typ: kInt, env: "CATCHSYNC_SYNC_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Sync.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Sync.MaxAttempts },
	},
	{
		key: "sync.debounce", typ: kDuration, env: "CATCHSYNC_SYNC_DEBOUNCE",
		apply:   func(cfg *Config, v any) { cfg.Sync.Debounce = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Debounce },
	},
	{
		key: "sync.interval", typ: kDuration, env: "CATCHSYNC_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sync.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sync.Interval },
	},
	{
		key: "connectivity.probe_url", typ: kString, env: "CATCHSYNC_CONNECTIVITY_PROBE_URL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeURL },
	},
	{
		key: "connectivity.poll_interval", typ: kDuration, env: "CATCHSYNC_CONNECTIVITY_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.PollInterval },
	},
	{
		key: "connectivity.probe_timeout", typ: kDuration, env: "CATCHSYNC_CONNECTIVITY_PROBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Connectivity.ProbeTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Connectivity.ProbeTimeout },
	},
	{
		key: "log.level", typ: kString, env: "CATCHSYNC_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "metrics.enabled", typ: kBool, env: "CATCHSYNC_METRICS_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Metrics.Enabled },
	},
}

// parseValue converts a raw string for s. Durations must be positive.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	}
	return raw, nil
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
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if parsed, err := parseValue(s, v); err == nil {
					s.apply(cfg, parsed)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
