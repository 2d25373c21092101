package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	keychainService   = "catchsync"
	remoteTokenAcct   = "remote_token"
	apiTokenAccount   = "api_token"
	defaultServerPort = 4100
)

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Remote       RemoteConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Log          LogConfig
	Metrics      MetricsConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type RemoteConfig struct {
	BaseURL       string
	Token         string
	UploadTimeout time.Duration
}

type SyncConfig struct {
	MaxAttempts int
	Debounce    time.Duration
	Interval    time.Duration
}

type ConnectivityConfig struct {
	ProbeURL     string
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

type LogConfig struct {
	Level string
}

type MetricsConfig struct {
	Enabled bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: defaultServerPort,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Remote: RemoteConfig{
			UploadTimeout: 120 * time.Second,
		},
		Sync: SyncConfig{
			MaxAttempts: 5,
			Debounce:    2 * time.Second,
			Interval:    15 * time.Minute,
		},
		Connectivity: ConnectivityConfig{
			PollInterval: 10 * time.Second,
			ProbeTimeout: 3 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// EffectiveProbeURL is the reachability URL, defaulting to the remote
// service's health endpoint.
func (c Config) EffectiveProbeURL() string {
	if c.Connectivity.ProbeURL != "" {
		return c.Connectivity.ProbeURL
	}
	if c.Remote.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.Remote.BaseURL, "/") + "/health"
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.catchsync.app) and the
// remote token falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/catchsync/config.json
// and secrets come from environment variables or secrets.json.
//
// Environment variables (CATCHSYNC_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Remote.Token == "" {
		if tok, err := kc.Get(keychainService, remoteTokenAcct); err == nil && tok != "" {
			cfg.Remote.Token = tok
		}
	}

	if cfg.Remote.BaseURL == "" {
		return Config{}, fmt.Errorf("missing required config: remote base URL. " +
			"Set it with `catchsync config set remote.base_url <url>` " +
			"or environment variable CATCHSYNC_REMOTE_BASE_URL")
	}
	if cfg.Sync.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("invalid config: sync.max_attempts must be positive, got %d", cfg.Sync.MaxAttempts)
	}

	return cfg, nil
}

// NewKeychain returns the platform secret store.
func NewKeychain() Keychain {
	return keychainStore{}
}

type keychainStore struct{}

func (keychainStore) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (keychainStore) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local HTTP API,
// generating and storing one on first use. CATCHSYNC_API_TOKEN overrides it.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := strings.TrimSpace(getenv("CATCHSYNC_API_TOKEN")); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}

	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// SetRemoteToken stores the remote service token in the secret store.
func SetRemoteToken(kc Keychain, token string) error {
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}
	return kc.Set(keychainService, remoteTokenAcct, token)
}
