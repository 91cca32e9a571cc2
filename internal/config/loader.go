// Package config loads node configuration from defaults, an optional YAML
// file, GOPDS_* environment variables and runtime overrides, in increasing
// order of precedence.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GOPDS"

// AppName names the per-user config and data directories.
const AppName = "gopds"

// DefaultStorePath is the sqlite file used when store.path is not set. It
// lives in the user's application data directory.
func DefaultStorePath() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "gopds.db")
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type PDSConfig struct {
	ServerID string `mapstructure:"server_id"`
}

type StoreConfig struct {
	// Driver is "sqlite" (file or libsql URL) or "memory".
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type HeartbeatConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Staleness time.Duration `mapstructure:"staleness"`
}

type CleanupConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Amount   int64         `mapstructure:"amount"`
	Unit     string        `mapstructure:"unit"`
	History  int           `mapstructure:"history"`
}

type ExecutionConfig struct {
	WorkerCount       int           `mapstructure:"worker_count"`
	QueueMax          int           `mapstructure:"queue_max"`
	TriggerInterval   time.Duration `mapstructure:"trigger_interval"`
	CancelInterval    time.Duration `mapstructure:"cancel_interval"`
	OrphanCancelAfter time.Duration `mapstructure:"orphan_cancel_after"`
}

type MonitoringConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type DelegateConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	PDS        PDSConfig        `mapstructure:"pds"`
	Store      StoreConfig      `mapstructure:"store"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Delegate   DelegateConfig   `mapstructure:"delegate"`
}

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile makes Load read the given YAML file. Empty disables it.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration. Later overrides win over earlier ones.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.RLock()
	file := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	if file != "" {
		if err := ValidateFile(file); err != nil {
			return nil, fmt.Errorf("config file %s: %w", file, err)
		}
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, override := range overrides {
		for key, value := range flatten("", override) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("store.driver must be sqlite or memory, got %q", c.Store.Driver)
	}
	if strings.TrimSpace(c.PDS.ServerID) == "" {
		return fmt.Errorf("pds.server_id is required")
	}
	if c.Cleanup.Amount < 0 {
		return fmt.Errorf("cleanup.amount must not be negative")
	}
	if c.Execution.WorkerCount < 1 {
		return fmt.Errorf("execution.worker_count must be >= 1")
	}
	if c.Execution.QueueMax < c.Execution.WorkerCount {
		return fmt.Errorf("execution.queue_max must be >= execution.worker_count")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8444)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("pds.server_id", "default")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("heartbeat.interval", "60s")
	v.SetDefault("heartbeat.staleness", "10m")

	v.SetDefault("cleanup.interval", "1h")
	v.SetDefault("cleanup.amount", 0)
	v.SetDefault("cleanup.unit", "DAY")
	v.SetDefault("cleanup.history", 20)

	v.SetDefault("execution.worker_count", 5)
	v.SetDefault("execution.queue_max", 50)
	v.SetDefault("execution.trigger_interval", "5s")
	v.SetDefault("execution.cancel_interval", "5s")
	v.SetDefault("execution.orphan_cancel_after", "1h")

	v.SetDefault("monitoring.cache_ttl", "5s")

	v.SetDefault("delegate.base_url", "")
	v.SetDefault("delegate.poll_interval", "5s")
	v.SetDefault("delegate.timeout", "4h")
	v.SetDefault("delegate.max_attempts", 0)
	v.SetDefault("delegate.requests_per_second", 2.0)
}

func getEnvSpecs() []EnvSpec {
	specs := []EnvSpec{
		{Name: "HOST", Path: "server.host"},
		{Name: "PORT", Path: "server.port"},
		{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: "LOG_LEVEL", Path: "logging.level"},
		{Name: "LOG_PROFILE", Path: "logging.profile"},
		{Name: "SERVER_ID", Path: "pds.server_id"},
		{Name: "STORE_DRIVER", Path: "store.driver"},
		{Name: "STORE_PATH", Path: "store.path"},
		{Name: "STORE_URL", Path: "store.url"},
		{Name: "STORE_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: "HEARTBEAT_INTERVAL", Path: "heartbeat.interval"},
		{Name: "HEARTBEAT_STALENESS", Path: "heartbeat.staleness"},
		{Name: "CLEANUP_INTERVAL", Path: "cleanup.interval"},
		{Name: "CLEANUP_AMOUNT", Path: "cleanup.amount"},
		{Name: "CLEANUP_UNIT", Path: "cleanup.unit"},
		{Name: "CLEANUP_HISTORY", Path: "cleanup.history"},
		{Name: "WORKER_COUNT", Path: "execution.worker_count"},
		{Name: "QUEUE_MAX", Path: "execution.queue_max"},
		{Name: "TRIGGER_INTERVAL", Path: "execution.trigger_interval"},
		{Name: "CANCEL_INTERVAL", Path: "execution.cancel_interval"},
		{Name: "ORPHAN_CANCEL_AFTER", Path: "execution.orphan_cancel_after"},
		{Name: "MONITORING_CACHE_TTL", Path: "monitoring.cache_ttl"},
		{Name: "DELEGATE_BASE_URL", Path: "delegate.base_url"},
		{Name: "DELEGATE_POLL_INTERVAL", Path: "delegate.poll_interval"},
		{Name: "DELEGATE_TIMEOUT", Path: "delegate.timeout"},
		{Name: "DELEGATE_MAX_ATTEMPTS", Path: "delegate.max_attempts"},
		{Name: "DELEGATE_REQUESTS_PER_SECOND", Path: "delegate.requests_per_second"},
	}
	for i := range specs {
		specs[i].Name = EnvPrefix + "_" + specs[i].Name
	}
	return specs
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := in[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = in[k]
	}
	return out
}

