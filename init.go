package livesite

import (
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/huykn/livesite/cache"
	"github.com/huykn/livesite/coordination"
	"github.com/huykn/livesite/notify"
	"github.com/huykn/livesite/storage"
)

// Channel transports.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportNone      = "none"
)

// Storage kinds.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// Log outputs.
const (
	LogNone    = "none"
	LogConsole = "console"
	LogZap     = "zap"
)

// ChannelConfig configures the coordination channel.
type ChannelConfig struct {
	// Transport is "websocket", "redis" or "none".
	Transport string `yaml:"transport"`

	// URL is the websocket endpoint.
	URL string `yaml:"url"`

	// Downstream and Upstream are the Pub/Sub channels for the redis transport.
	Downstream string `yaml:"downstream"`
	Upstream   string `yaml:"upstream"`

	RestoredDisplay      time.Duration `yaml:"restored_display"`
	ReconnectMin         time.Duration `yaml:"reconnect_min"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

// StorageConfig configures host key/value storage.
type StorageConfig struct {
	// Kind is "memory" or "redis".
	Kind string `yaml:"kind"`

	// Prefix namespaces keys in shared stores.
	Prefix string `yaml:"prefix"`
}

// RedisConfig is shared by the redis transport and redis storage.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig selects the logger built when Config.Logger is nil.
type LogConfig struct {
	// Output is "none", "console" or "zap".
	Output string `yaml:"output"`

	// Level and Format apply to zap: level is debug|info|warn|error,
	// format is json|console.
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config configures a Platform.
type Config struct {
	// ClientID identifies this client. DefaultConfig generates a ULID.
	ClientID string `yaml:"client_id"`

	// BaseURL is the remote authority's request endpoint.
	BaseURL   string `yaml:"base_url"`
	AuthToken string `yaml:"auth_token"`

	// RequestTimeout bounds each gateway attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryWait      time.Duration `yaml:"retry_wait"`

	// ProbePath is requested by CheckConnection, and by Start when
	// ProbeOnStart is set.
	ProbePath    string `yaml:"probe_path"`
	ProbeOnStart bool   `yaml:"probe_on_start"`

	// FixturesPath is a JSONC file of fallback data. Empty uses the
	// built-in demo data.
	FixturesPath string `yaml:"fixtures_path"`

	// Schemas maps resource paths to JSON Schemas for response validation.
	Schemas map[string]string `yaml:"schemas"`

	// CacheTTL is the default freshness window for the read cache.
	CacheTTL         time.Duration          `yaml:"cache_ttl"`
	LocalCacheConfig cache.LocalCacheConfig `yaml:"local_cache"`

	Channel ChannelConfig `yaml:"channel"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`

	// DebugMode enables debug logging in every component.
	DebugMode bool `yaml:"debug"`

	// EnableMetrics publishes Prometheus metrics.
	EnableMetrics bool `yaml:"enable_metrics"`

	// Logger overrides Log when set.
	Logger Logger `yaml:"-"`

	// Transport overrides Channel.Transport when set.
	Transport coordination.Transport `yaml:"-"`

	// Store overrides Storage when set. The platform does not close it.
	Store storage.Store `yaml:"-"`

	// Native and Focus drive OS-level notifications.
	Native notify.NativeNotifier `yaml:"-"`
	Focus  notify.Focus          `yaml:"-"`

	// Route opens the resource a code alert points to.
	Route func(resourceID string) `yaml:"-"`

	// OnError is called when an error occurs in background operations.
	OnError func(error) `yaml:"-"`
}

// DefaultConfig returns default platform configuration.
func DefaultConfig() Config {
	return Config{
		ClientID:         ulid.Make().String(),
		BaseURL:          "http://localhost:8080/api",
		RequestTimeout:   10 * time.Second,
		RetryWait:        250 * time.Millisecond,
		ProbePath:        "/health",
		ProbeOnStart:     true,
		CacheTTL:         5 * time.Minute,
		LocalCacheConfig: cache.DefaultLocalCacheConfig(),
		Channel: ChannelConfig{
			Transport:            TransportWebSocket,
			URL:                  "ws://localhost:8080/ws",
			Downstream:           "livesite:down",
			Upstream:             "livesite:up",
			RestoredDisplay:      2 * time.Second,
			ReconnectMin:         250 * time.Millisecond,
			ReconnectMax:         30 * time.Second,
			MaxReconnectAttempts: 10,
		},
		Storage: StorageConfig{
			Kind:   StorageMemory,
			Prefix: "livesite:",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Output: LogNone,
			Level:  "info",
			Format: "json",
		},
		EnableMetrics: true,
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ClientID == "" || c.BaseURL == "" || c.ProbePath == "" {
		return ErrInvalidConfig
	}
	if c.RequestTimeout <= 0 || c.RetryWait < 0 || c.CacheTTL <= 0 {
		return ErrInvalidConfig
	}

	if c.Transport == nil {
		switch c.Channel.Transport {
		case TransportNone:
		case TransportWebSocket:
			if c.Channel.URL == "" {
				return ErrInvalidConfig
			}
		case TransportRedis:
			if c.Redis.Addr == "" || c.Channel.Downstream == "" || c.Channel.Upstream == "" {
				return ErrInvalidConfig
			}
		default:
			return ErrInvalidConfig
		}
	}

	if c.Store == nil {
		switch c.Storage.Kind {
		case StorageMemory:
		case StorageRedis:
			if c.Redis.Addr == "" {
				return ErrInvalidConfig
			}
		default:
			return ErrInvalidConfig
		}
	}

	if c.Logger == nil {
		switch c.Log.Output {
		case "", LogNone, LogConsole, LogZap:
		default:
			return ErrInvalidConfig
		}
	}
	return nil
}
