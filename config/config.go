package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMongo = "mongo"
	BackendLocal = "local"
)

type Store struct {
	Backend      string        `yaml:"backend"` // "mongo" or "local"
	URI          string        `yaml:"uri"`
	Database     string        `yaml:"database"`
	Directory    string        `yaml:"directory,omitempty"` // local backend only
	PollInterval time.Duration `yaml:"pollInterval"`
}

type Retry struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

type Sessions struct {
	SendBufferSize           int           `yaml:"sendBufferSize"`
	SubscriptionBufferSize   int           `yaml:"subscriptionBufferSize"`
	MaxConnections           int           `yaml:"maxConnections"`
	LivenessWindow           time.Duration `yaml:"livenessWindow"`
	FlushTimeout             time.Duration `yaml:"flushTimeout"`
	WebSocketReadBufferSize  int           `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int           `yaml:"webSocketWriteBufferSize"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Reads   RateLimiterConfig `yaml:"reads"`
	Writes  RateLimiterConfig `yaml:"writes"`
	Default RateLimiterConfig `yaml:"default"`
}

type Config struct {
	WebBinding     string       `yaml:"webBinding"`
	SockBinding    string       `yaml:"sockBinding"`
	InstanceSecret string       `yaml:"instanceSecret,omitempty"` // empty disables token auth
	Store          Store        `yaml:"store"`
	Retry          Retry        `yaml:"retry"`
	Sessions       Sessions     `yaml:"sessions"`
	RateLimiters   RateLimiters `yaml:"rateLimiters"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrWebBindingMissing        = errors.New("webBinding is missing in config")
	ErrSockBindingMissing       = errors.New("sockBinding is missing in config")
	ErrStoreBackendInvalid      = errors.New("store.backend must be \"mongo\" or \"local\"")
	ErrStoreURIMissing          = errors.New("store.uri is required for the mongo backend")
	ErrStoreDatabaseMissing     = errors.New("store.database is required for the mongo backend")
	ErrStoreDirectoryMissing    = errors.New("store.directory is required for the local backend")
)

// Environment overrides so container deployments can point at their store
// without rewriting the config file.
const (
	EnvStoreURI    = "EDDY_STORE_URI"
	EnvWebBinding  = "EDDY_WEB_BINDING"
	EnvSockBinding = "EDDY_SOCK_BINDING"
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if v := os.Getenv(EnvStoreURI); v != "" {
		cfg.Store.URI = v
	}
	if v := os.Getenv(EnvWebBinding); v != "" {
		cfg.WebBinding = v
	}
	if v := os.Getenv(EnvSockBinding); v != "" {
		cfg.SockBinding = v
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMongo
	}
	if c.Store.Database == "" && c.Store.Backend == BackendMongo {
		c.Store.Database = "eddy"
	}
	if c.Store.PollInterval <= 0 {
		c.Store.PollInterval = 250 * time.Millisecond
	}
	if c.Retry.Attempts <= 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Backoff <= 0 {
		c.Retry.Backoff = 100 * time.Millisecond
	}
	if c.Sessions.SendBufferSize <= 0 {
		c.Sessions.SendBufferSize = 256
	}
	if c.Sessions.SubscriptionBufferSize <= 0 {
		c.Sessions.SubscriptionBufferSize = 64
	}
	if c.Sessions.MaxConnections <= 0 {
		c.Sessions.MaxConnections = 4096
	}
	if c.Sessions.LivenessWindow <= 0 {
		c.Sessions.LivenessWindow = 60 * time.Second
	}
	if c.Sessions.FlushTimeout <= 0 {
		c.Sessions.FlushTimeout = 3 * time.Second
	}
	if c.Sessions.WebSocketReadBufferSize <= 0 {
		c.Sessions.WebSocketReadBufferSize = 1024
	}
	if c.Sessions.WebSocketWriteBufferSize <= 0 {
		c.Sessions.WebSocketWriteBufferSize = 1024
	}
	if c.RateLimiters.Default.Limit <= 0 {
		c.RateLimiters.Default = RateLimiterConfig{Limit: 50, Burst: 100}
	}
	if c.RateLimiters.Reads.Limit <= 0 {
		c.RateLimiters.Reads = c.RateLimiters.Default
	}
	if c.RateLimiters.Writes.Limit <= 0 {
		c.RateLimiters.Writes = c.RateLimiters.Default
	}
}

func (c *Config) validate() error {
	if c.WebBinding == "" {
		return ErrWebBindingMissing
	}
	if c.SockBinding == "" {
		return ErrSockBindingMissing
	}
	switch c.Store.Backend {
	case BackendMongo:
		if c.Store.URI == "" {
			return ErrStoreURIMissing
		}
		if c.Store.Database == "" {
			return ErrStoreDatabaseMissing
		}
	case BackendLocal:
		if c.Store.Directory == "" {
			return ErrStoreDirectoryMissing
		}
	default:
		return ErrStoreBackendInvalid
	}
	return nil
}
