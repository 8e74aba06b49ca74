// Package config loads the daemon configuration from an optional YAML file
// and KVSESSIONS_* environment variables through viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// KVSESSIONS_STORE_SERVER_STRING.
const EnvPrefix = "KVSESSIONS"

// Config represents the complete daemon configuration
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	IDs       IDsConfig       `mapstructure:"ids"`
	Session   SessionConfig   `mapstructure:"session"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig selects and addresses the key-value backend
type StoreConfig struct {
	// Backend is one of "redis", "memcached", "postgres"
	Backend string `mapstructure:"backend"`
	// ServerString is the backend endpoint: "host:port" list for memcached,
	// address or redis:// URL for redis, DSN for postgres
	ServerString string `mapstructure:"server_string"`
	TimeoutMs    int    `mapstructure:"timeout_ms"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	KeySuffix    string `mapstructure:"key_suffix"`
}

// IDsConfig controls the session id manager
type IDsConfig struct {
	// ScavengePeriod is in seconds; values <= 0 select 1800
	ScavengePeriod int    `mapstructure:"scavenge_period"`
	WorkerName     string `mapstructure:"worker_name"`
	// Strict makes id checks fail closed when the backend cannot answer
	Strict bool `mapstructure:"strict"`
}

// SessionConfig controls the per-context session managers
type SessionConfig struct {
	SavePeriod           int      `mapstructure:"save_period"`
	StaleDetectionPeriod int      `mapstructure:"stale_detection_period"`
	SaveAllAttributes    bool     `mapstructure:"save_all_attributes"`
	MaxInactiveInterval  int      `mapstructure:"max_inactive_interval"`
	Codec                string   `mapstructure:"codec"`
	Contexts             []string `mapstructure:"contexts"`
}

// ClusterConfig controls event exchange between nodes. An empty NATSURL
// runs the node standalone.
type ClusterConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Name    string `mapstructure:"name"`
}

// HTTPConfig controls the HTTP listener and session cookies
type HTTPConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	CookieName   string `mapstructure:"cookie_name"`
	CookieSecure bool   `mapstructure:"cookie_secure"`
	// TrustedProxy takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites those headers.
	TrustedProxy bool   `mapstructure:"trusted_proxy"`
}

// RateLimitConfig throttles session creation per client. Limiting is off
// when RedisAddr is empty or CreatePerMinute is 0.
type RateLimitConfig struct {
	CreatePerMinute int    `mapstructure:"create_per_minute"`
	RedisAddr       string `mapstructure:"redis_addr"`
}

// LogConfig controls the logger
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:      "memcached",
			ServerString: "localhost:11211",
			TimeoutMs:    1000,
		},
		IDs: IDsConfig{
			ScavengePeriod: 1800,
			Strict:         true,
		},
		Session: SessionConfig{
			SaveAllAttributes:   true,
			MaxInactiveInterval: 1800,
			Codec:               "json",
			Contexts:            []string{"/app"},
		},
		Cluster: ClusterConfig{},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
			CookieName: "KVSESSIONID",
		},
		RateLimit: RateLimitConfig{
			CreatePerMinute: 60,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Timeout returns the backend timeout as a time.Duration
func (c *StoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SaveEvery returns the save period as a time.Duration
func (c *SessionConfig) SaveEvery() time.Duration {
	return time.Duration(c.SavePeriod) * time.Second
}

// StaleAfter returns the stale detection period as a time.Duration
func (c *SessionConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleDetectionPeriod) * time.Second
}

// MaxInactive returns the idle timeout of new sessions (0 disables expiry)
func (c *SessionConfig) MaxInactive() time.Duration {
	return time.Duration(c.MaxInactiveInterval) * time.Second
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("store.backend", defaults.Store.Backend)
	v.SetDefault("store.server_string", defaults.Store.ServerString)
	v.SetDefault("store.timeout_ms", defaults.Store.TimeoutMs)
	v.SetDefault("store.key_prefix", defaults.Store.KeyPrefix)
	v.SetDefault("store.key_suffix", defaults.Store.KeySuffix)

	v.SetDefault("ids.scavenge_period", defaults.IDs.ScavengePeriod)
	v.SetDefault("ids.worker_name", defaults.IDs.WorkerName)
	v.SetDefault("ids.strict", defaults.IDs.Strict)

	v.SetDefault("session.save_period", defaults.Session.SavePeriod)
	v.SetDefault("session.stale_detection_period", defaults.Session.StaleDetectionPeriod)
	v.SetDefault("session.save_all_attributes", defaults.Session.SaveAllAttributes)
	v.SetDefault("session.max_inactive_interval", defaults.Session.MaxInactiveInterval)
	v.SetDefault("session.codec", defaults.Session.Codec)
	v.SetDefault("session.contexts", defaults.Session.Contexts)

	v.SetDefault("cluster.nats_url", defaults.Cluster.NATSURL)
	v.SetDefault("cluster.name", defaults.Cluster.Name)

	v.SetDefault("http.listen_addr", defaults.HTTP.ListenAddr)
	v.SetDefault("http.cookie_name", defaults.HTTP.CookieName)
	v.SetDefault("http.cookie_secure", defaults.HTTP.CookieSecure)
	v.SetDefault("http.trusted_proxy", defaults.HTTP.TrustedProxy)

	v.SetDefault("ratelimit.create_per_minute", defaults.RateLimit.CreatePerMinute)
	v.SetDefault("ratelimit.redis_addr", defaults.RateLimit.RedisAddr)

	v.SetDefault("log.level", defaults.Log.Level)
}

// NewViper returns a viper instance with defaults and environment binding.
// configFile is read when non-empty.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	errs := make([]error, len(e))
	for i, ve := range e {
		errs[i] = ve
	}
	return fmt.Sprintf("%d validation errors: %v", len(e), errors.Join(errs...))
}

// Validate checks the Config and returns every problem found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	switch strings.ToLower(c.Store.Backend) {
	case "redis", "memcached", "postgres":
	default:
		add("store.backend", c.Store.Backend, "must be redis, memcached or postgres")
	}
	if c.Store.ServerString == "" {
		add("store.server_string", c.Store.ServerString, "must not be empty")
	}
	if c.Store.TimeoutMs <= 0 {
		add("store.timeout_ms", c.Store.TimeoutMs, "must be positive")
	}
	if c.Session.SavePeriod < 0 {
		add("session.save_period", c.Session.SavePeriod, "must not be negative")
	}
	if c.Session.StaleDetectionPeriod < 0 {
		add("session.stale_detection_period", c.Session.StaleDetectionPeriod, "must not be negative")
	}
	switch c.Session.Codec {
	case "json", "gob":
	default:
		add("session.codec", c.Session.Codec, "must be json or gob")
	}
	if len(c.Session.Contexts) == 0 {
		add("session.contexts", c.Session.Contexts, "at least one context is required")
	}
	seen := make(map[string]bool)
	for _, p := range c.Session.Contexts {
		if !strings.HasPrefix(p, "/") {
			add("session.contexts", p, "context paths must start with /")
		}
		if seen[p] {
			add("session.contexts", p, "duplicate context path")
		}
		seen[p] = true
	}
	if c.HTTP.CookieName == "" {
		add("http.cookie_name", c.HTTP.CookieName, "must not be empty")
	}
	if c.RateLimit.CreatePerMinute < 0 {
		add("ratelimit.create_per_minute", c.RateLimit.CreatePerMinute, "must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", c.Log.Level, "must be debug, info, warn or error")
	}
	return errs
}
