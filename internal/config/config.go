package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. CHATSYNC_API_URL
// or CHATSYNC_CACHE_BACKEND.
const EnvPrefix = "CHATSYNC"

type CacheConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=file pebble memory"`
	Dir     string        `mapstructure:"dir" validate:"required_unless=Backend memory"`
	Window  time.Duration `mapstructure:"window" validate:"gt=0"`
}

type RedisConfig struct {
	// Addr is optional; presence stays local when it is empty.
	Addr   string        `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Prefix string        `mapstructure:"prefix" validate:"required"`
	TTL    time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

type ReconnectConfig struct {
	Base         time.Duration `mapstructure:"base" validate:"gt=0"`
	Cap          time.Duration `mapstructure:"cap" validate:"gtefield=Base"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gt=0"`
	SlowInterval time.Duration `mapstructure:"slow_interval" validate:"gt=0"`
}

type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0,ltfield=Interval"`
}

type TracingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ZipkinURL string `mapstructure:"zipkin_url" validate:"required_if=Enabled true,omitempty,url"`
}

// Config holds all configuration for the sync core and its CLI.
type Config struct {
	SocketURL   string `mapstructure:"socket_url" validate:"required,url"`
	APIURL      string `mapstructure:"api_url" validate:"required,url"`
	Token       string `mapstructure:"token"`
	UserID      string `mapstructure:"user_id"`
	PageSize    int    `mapstructure:"page_size" validate:"gt=0,lte=100"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket_url", "ws://localhost:8080/ws")
	v.SetDefault("api_url", "http://localhost:8080/api")
	v.SetDefault("token", "")
	v.SetDefault("user_id", "")
	v.SetDefault("page_size", 20)
	v.SetDefault("metrics_addr", "")

	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.dir", ".chatsync/cache")
	v.SetDefault("cache.window", time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.prefix", "chatsync")
	v.SetDefault("redis.ttl", 2*time.Minute)

	v.SetDefault("reconnect.base", time.Second)
	v.SetDefault("reconnect.cap", 10*time.Second)
	v.SetDefault("reconnect.max_attempts", 5)
	v.SetDefault("reconnect.slow_interval", 30*time.Second)

	v.SetDefault("heartbeat.interval", 30*time.Second)
	v.SetDefault("heartbeat.timeout", 10*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.zipkin_url", "http://localhost:9411/api/v2/spans")
}

// Load reads configuration from, in increasing priority: defaults, the
// optional file at path, a .env file in the working directory, and
// CHATSYNC_* environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field constraint and reports all violations.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
