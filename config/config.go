// Package config loads process configuration for services built on
// mmate-ipc. Values come from defaults, an optional config file and
// IPC_-prefixed environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport names
const (
	TransportRabbitMQ = "rabbitmq"
	TransportNATS     = "nats"
	TransportKafka    = "kafka"
	TransportMemory   = "memory"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "IPC"

// Configuration keys. The environment variable is the upper-cased key with
// the prefix, e.g. IPC_BROKER_URL.
const (
	KeyConfigFile             = "config"
	KeyServiceName            = "service_name"
	KeyTransport              = "transport"
	KeyBrokerURL              = "broker_url"
	KeyCacheExpireAfterAccess = "cache_expire_after_access"
	KeyPendingReplyTTL        = "pending_reply_ttl"
	KeySweepInterval          = "sweep_interval"
	KeyHandlerTimeout         = "handler_timeout"
	KeyCBFailureThreshold     = "cb_failure_threshold"
	KeyCBTimeout              = "cb_timeout"
	KeyPrefetchCount          = "prefetch_count"
	KeyLogLevel               = "log_level"
	KeyLogFormat              = "log_format"
	KeyMetricsNamespace       = "metrics_namespace"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the resolved configuration
type Config struct {
	ServiceName string
	Transport   string
	BrokerURL   string

	CacheExpireAfterAccess time.Duration
	PendingReplyTTL        time.Duration
	SweepInterval          time.Duration
	HandlerTimeout         time.Duration

	CBFailureThreshold uint32
	CBTimeout          time.Duration

	PrefetchCount int

	LogLevel         string
	LogFormat        string
	MetricsNamespace string
}

// New returns a viper instance with defaults and environment binding set
// up. Callers may bind flags to it before calling FromViper.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyTransport, TransportRabbitMQ)
	v.SetDefault(KeyCacheExpireAfterAccess, 10*time.Minute)
	v.SetDefault(KeyPendingReplyTTL, 10*time.Minute)
	v.SetDefault(KeySweepInterval, time.Minute)
	v.SetDefault(KeyHandlerTimeout, time.Duration(0))
	v.SetDefault(KeyCBFailureThreshold, 5)
	v.SetDefault(KeyCBTimeout, 30*time.Second)
	v.SetDefault(KeyPrefetchCount, 10)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeyMetricsNamespace, "mmate_ipc")
	return v
}

// Load reads configuration from the environment and, when path or
// IPC_CONFIG names one, a config file.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.Set(KeyConfigFile, path)
	}
	return FromViper(v)
}

// FromViper reads the optional config file named by the "config" key and
// resolves the configuration.
func FromViper(v *viper.Viper) (*Config, error) {
	if path := v.GetString(KeyConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		ServiceName:            strings.TrimSpace(v.GetString(KeyServiceName)),
		Transport:              strings.ToLower(strings.TrimSpace(v.GetString(KeyTransport))),
		BrokerURL:              strings.TrimSpace(v.GetString(KeyBrokerURL)),
		CacheExpireAfterAccess: v.GetDuration(KeyCacheExpireAfterAccess),
		PendingReplyTTL:        v.GetDuration(KeyPendingReplyTTL),
		SweepInterval:          v.GetDuration(KeySweepInterval),
		HandlerTimeout:         v.GetDuration(KeyHandlerTimeout),
		CBFailureThreshold:     v.GetUint32(KeyCBFailureThreshold),
		CBTimeout:              v.GetDuration(KeyCBTimeout),
		PrefetchCount:          v.GetInt(KeyPrefetchCount),
		LogLevel:               v.GetString(KeyLogLevel),
		LogFormat:              strings.ToLower(v.GetString(KeyLogFormat)),
		MetricsNamespace:       v.GetString(KeyMetricsNamespace),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("%w: IPC_SERVICE_NAME is required", ErrInvalidConfig)
	}

	switch c.Transport {
	case TransportMemory:
	case TransportRabbitMQ, TransportNATS, TransportKafka:
		if c.BrokerURL == "" {
			return fmt.Errorf("%w: IPC_BROKER_URL is required for transport %s", ErrInvalidConfig, c.Transport)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}

	if c.CacheExpireAfterAccess <= 0 {
		return fmt.Errorf("%w: IPC_CACHE_EXPIRE_AFTER_ACCESS must be positive", ErrInvalidConfig)
	}
	if c.PendingReplyTTL <= 0 {
		return fmt.Errorf("%w: IPC_PENDING_REPLY_TTL must be positive", ErrInvalidConfig)
	}
	if c.SweepInterval < 0 || c.HandlerTimeout < 0 || c.CBTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	if c.CBFailureThreshold == 0 {
		return fmt.Errorf("%w: IPC_CB_FAILURE_THRESHOLD must be at least 1", ErrInvalidConfig)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("%w: IPC_LOG_FORMAT must be json or text", ErrInvalidConfig)
	}
	return nil
}

// ParseLevel maps a level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return l, nil
}

// NewLogger builds the process logger. A nil writer means stderr.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
