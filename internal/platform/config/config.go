package config

import (
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Webhooks WebhooksConfig `mapstructure:"webhooks"`
	Security SecurityConfig `mapstructure:"security"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Path           string `mapstructure:"path"`
	MaxConnections int    `mapstructure:"max_connections"`
	BusyTimeoutMS  int    `mapstructure:"busy_timeout_ms"`
}

type GitHubConfig struct {
	AppID             int64         `mapstructure:"app_id"`
	PrivateKeyPath    string        `mapstructure:"private_key_path"`
	PrivateKey        string        `mapstructure:"private_key"`
	WebhookSecret     string        `mapstructure:"webhook_secret"`
	APIBaseURL        string        `mapstructure:"api_base_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	TokenSafetyMargin time.Duration `mapstructure:"token_safety_margin"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxRateLimitWait  time.Duration `mapstructure:"max_rate_limit_wait"`
	TimeoutRetries    int           `mapstructure:"timeout_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	LabelCacheTTL     time.Duration `mapstructure:"label_cache_ttl"`
}

type SyncConfig struct {
	MaxSyncDuration     time.Duration `mapstructure:"max_sync_duration"`
	LockWaitTimeout     time.Duration `mapstructure:"lock_wait_timeout"`
	DefaultSyncComments bool          `mapstructure:"default_sync_comments"`
	DefaultSyncLabels   bool          `mapstructure:"default_sync_labels"`
	FullSyncInterval    time.Duration `mapstructure:"full_sync_interval"`
}

type WebhooksConfig struct {
	WorkerCount   int           `mapstructure:"worker_count"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxBodyBytes  int64         `mapstructure:"max_body_bytes"`
}

type SecurityConfig struct {
	// Hex encoded 32 byte key used to seal tokens and webhook secrets at rest.
	EncryptionKey string `mapstructure:"encryption_key"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.path", "data/cardsync.db")
	v.SetDefault("database.max_connections", 1)
	v.SetDefault("database.busy_timeout_ms", 5000)

	v.SetDefault("github.api_base_url", "https://api.github.com/")
	v.SetDefault("github.user_agent", "cardsync-github-sync/1.0")
	v.SetDefault("github.token_safety_margin", 60*time.Second)
	v.SetDefault("github.request_timeout", 30*time.Second)
	v.SetDefault("github.max_rate_limit_wait", 2*time.Minute)
	v.SetDefault("github.timeout_retries", 2)
	v.SetDefault("github.retry_backoff", time.Second)
	v.SetDefault("github.label_cache_ttl", 5*time.Minute)

	v.SetDefault("sync.max_sync_duration", 10*time.Minute)
	v.SetDefault("sync.lock_wait_timeout", 2*time.Minute)
	v.SetDefault("sync.default_sync_comments", true)
	v.SetDefault("sync.default_sync_labels", true)
	v.SetDefault("sync.full_sync_interval", 30*time.Minute)

	v.SetDefault("webhooks.worker_count", 8)
	v.SetDefault("webhooks.retry_attempts", 3)
	v.SetDefault("webhooks.retry_backoff", 2*time.Second)
	v.SetDefault("webhooks.max_retries", 5)
	v.SetDefault("webhooks.retry_interval", 5*time.Minute)
	v.SetDefault("webhooks.max_body_bytes", 25<<20)

	v.SetDefault("jwt.access_token_ttl", 15*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Watch re-reads the file on every change and hands the fresh config to
// onChange. Only settings that are safe to swap at runtime (log level)
// should be consumed by the callback.
func Watch(path string, onChange func(*Config)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var config Config
		if err := v.Unmarshal(&config); err != nil {
			return
		}
		onChange(&config)
	})
	v.WatchConfig()
	return nil
}
