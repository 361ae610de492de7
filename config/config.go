package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/mohammad-safakhou/agencyscout/internal/docstore"
)

// Config holds all configuration of the service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueuesConfig    `mapstructure:"queue"`
	SMS       SMSConfig       `mapstructure:"sms"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Agent     AgentConfig     `mapstructure:"agent"`
	History   HistoryConfig   `mapstructure:"history"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains process wide settings
type GeneralConfig struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// ServerConfig contains HTTP and stream settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	StreamHeartbeat time.Duration `mapstructure:"stream_heartbeat"`
	StreamDebounce  time.Duration `mapstructure:"stream_debounce"`
	// PublicBaseURL prefixes demo and page links handed to callers.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	if s.StreamHeartbeat <= 0 || s.StreamDebounce <= 0 {
		return fmt.Errorf("server.stream_heartbeat and server.stream_debounce must be > 0")
	}
	return nil
}

// DemoURLBase is the URL prefix of published demo pages.
func (s ServerConfig) DemoURLBase() string {
	return strings.TrimSuffix(s.PublicBaseURL, "/") + "/demos/"
}

// PageURLBase is the URL prefix of personalised post-call pages.
func (s ServerConfig) PageURLBase() string {
	return strings.TrimSuffix(s.PublicBaseURL, "/") + "/pages/"
}

// StorageConfig locates the document tree and tunes its locks
type StorageConfig struct {
	DataDir     string        `mapstructure:"data_dir"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
	LockStale   time.Duration `mapstructure:"lock_stale"`
	LockRetry   time.Duration `mapstructure:"lock_retry"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

func (s StorageConfig) Validate() error {
	if strings.TrimSpace(s.DataDir) == "" {
		return fmt.Errorf("storage.data_dir required")
	}
	if s.LockTimeout <= 0 || s.LockStale <= 0 {
		return fmt.Errorf("storage.lock_timeout and storage.lock_stale must be > 0")
	}
	return s.Redis.Validate()
}

func (s StorageConfig) Lock() docstore.LockOptions {
	return docstore.LockOptions{Timeout: s.LockTimeout, StaleAfter: s.LockStale, RetryDelay: s.LockRetry}
}

func (s StorageConfig) ProgressDir() string   { return filepath.Join(s.DataDir, "progress") }
func (s StorageConfig) CallsDir() string      { return filepath.Join(s.DataDir, "calls") }
func (s StorageConfig) HistoryDir() string    { return filepath.Join(s.DataDir, "history") }
func (s StorageConfig) DemosDir() string      { return filepath.Join(s.DataDir, "demos") }
func (s StorageConfig) PagesDir() string      { return filepath.Join(s.DataDir, "pages") }
func (s StorageConfig) CallIndexPath() string { return filepath.Join(s.DataDir, "call-index.json") }
func (s StorageConfig) ContextsPath() string  { return filepath.Join(s.DataDir, "call-contexts.json") }

// QueueDir is the job directory of the named queue.
func (s StorageConfig) QueueDir(name string) string { return filepath.Join(s.DataDir, "queue", name) }

// RedisConfig contains Redis connection settings. Redis is optional; without
// a host queues only wake on their own poll interval.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if r.Enabled() && strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is set")
	}
	return nil
}

// Client builds a client for the configured server, or nil when disabled.
func (r RedisConfig) Client() *redis.Client {
	if !r.Enabled() {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:        net.JoinHostPort(r.Host, r.Port),
		Password:    r.Password,
		DB:          r.DB,
		DialTimeout: r.Timeout,
	})
}

// QueuesConfig holds one section per queue
type QueuesConfig struct {
	Pages QueueConfig `mapstructure:"pages"`
	SMS   QueueConfig `mapstructure:"sms"`
}

// QueueConfig tunes a job queue
type QueueConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	ErrorLogCap  int           `mapstructure:"error_log_cap"`
}

// Normalize clamps values that would stall or spin the queue.
func (q QueueConfig) Normalize() QueueConfig {
	cfg := q
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval < 100*time.Millisecond {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ErrorLogCap < 1 {
		cfg.ErrorLogCap = 1
	}
	// a claim must outlive its own execution timeout
	if cfg.Timeout > 0 && cfg.StaleAfter <= cfg.Timeout {
		cfg.StaleAfter = 2 * cfg.Timeout
	}
	return cfg
}

// SMSConfig controls the follow-up text message
type SMSConfig struct {
	Template string `mapstructure:"template"`
	AutoSend bool   `mapstructure:"auto_send"`
	From     string `mapstructure:"from"`
}

// WebhookConfig holds the shared signing secret. An empty secret disables
// verification.
type WebhookConfig struct {
	Secret    string        `mapstructure:"secret"`
	Tolerance time.Duration `mapstructure:"tolerance"`
}

// AgentConfig locates the agent runtime executable
type AgentConfig struct {
	Command     string   `mapstructure:"command"`
	Args        []string `mapstructure:"args"`
	WorkDir     string   `mapstructure:"workdir"`
	PromptsFile string   `mapstructure:"prompts_file"`
}

func (a AgentConfig) Validate() error {
	if strings.TrimSpace(a.Command) == "" {
		return fmt.Errorf("agent.command required")
	}
	return nil
}

type HistoryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type SweepConfig struct {
	Cron   string        `mapstructure:"cron"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.log_file", "")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.stream_heartbeat", 15*time.Second)
	v.SetDefault("server.stream_debounce", 50*time.Millisecond)
	v.SetDefault("server.public_base_url", "")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.lock_timeout", 5*time.Second)
	v.SetDefault("storage.lock_stale", 30*time.Second)
	v.SetDefault("storage.lock_retry", 25*time.Millisecond)
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("queue.pages.poll_interval", 5*time.Second)
	v.SetDefault("queue.pages.stale_after", 10*time.Minute)
	v.SetDefault("queue.pages.timeout", 90*time.Second)
	v.SetDefault("queue.pages.max_attempts", 3)
	v.SetDefault("queue.pages.error_log_cap", 100)
	v.SetDefault("queue.sms.poll_interval", 5*time.Second)
	v.SetDefault("queue.sms.stale_after", 20*time.Minute)
	v.SetDefault("queue.sms.timeout", 30*time.Second)
	v.SetDefault("queue.sms.max_attempts", 5)
	v.SetDefault("queue.sms.error_log_cap", 100)
	v.SetDefault("sms.template", "")
	v.SetDefault("sms.auto_send", false)
	v.SetDefault("sms.from", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.tolerance", 5*time.Minute)
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"-p", "--output-format", "stream-json", "--verbose"})
	v.SetDefault("agent.workdir", "")
	v.SetDefault("agent.prompts_file", "")
	v.SetDefault("history.max_entries", 50)
	v.SetDefault("sweep.cron", "0 * * * *")
	v.SetDefault("sweep.max_age", 72*time.Hour)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "agencyscout")
}

// Load reads the json config at path, or searches the usual locations when
// path is empty. A missing config file is not an error: defaults and
// AGENCYSCOUT_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Dir(exe))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("AGENCYSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Queue.Pages = cfg.Queue.Pages.Normalize()
	cfg.Queue.SMS = cfg.Queue.SMS.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	return c.Agent.Validate()
}
