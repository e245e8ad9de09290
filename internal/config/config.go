package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/studyhook/internal/event"
	"github.com/loykin/studyhook/internal/logger"
	tlsconf "github.com/loykin/studyhook/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. STUDYHOOK_NOTIFY_URL.
const EnvPrefix = "STUDYHOOK"

var ErrMissingURL = errors.New("notify.url is required")

// Config represents the top-level TOML structure.
type Config struct {
	EnvFiles []string      `mapstructure:"env_files"`
	Notify   NotifyConfig  `mapstructure:"notify"`
	Source   SourceConfig  `mapstructure:"source"`
	Server   ServerConfig  `mapstructure:"server"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
	History  HistoryConfig `mapstructure:"history"`
	Log      LogConfig     `mapstructure:"log"`
}

type NotifyConfig struct {
	URL              string                `mapstructure:"url"`
	Timeout          time.Duration         `mapstructure:"timeout"`
	Event            string                `mapstructure:"event"`
	Level            string                `mapstructure:"level"`
	Sequence         string                `mapstructure:"sequence"`
	Retries          int                   `mapstructure:"retries"`
	RetryInterval    time.Duration         `mapstructure:"retry_interval"`
	RetryMaxInterval time.Duration         `mapstructure:"retry_max_interval"`
	MaxBodyLog       int                   `mapstructure:"max_body_log"`
	Headers          map[string]string     `mapstructure:"headers"`
	TLS              tlsconf.ClientOptions `mapstructure:"tls"`
}

// Kind returns the configured event kind. Call after Validate.
func (n NotifyConfig) Kind() event.Kind {
	k, _ := event.ParseKind(n.Event)
	return k
}

// ResourceLevel returns the optional level filter, LevelUnknown when unset.
func (n NotifyConfig) ResourceLevel() event.Level {
	l, _ := event.ParseLevel(n.Level)
	return l
}

const (
	SourceHTTP    = "http"
	SourceChanges = "changes"
)

type SourceConfig struct {
	Type    string        `mapstructure:"type"`
	Changes ChangesConfig `mapstructure:"changes"`
}

type ChangesConfig struct {
	URL          string        `mapstructure:"url"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Limit        int           `mapstructure:"limit"`
	// Since is the first sequence to read; -1 starts at the current tail.
	Since int64 `mapstructure:"since"`
}

type ServerConfig struct {
	Listen   string                `mapstructure:"listen"`
	BasePath string                `mapstructure:"base_path"`
	Auth     AuthConfig            `mapstructure:"auth"`
	TLS      tlsconf.ServerOptions `mapstructure:"tls"`
}

type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Logger converts the log section into logger settings.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      l.Level,
			Format:     l.Format,
			Color:      l.Color,
			TimeStamps: l.TimeStamps,
			Source:     l.Source,
		},
		File: logger.FileConfig{
			Path:       l.File,
			MaxSizeMB:  l.MaxSizeMB,
			MaxBackups: l.MaxBackups,
			MaxAgeDays: l.MaxAgeDays,
			Compress:   l.Compress,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env_files", []string{})

	v.SetDefault("notify.url", "")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.event", event.KindStableStudy.String())
	v.SetDefault("notify.level", "")
	v.SetDefault("notify.sequence", "zero")
	v.SetDefault("notify.retries", 0)
	v.SetDefault("notify.retry_interval", "500ms")
	v.SetDefault("notify.retry_max_interval", "10s")
	v.SetDefault("notify.max_body_log", 512)
	v.SetDefault("notify.tls.ca_file", "")
	v.SetDefault("notify.tls.cert_file", "")
	v.SetDefault("notify.tls.key_file", "")
	v.SetDefault("notify.tls.min_version", "")
	v.SetDefault("notify.tls.insecure_skip_verify", false)

	v.SetDefault("source.type", SourceHTTP)
	v.SetDefault("source.changes.url", "http://localhost:8042")
	v.SetDefault("source.changes.username", "orthanc")
	v.SetDefault("source.changes.password", "orthanc")
	v.SetDefault("source.changes.poll_interval", "1s")
	v.SetDefault("source.changes.limit", 100)
	v.SetDefault("source.changes.since", -1)

	v.SetDefault("server.listen", ":8090")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.auth.username", "")
	v.SetDefault("server.auth.password", "")
	v.SetDefault("server.auth.token", "")
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.min_version", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.dir", "")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

// Load reads the TOML file at path (optional: empty means defaults and
// environment only), loads env_files into the process environment, and
// applies STUDYHOOK_* overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// Env files only add variables that are not already set, so the real
	// environment keeps precedence. Viper resolves env lazily at Unmarshal.
	if err := loadEnvFiles(v.GetStringSlice("env_files"), filepath.Dir(path)); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles(files []string, baseDir string) error {
	for _, f := range files {
		p := f
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		if err := godotenv.Load(filepath.Clean(p)); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks values that have no usable default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Notify.URL) == "" {
		return ErrMissingURL
	}
	u, err := url.Parse(c.Notify.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("notify.url must be an absolute http(s) url: %q", c.Notify.URL)
	}
	if c.Notify.Timeout <= 0 {
		return fmt.Errorf("notify.timeout must be positive, got %s", c.Notify.Timeout)
	}
	if _, ok := event.ParseKind(c.Notify.Event); !ok {
		return fmt.Errorf("notify.event: unknown change type %q", c.Notify.Event)
	}
	if c.Notify.Level != "" {
		if _, ok := event.ParseLevel(c.Notify.Level); !ok {
			return fmt.Errorf("notify.level: unknown resource level %q", c.Notify.Level)
		}
	}
	switch c.Notify.Sequence {
	case "", "zero", "counter":
	default:
		return fmt.Errorf("notify.sequence must be zero or counter, got %q", c.Notify.Sequence)
	}
	if c.Notify.Retries < 0 {
		return fmt.Errorf("notify.retries must not be negative")
	}

	switch c.Source.Type {
	case SourceHTTP:
	case SourceChanges:
		if c.Source.Changes.URL == "" {
			return errors.New("source.changes.url is required for the changes source")
		}
		if c.Source.Changes.PollInterval <= 0 {
			return errors.New("source.changes.poll_interval must be positive")
		}
	default:
		return fmt.Errorf("source.type must be http or changes, got %q", c.Source.Type)
	}

	if (c.Server.Auth.Username == "") != (c.Server.Auth.Password == "") {
		return errors.New("server.auth requires both username and password")
	}

	if c.History.Enabled {
		if len(c.History.Sinks) == 0 {
			return errors.New("history.enabled requires at least one sink")
		}
		for i, s := range c.History.Sinks {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("history.sinks[%d] is empty", i)
			}
		}
	}
	return nil
}
