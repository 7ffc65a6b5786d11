package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/loykin/scriptbatch/internal/env"
	apperrors "github.com/loykin/scriptbatch/internal/errors"
	"github.com/loykin/scriptbatch/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. SCRIPTBATCH_SERVER_LISTEN.
const EnvPrefix = "SCRIPTBATCH"

// Config represents the top-level TOML structure.
type Config struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	S3      S3Config      `toml:"s3" mapstructure:"s3"`
	Workers WorkersConfig `toml:"workers" mapstructure:"workers"`
}

// LogConfig covers the service log and the script output capture files.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Format string `toml:"format" mapstructure:"format"`
	Color  bool   `toml:"color" mapstructure:"color"`
	File   string `toml:"file" mapstructure:"file"`

	// Dir enables per-run script capture files.
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type ServerConfig struct {
	Enabled  bool       `toml:"enabled" mapstructure:"enabled"`
	Listen   string     `toml:"listen" mapstructure:"listen"`
	BasePath string     `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig  `toml:"tls" mapstructure:"tls"`
	Auth     AuthConfig `toml:"auth" mapstructure:"auth"`
}

// TLSConfig serves the API over HTTPS. CertFile/KeyFile take priority over Dir.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

// AuthConfig protects the API. Users log in with basic credentials checked
// against bcrypt hashes, clients with a shared secret; both receive a JWT.
type AuthConfig struct {
	Enabled   bool          `toml:"enabled" mapstructure:"enabled"`
	JWTSecret string        `toml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl" mapstructure:"token_ttl"`
	Users     []AuthUser    `toml:"users" mapstructure:"users"`
	Clients   []AuthClient  `toml:"clients" mapstructure:"clients"`
}

type AuthUser struct {
	Username     string   `toml:"username" mapstructure:"username"`
	PasswordHash string   `toml:"password_hash" mapstructure:"password_hash"`
	Roles        []string `toml:"roles" mapstructure:"roles"`
}

type AuthClient struct {
	ClientID     string   `toml:"client_id" mapstructure:"client_id"`
	ClientSecret string   `toml:"client_secret" mapstructure:"client_secret"`
	Scopes       []string `toml:"scopes" mapstructure:"scopes"`
}

// StoreConfig selects the work item repository; an empty DSN means in-memory.
type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool          `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string      `toml:"sinks" mapstructure:"sinks"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// S3Config is the object-storage integration handed to every script launch.
type S3Config struct {
	Enabled         bool   `toml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `toml:"endpoint_url" mapstructure:"endpoint_url"`
	AccessKeyID     string `toml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key" mapstructure:"secret_access_key"`
}

type WorkersConfig struct {
	Size           int           `toml:"size" mapstructure:"size"`
	WorkDir        string        `toml:"workdir" mapstructure:"workdir"`
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
	ShutdownGrace  time.Duration `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.token_ttl", 24*time.Hour)

	v.SetDefault("store.dsn", "")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.timeout", 5*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")

	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.endpoint_url", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")

	v.SetDefault("workers.size", 4)
	v.SetDefault("workers.workdir", "")
	v.SetDefault("workers.sample_interval", time.Duration(0))
	v.SetDefault("workers.shutdown_grace", 30*time.Second)
}

// Load reads the TOML file at path (optional) and applies SCRIPTBATCH_*
// environment overrides. The result is validated.
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
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePaths makes env_files relative to the config file's directory.
func (c *Config) resolvePaths(base string) {
	for i, p := range c.EnvFiles {
		if p != "" && !filepath.IsAbs(p) {
			c.EnvFiles[i] = filepath.Join(base, p)
		}
	}
}

func (c *Config) Validate() error {
	const op = "config.Validate"
	switch logger.Format(strings.ToLower(c.Log.Format)) {
	case logger.FormatText, logger.FormatJSON, "":
	default:
		return apperrors.Validation(op, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}
	switch logger.Level(strings.ToLower(c.Log.Level)) {
	case logger.LevelDebug, logger.LevelInfo, logger.LevelWarn, "warning", logger.LevelError, "":
	default:
		return apperrors.Validation(op, fmt.Sprintf("unknown log.level %q", c.Log.Level))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		return apperrors.Validation(op, "server.listen is required when the server is enabled")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return apperrors.Validation(op, "server.base_path must start with '/'")
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		return apperrors.Validation(op, "server.tls needs cert_file and key_file, or dir")
	}
	if err := c.Server.Auth.validate(op); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" && !c.Server.Enabled {
		return apperrors.Validation(op, "metrics.listen is required when the server is disabled")
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		return apperrors.Validation(op, "history.sinks must list at least one DSN when history is enabled")
	}
	if c.S3.Enabled && c.S3.EndpointURL == "" {
		return apperrors.Validation(op, "s3.endpoint_url is required when s3 is enabled")
	}
	if c.Workers.Size < 0 {
		return apperrors.Validation(op, "workers.size must not be negative")
	}
	if c.Workers.SampleInterval < 0 || c.Workers.ShutdownGrace < 0 {
		return apperrors.Validation(op, "worker durations must not be negative")
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			return apperrors.Validation(op, fmt.Sprintf("env entry %q is not KEY=VALUE", kv))
		}
	}
	return nil
}

func (a AuthConfig) validate(op string) error {
	if !a.Enabled {
		return nil
	}
	if len(a.Users) == 0 && len(a.Clients) == 0 {
		return apperrors.Validation(op, "server.auth needs at least one user or client")
	}
	if a.TokenTTL < 0 {
		return apperrors.Validation(op, "server.auth.token_ttl must not be negative")
	}
	for i, u := range a.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return apperrors.Validation(op, fmt.Sprintf("server.auth.users[%d] needs username and password_hash", i))
		}
	}
	for i, cl := range a.Clients {
		if cl.ClientID == "" || cl.ClientSecret == "" {
			return apperrors.Validation(op, fmt.Sprintf("server.auth.clients[%d] needs client_id and client_secret", i))
		}
	}
	return nil
}

// Logger converts the [log] section.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(strings.ToLower(c.Log.Level)),
			Format:     logger.Format(strings.ToLower(c.Log.Format)),
			Color:      c.Log.Color,
			TimeStamps: true,
			File:       c.Log.File,
		},
		File: logger.FileConfig{
			Dir:        c.Log.Dir,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// S3Source returns the object-storage variables added to every launch.
func (c *Config) S3Source() env.S3 {
	return env.S3{
		Enabled:         c.S3.Enabled,
		EndpointURL:     c.S3.EndpointURL,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
	}
}

// ScriptEnv builds the environment of launched scripts.
// Precedence: OS env (when use_os_env) provides the base; env_files apply in
// order; the top-level env list overrides; the [s3] variables come last.
func (c *Config) ScriptEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.SetBase(nil)
	}
	for _, p := range c.EnvFiles {
		pairs, err := godotenv.Read(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", p, err)
		}
		for k, v := range pairs {
			e.Set(k, v)
		}
	}
	for _, kv := range c.Env {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			e.Set(k, v)
		}
	}
	return e.AddSource(c.S3Source()), nil
}
