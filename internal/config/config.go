// Package config loads fieldsync settings from defaults, an optional YAML
// file, .env files and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, so remote.client_id is
// read from FIELDSYNC_REMOTE_CLIENT_ID.
const EnvPrefix = "FIELDSYNC"

// Config is the full set of runtime settings.
type Config struct {
	Remote RemoteConfig `mapstructure:"remote"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Outbox OutboxConfig `mapstructure:"outbox"`
	Audit  AuditConfig  `mapstructure:"audit"`
	Daemon DaemonConfig `mapstructure:"daemon"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// RemoteConfig holds the connected app credentials.
type RemoteConfig struct {
	LoginURL       string        `mapstructure:"login_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	PrivateKey     string        `mapstructure:"private_key"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	APIVersion     string        `mapstructure:"api_version"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// PrivateKeyPEM returns the signing key, preferring the inline value.
// Inline keys may carry literal "\n" sequences when passed through a single
// environment line.
func (r RemoteConfig) PrivateKeyPEM() ([]byte, error) {
	if r.PrivateKey != "" {
		return []byte(strings.ReplaceAll(r.PrivateKey, `\n`, "\n")), nil
	}
	if r.PrivateKeyPath == "" {
		return nil, errors.New("no private key configured (set remote.private_key or remote.private_key_path)")
	}
	pem, err := os.ReadFile(r.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return pem, nil
}

type CacheConfig struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	ProgramPrefixes []string `mapstructure:"program_prefixes"`
	WriteBack       bool     `mapstructure:"write_back"`
	SkipBenefits    bool     `mapstructure:"skip_benefits"`
	KeyField        string   `mapstructure:"key_field"`
}

type OutboxConfig struct {
	NoteObject string `mapstructure:"note_object"`
	Procedure  string `mapstructure:"procedure"`
}

type AuditConfig struct {
	Object      string `mapstructure:"object"`
	Application string `mapstructure:"application"`
	RulesPath   string `mapstructure:"rules_path"`
	DrainBatch  int    `mapstructure:"drain_batch"`
}

type DaemonConfig struct {
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	DrainInterval time.Duration `mapstructure:"drain_interval"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig controls the process logger. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// legacyEnv maps keys to the environment names older deployments used.
var legacyEnv = map[string]string{
	"remote.login_url":        "SF_JWT_LOGIN_URL",
	"remote.client_id":        "SF_JWT_CONSUMER_KEY",
	"remote.username":         "SF_JWT_USERNAME",
	"remote.private_key":      "SF_JWT_PRIVATE_KEY",
	"remote.private_key_path": "SF_JWT_PRIVATE_KEY_PATH",
	"remote.api_version":      "SALESFORCE_API_VERSION",
	"cache.path":              "SQLITE_DB_PATH",
	"sync.program_prefixes":   "PROGRAM_NAMES",
	"sync.write_back":         "WRITE_MISSING_UUIDS",
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("remote.login_url", "https://test.salesforce.com")
	v.SetDefault("remote.client_id", "")
	v.SetDefault("remote.username", "")
	v.SetDefault("remote.private_key", "")
	v.SetDefault("remote.private_key_path", "")
	v.SetDefault("remote.api_version", "v61.0")
	v.SetDefault("remote.timeout", 30*time.Second)

	v.SetDefault("cache.path", "fieldsync.db")

	v.SetDefault("sync.program_prefixes", []string{"1440 Pine", "Nest 56"})
	v.SetDefault("sync.write_back", false)
	v.SetDefault("sync.skip_benefits", false)
	v.SetDefault("sync.key_field", "UUID__c")

	v.SetDefault("outbox.note_object", "InteractionSummary")
	v.SetDefault("outbox.procedure", "ProgramEnrollmentService/ingestEncounter")

	v.SetDefault("audit.object", "Audit_Log__c")
	v.SetDefault("audit.application", "PWA")
	v.SetDefault("audit.rules_path", "")
	v.SetDefault("audit.drain_batch", 100)

	v.SetDefault("daemon.sync_interval", 15*time.Minute)
	v.SetDefault("daemon.retry_interval", time.Minute)
	v.SetDefault("daemon.drain_interval", time.Minute)

	v.SetDefault("server.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)
}

// New returns a viper instance with defaults and environment binding.
// configFile may be empty, in which case fieldsync.yaml is searched for in
// the working directory and $HOME/.config/fieldsync.
func New(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		_ = v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("fieldsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/fieldsync")
		}
	}
	return v
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are not overridden.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads .env, then the config file, then decodes everything into a
// Config. A missing searched-for config file is not an error; a missing
// explicitly named one is.
func Load(configFile string) (*Config, *viper.Viper, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, nil, err
	}

	v := New(configFile)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode unmarshals and validates the current settings of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Sync.ProgramPrefixes = ParsePrefixes(cfg.Sync.ProgramPrefixes)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParsePrefixes normalizes the program allow-list. Entries holding a JSON
// array or a comma separated list, as an environment variable would, are
// split into their elements.
func ParsePrefixes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			part = strings.Trim(strings.TrimSpace(part), `[]"' `)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.Cache.Path == "" {
		return errors.New("cache.path must not be empty")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive, got %s", c.Remote.Timeout)
	}
	for name, d := range map[string]time.Duration{
		"daemon.sync_interval":  c.Daemon.SyncInterval,
		"daemon.retry_interval": c.Daemon.RetryInterval,
		"daemon.drain_interval": c.Daemon.DrainInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// RequireRemote reports missing credentials for commands that talk to the
// remote system.
func (c *Config) RequireRemote() error {
	var missing []string
	if c.Remote.LoginURL == "" {
		missing = append(missing, "remote.login_url")
	}
	if c.Remote.ClientID == "" {
		missing = append(missing, "remote.client_id")
	}
	if c.Remote.Username == "" {
		missing = append(missing, "remote.username")
	}
	if c.Remote.PrivateKey == "" && c.Remote.PrivateKeyPath == "" {
		missing = append(missing, "remote.private_key or remote.private_key_path")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing remote settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Watch re-decodes the config file whenever it changes and hands the new
// settings to onChange. Decode failures go to onError and the previous
// settings stay in effect. Watch is a no-op when no config file was read.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) bool {
	if v.ConfigFileUsed() == "" {
		return false
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return true
}
