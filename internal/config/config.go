// Package config loads pagesync settings from a TOML file and PAGESYNC_*
// environment variables.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "PAGESYNC"

// Config is the full set of settings.
type Config struct {
	DataDir string        `mapstructure:"data_dir"`
	Ledger  string        `mapstructure:"ledger"`
	Log     LogConfig     `mapstructure:"log"`
	Merge   MergeConfig   `mapstructure:"merge"`
	Cloud   CloudConfig   `mapstructure:"cloud"`
	P2P     P2PConfig     `mapstructure:"p2p"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type MergeConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
	Policy   string        `mapstructure:"policy"`
}

type CloudConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	KuboAPI      string        `mapstructure:"kubo_api"`
	Key          string        `mapstructure:"key"`
	Peers        []string      `mapstructure:"peers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Token        string        `mapstructure:"token"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Initial time.Duration `mapstructure:"initial"`
	Max     time.Duration `mapstructure:"max"`
}

type P2PConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Listen         string        `mapstructure:"listen"`
	Peers          []string      `mapstructure:"peers"`
	Allowed        []string      `mapstructure:"allowed"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type SyncConfig struct {
	PendingLimit int           `mapstructure:"pending_limit"`
	PendingTTL   time.Duration `mapstructure:"pending_ttl"`
}

type StorageConfig struct {
	ObjectCache int  `mapstructure:"object_cache"`
	Compress    bool `mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// PolicyLWW is the only built-in conflict policy.
const PolicyLWW = "lww"

// SetDefaults installs the default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", ".pagesync")
	v.SetDefault("ledger", "default")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("merge.debounce", 100*time.Millisecond)
	v.SetDefault("merge.policy", PolicyLWW)

	v.SetDefault("cloud.enabled", false)
	v.SetDefault("cloud.kubo_api", "http://localhost:5001/api/v0")
	v.SetDefault("cloud.key", "pagesync")
	v.SetDefault("cloud.peers", []string{})
	v.SetDefault("cloud.poll_interval", 30*time.Second)
	v.SetDefault("cloud.token", "")
	v.SetDefault("cloud.backoff.initial", 100*time.Millisecond)
	v.SetDefault("cloud.backoff.max", time.Minute)

	v.SetDefault("p2p.enabled", false)
	v.SetDefault("p2p.listen", "")
	v.SetDefault("p2p.peers", []string{})
	v.SetDefault("p2p.allowed", []string{})
	v.SetDefault("p2p.request_timeout", 10*time.Second)

	v.SetDefault("sync.pending_limit", 1024)
	v.SetDefault("sync.pending_ttl", 5*time.Minute)

	v.SetDefault("storage.object_cache", 1024)
	v.SetDefault("storage.compress", true)

	v.SetDefault("metrics.listen", "")
}

// New returns a viper instance with defaults and environment binding but no
// file.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the TOML file at path on top of the defaults. An empty path
// loads defaults and environment only. Environment variables win over the
// file.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}
	return LoadWithViper(v)
}

// LoadWithViper decodes and validates the settings held by v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the ledger cannot run with.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = errors.CombineErrors(errs, errors.Newf(format, args...))
	}
	if c.DataDir == "" {
		add("data_dir must be set")
	}
	if c.Ledger == "" || strings.ContainsAny(c.Ledger, "/\\") {
		add("ledger %q must be a non-empty name without slashes", c.Ledger)
	}
	if c.Merge.Policy != PolicyLWW {
		add("merge.policy %q is not supported", c.Merge.Policy)
	}
	if c.Merge.Debounce < 0 {
		add("merge.debounce must not be negative")
	}
	if c.Cloud.Enabled {
		if c.Cloud.KuboAPI == "" {
			add("cloud.kubo_api must be set when cloud is enabled")
		}
		if c.Cloud.PollInterval <= 0 {
			add("cloud.poll_interval must be positive")
		}
	}
	if c.Cloud.Backoff.Initial <= 0 || c.Cloud.Backoff.Max < c.Cloud.Backoff.Initial {
		add("cloud.backoff needs 0 < initial <= max")
	}
	if c.P2P.RequestTimeout <= 0 {
		add("p2p.request_timeout must be positive")
	}
	if c.Sync.PendingLimit <= 0 {
		add("sync.pending_limit must be positive")
	}
	if c.Sync.PendingTTL <= 0 {
		add("sync.pending_ttl must be positive")
	}
	if c.Storage.ObjectCache < 0 {
		add("storage.object_cache must not be negative")
	}
	return errs
}

// DbPath is the bolt file holding every page of the ledger.
func (c *Config) DbPath() string {
	return filepath.Join(c.DataDir, c.Ledger+".db")
}

// IdentityPath is the device identity file.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.json")
}
