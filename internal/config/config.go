package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/histd/internal/auth"
	"github.com/loykin/histd/internal/logger"
	"github.com/loykin/histd/internal/syncer"
	"github.com/loykin/histd/internal/syncer/s3remote"
	tlsconf "github.com/loykin/histd/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. HISTD_SYNC_REMOTE.
const EnvPrefix = "HISTD"

// Config is the daemon configuration as read from TOML and the environment.
type Config struct {
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Store   StoreConfig   `mapstructure:"store"`
	History HistoryConfig `mapstructure:"history"`
	Keys    KeysConfig    `mapstructure:"keys"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     logger.Config `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type DaemonConfig struct {
	SocketPath string `mapstructure:"socket_path"`
	// TCPAddr replaces the socket when set. It must be loopback unless
	// AllowRemote is true.
	TCPAddr         string         `mapstructure:"tcp_addr"`
	AllowRemote     bool           `mapstructure:"allow_remote"`
	PIDFile         string         `mapstructure:"pidfile"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	TLS             tlsconf.Config `mapstructure:"tls"`
	// Auth guards the TCP listener with bearer tokens.
	Auth auth.Config `mapstructure:"auth"`
}

// StoreConfig locates the append log.
type StoreConfig struct {
	DSN      string `mapstructure:"dsn"`
	PageSize int    `mapstructure:"page_size"`
}

// HistoryConfig locates the row store.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type KeysConfig struct {
	KeyPath    string `mapstructure:"key_path"`
	HostIDPath string `mapstructure:"host_id_path"`
	Encrypt    bool   `mapstructure:"encrypt"`
}

type SyncConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Remote         string        `mapstructure:"remote"`
	Interval       time.Duration `mapstructure:"interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	CACert         string        `mapstructure:"ca_cert"`
	SkipVerify     bool          `mapstructure:"skip_verify"`
	// Auth signs requests to an http remote that checks tokens.
	Auth auth.Config `mapstructure:"auth"`
	S3   S3Config    `mapstructure:"s3"`
}

type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	// SelfInterval is how often the daemon samples its own CPU and memory.
	SelfInterval time.Duration `mapstructure:"self_interval"`
}

// DataDir is $XDG_DATA_HOME/histd, falling back to ~/.local/share/histd.
func DataDir() string {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "histd")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "histd")
	}
	return filepath.Join(os.TempDir(), "histd")
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/histd.sock, or a socket in DataDir.
func DefaultSocketPath() string {
	if d := os.Getenv("XDG_RUNTIME_DIR"); d != "" {
		return filepath.Join(d, "histd.sock")
	}
	return filepath.Join(DataDir(), "histd.sock")
}

// DefaultConfigPath is $XDG_CONFIG_HOME/histd/config.toml.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "histd", "config.toml")
}

func setDefaults(v *viper.Viper) {
	data := DataDir()
	v.SetDefault("daemon.socket_path", DefaultSocketPath())
	v.SetDefault("daemon.tcp_addr", "")
	v.SetDefault("daemon.allow_remote", false)
	v.SetDefault("daemon.pidfile", "")
	v.SetDefault("daemon.shutdown_timeout", 5*time.Second)
	v.SetDefault("daemon.tls.enabled", false)
	v.SetDefault("daemon.tls.cert_file", "")
	v.SetDefault("daemon.tls.key_file", "")
	v.SetDefault("daemon.tls.dir", filepath.Join(data, "tls"))
	v.SetDefault("daemon.tls.auto_generate", false)
	v.SetDefault("daemon.tls.min_version", "")
	v.SetDefault("daemon.tls.common_name", "")
	v.SetDefault("daemon.tls.valid_days", 0)
	for _, p := range []string{"daemon.auth", "sync.auth"} {
		v.SetDefault(p+".enabled", false)
		v.SetDefault(p+".secret", "")
		v.SetDefault(p+".secret_file", "")
		v.SetDefault(p+".token_ttl", auth.DefaultTokenTTL)
	}

	v.SetDefault("store.dsn", "sqlite://"+filepath.Join(data, "log.db"))
	v.SetDefault("store.page_size", 256)
	v.SetDefault("history.dsn", "sqlite://"+filepath.Join(data, "history.db"))

	v.SetDefault("keys.key_path", filepath.Join(data, "key"))
	v.SetDefault("keys.host_id_path", filepath.Join(data, "host_id"))
	v.SetDefault("keys.encrypt", true)

	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.remote", "")
	v.SetDefault("sync.interval", syncer.DefaultInterval)
	v.SetDefault("sync.batch_size", syncer.DefaultBatchSize)
	v.SetDefault("sync.request_timeout", syncer.DefaultRequestTimeout)
	v.SetDefault("sync.rate_limit", 0.0)
	v.SetDefault("sync.max_backoff", syncer.DefaultMaxBackoff)
	v.SetDefault("sync.ca_cert", "")
	v.SetDefault("sync.skip_verify", false)
	for _, k := range []string{"region", "endpoint", "profile", "access_key_id", "secret_access_key"} {
		v.SetDefault("sync.s3."+k, "")
	}
	v.SetDefault("sync.s3.force_path_style", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.quiet", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9464")
	v.SetDefault("metrics.self_interval", 15*time.Second)
}

// Load reads path (TOML) over the defaults, then applies HISTD_* overrides.
// An empty path tries DefaultConfigPath and carries on without a file when
// it does not exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
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

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Daemon.SocketPath == "" && c.Daemon.TCPAddr == "" {
		errs = append(errs, errors.New("daemon: socket_path or tcp_addr is required"))
	}
	if c.Daemon.TLS.Enabled && c.Daemon.TCPAddr == "" {
		errs = append(errs, errors.New("daemon: tls requires tcp_addr"))
	}
	if c.Daemon.AllowRemote && !c.Daemon.TLS.Enabled {
		errs = append(errs, errors.New("daemon: allow_remote requires tls"))
	}
	if err := c.Daemon.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Daemon.Auth.Enabled && c.Daemon.TCPAddr == "" {
		errs = append(errs, errors.New("daemon: auth requires tcp_addr"))
	}
	if err := c.Daemon.Auth.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("daemon: %w", err))
	}
	if c.Daemon.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("daemon: shutdown_timeout must not be negative"))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store: dsn is required"))
	}
	if c.Store.PageSize < 0 {
		errs = append(errs, errors.New("store: page_size must not be negative"))
	}
	if c.History.DSN == "" {
		errs = append(errs, errors.New("history: dsn is required"))
	}
	if c.Keys.HostIDPath == "" {
		errs = append(errs, errors.New("keys: host_id_path is required"))
	}
	if c.Keys.Encrypt && c.Keys.KeyPath == "" {
		errs = append(errs, errors.New("keys: key_path is required when encrypt is on"))
	}
	if c.Sync.Enabled {
		if c.Sync.Remote == "" {
			errs = append(errs, errors.New("sync: remote is required when enabled"))
		}
		if c.Sync.Interval <= 0 || c.Sync.BatchSize <= 0 {
			errs = append(errs, errors.New("sync: interval and batch_size must be positive"))
		}
		if c.Sync.RateLimit < 0 {
			errs = append(errs, errors.New("sync: rate_limit must not be negative"))
		}
		if (c.Sync.S3.AccessKeyID == "") != (c.Sync.S3.SecretAccessKey == "") {
			errs = append(errs, errors.New("sync.s3: access_key_id and secret_access_key must be set together"))
		}
		if err := c.Sync.Auth.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics: listen is required when enabled"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ListenAddr is the address handed to the RPC listener.
func (c *Config) ListenAddr() string {
	if c.Daemon.TCPAddr != "" {
		return c.Daemon.TCPAddr
	}
	return "unix:" + c.Daemon.SocketPath
}

func (c *Config) SyncWorker() syncer.Config {
	return syncer.Config{
		Interval:       c.Sync.Interval,
		BatchSize:      c.Sync.BatchSize,
		RequestTimeout: c.Sync.RequestTimeout,
		RateLimit:      c.Sync.RateLimit,
		MaxBackoff:     c.Sync.MaxBackoff,
	}
}

func (c *Config) SyncRemote() syncer.RemoteConfig {
	return syncer.RemoteConfig{
		URL:            c.Sync.Remote,
		RequestTimeout: c.Sync.RequestTimeout,
		CACert:         c.Sync.CACert,
		SkipVerify:     c.Sync.SkipVerify,
		S3: s3remote.Config{
			Region:          c.Sync.S3.Region,
			Endpoint:        c.Sync.S3.Endpoint,
			Profile:         c.Sync.S3.Profile,
			AccessKeyID:     c.Sync.S3.AccessKeyID,
			SecretAccessKey: c.Sync.S3.SecretAccessKey,
			ForcePathStyle:  c.Sync.S3.ForcePathStyle,
		},
	}
}
