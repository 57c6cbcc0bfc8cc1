// Package config loads node configuration from a YAML file with
// environment-variable overrides (prefix SCOUTSYNC) and code defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the full node configuration.
type Config struct {
	Node   NodeConfig   `mapstructure:"node"`
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"db"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Assets AssetsConfig `mapstructure:"assets"`
	Log    LogConfig    `mapstructure:"log"`
}

// NodeConfig identifies this node in the mesh.
type NodeConfig struct {
	// ID is this server's replication identity. It participates in
	// conflict tie-breaks, so it must be stable across restarts.
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// ServerConfig holds the HTTP/WebSocket listen settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DBConfig points at the SQLite database file.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig tunes replication behavior.
type SyncConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BatchLimit     int           `mapstructure:"batch_limit"`
	MaxRetries     int           `mapstructure:"max_retries"`
	PushTimeout    time.Duration `mapstructure:"push_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthTimeout  time.Duration `mapstructure:"health_timeout"`
}

// AssetsConfig locates the asset-sync manifest.
type AssetsConfig struct {
	ManifestPath string `mapstructure:"manifest_path"`
}

// LogConfig controls the optional rotating log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from path (optional; "" means env and
// defaults only) and applies SCOUTSYNC_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCOUTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Node.ID == "" {
		// A generated id works but will not survive a lost data dir;
		// production deployments should pin node.id.
		cfg.Node.ID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would misbehave quietly.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.Sync.BatchLimit <= 0 {
		return fmt.Errorf("sync.batch_limit must be positive")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if c.Sync.MaxBackoff < c.Sync.PollInterval {
		return fmt.Errorf("sync.max_backoff %s below sync.poll_interval %s",
			c.Sync.MaxBackoff, c.Sync.PollInterval)
	}
	return nil
}

// ListenAddr returns the host:port string for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func setDefaults(v *viper.Viper) {
	// Env overrides only bind to keys viper knows about, so every key
	// gets a default here.
	v.SetDefault("node.id", "")
	v.SetDefault("node.name", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.path", "scoutsync.db")
	v.SetDefault("sync.poll_interval", "5m")
	v.SetDefault("sync.poll_timeout", "30s")
	v.SetDefault("sync.max_backoff", "1h")
	v.SetDefault("sync.batch_limit", 100)
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.push_timeout", "10s")
	v.SetDefault("sync.health_interval", "30s")
	v.SetDefault("sync.health_timeout", "5s")
	v.SetDefault("assets.manifest_path", "assets.yaml")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)
}
