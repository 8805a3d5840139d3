// Package config holds the node configuration surface for a cachegrid
// node, mirroring the two-tier default-then-validate pattern of
// storage-node's internal/config/config.go: a struct with yaml tags,
// setDefaults and Validate.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the node's own listener configuration.
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	HealthPort      int           `yaml:"health_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// MembershipConfig configures the memberlist-backed discovery collaborator.
type MembershipConfig struct {
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// AffinityConfig configures partition count and virtual-node fan-out.
type AffinityConfig struct {
	Partitions   int `yaml:"partitions"`
	VirtualNodes int `yaml:"virtual_nodes"`
}

// CacheConfig is the spec.md §6 configuration table, verbatim.
type CacheConfig struct {
	Backups                 int           `yaml:"backups"`
	WriteSynchronizationMode string       `yaml:"write_synchronization_mode"`
	AtomicWriteOrderMode     string       `yaml:"atomic_write_order_mode"`
	DeferredAckBufferSize    int          `yaml:"deferred_ack_buffer_size"`
	DeferredAckTimeout       time.Duration `yaml:"deferred_ack_timeout_ms"`
	StoreEnabled             bool         `yaml:"store_enabled"`
	BatchUpdateOnCommit      bool         `yaml:"batch_update_on_commit"`
	NetworkTimeout           time.Duration `yaml:"network_timeout_ms"`
	MaxRemapAttempts         int          `yaml:"max_remap_attempts"`
}

// StoreConfig configures the optional write-through persistence collaborator.
type StoreConfig struct {
	Driver          string `yaml:"driver"` // "postgres" | "nop"
	DSN             string `yaml:"dsn"`
	MaxConnections  int    `yaml:"max_connections"`
}

// DedupConfig configures the redis-backed near-request dedup cache.
type DedupConfig struct {
	Enabled bool          `yaml:"enabled"`
	Addr    string        `yaml:"addr"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// MetricsConfig configures the prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete node configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Membership MembershipConfig `yaml:"membership"`
	Affinity   AffinityConfig   `yaml:"affinity"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig reads, defaults and validates the node config file.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides layers environment variables over the file-sourced
// config, mirroring coordinator's internal/config/loader.go but via
// viper's env binding rather than a hand-rolled os.Getenv chain —
// CACHEGRID_SERVER_NODE_ID overrides server.node_id, and so on with "."
// replaced by "_" in the key.
func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("cachegrid")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range []string{
		"server.node_id", "server.host", "server.port",
		"membership.seed_nodes", "store.dsn", "dedup.addr", "logging.level",
	} {
		_ = v.BindEnv(key)
	}

	if v.IsSet("server.node_id") {
		cfg.Server.NodeID = v.GetString("server.node_id")
	}
	if v.IsSet("server.host") {
		cfg.Server.Host = v.GetString("server.host")
	}
	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if v.IsSet("membership.seed_nodes") {
		cfg.Membership.SeedNodes = v.GetStringSlice("membership.seed_nodes")
	}
	if v.IsSet("store.dsn") {
		cfg.Store.DSN = v.GetString("store.dsn")
	}
	if v.IsSet("dedup.addr") {
		cfg.Dedup.Addr = v.GetString("dedup.addr")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 47500
	}
	if cfg.Server.HealthPort == 0 {
		cfg.Server.HealthPort = 47501
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Membership.BindPort == 0 {
		cfg.Membership.BindPort = 7946
	}
	if cfg.Membership.GossipInterval == 0 {
		cfg.Membership.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Membership.ProbeTimeout == 0 {
		cfg.Membership.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Membership.ProbeInterval == 0 {
		cfg.Membership.ProbeInterval = time.Second
	}

	if cfg.Affinity.Partitions == 0 {
		cfg.Affinity.Partitions = 1024
	}
	if cfg.Affinity.VirtualNodes == 0 {
		cfg.Affinity.VirtualNodes = 150
	}

	if cfg.Cache.WriteSynchronizationMode == "" {
		cfg.Cache.WriteSynchronizationMode = "PRIMARY_SYNC"
	}
	if cfg.Cache.AtomicWriteOrderMode == "" {
		cfg.Cache.AtomicWriteOrderMode = "CLOCK"
	}
	if cfg.Cache.DeferredAckBufferSize == 0 {
		cfg.Cache.DeferredAckBufferSize = 256
	}
	if cfg.Cache.DeferredAckTimeout == 0 {
		cfg.Cache.DeferredAckTimeout = 500 * time.Millisecond
	}
	if cfg.Cache.NetworkTimeout == 0 {
		cfg.Cache.NetworkTimeout = 5 * time.Second
	}
	if cfg.Cache.MaxRemapAttempts == 0 {
		cfg.Cache.MaxRemapAttempts = 8
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "nop"
	}
	if cfg.Store.MaxConnections == 0 {
		cfg.Store.MaxConnections = 10
	}

	if cfg.Dedup.TTL == 0 {
		cfg.Dedup.TTL = 5 * time.Minute
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks invariants that defaulting cannot paper over.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Cache.Backups < 0 {
		return fmt.Errorf("cache.backups must be >= 0")
	}
	switch c.Cache.WriteSynchronizationMode {
	case "FULL_SYNC", "PRIMARY_SYNC", "FULL_ASYNC":
	default:
		return fmt.Errorf("cache.write_synchronization_mode must be one of FULL_SYNC, PRIMARY_SYNC, FULL_ASYNC")
	}
	switch c.Cache.AtomicWriteOrderMode {
	case "CLOCK", "PRIMARY":
	default:
		return fmt.Errorf("cache.atomic_write_order_mode must be one of CLOCK, PRIMARY")
	}
	if c.Cache.DeferredAckBufferSize <= 0 {
		return fmt.Errorf("cache.deferred_ack_buffer_size must be > 0")
	}
	if c.Cache.NetworkTimeout <= 0 {
		return fmt.Errorf("cache.network_timeout_ms must be > 0")
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when store.driver is postgres")
	}
	return nil
}
