package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a meshcore node.
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Contexts ContextsConfig `mapstructure:"contexts"`
	Network  NetworkConfig  `mapstructure:"network"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Sync     SyncConfig     `mapstructure:"sync"`
	BlobStore BlobStoreConfig `mapstructure:"blobstore"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// NodeConfig holds node-specific configuration.
type NodeConfig struct {
	ID       string `mapstructure:"id"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
}

// ContextsConfig names the contexts this node opens at startup and where
// each one's identity key lives on disk.
type ContextsConfig struct {
	IdentityKeyPath string   `mapstructure:"identity_key_path"`
	Open            []string `mapstructure:"open"`
	BootstrapPeers  []string `mapstructure:"bootstrap_peers"`
}

// NetworkConfig holds libp2p transport configuration.
type NetworkConfig struct {
	ListenAddress string   `mapstructure:"listen_address"`
	Bootstrap     []string `mapstructure:"bootstrap"`
	MaxPeers      int      `mapstructure:"max_peers"`
	TopicPrefix   string   `mapstructure:"topic_prefix"`
}

// StorageConfig holds entity-store persistence configuration.
type StorageConfig struct {
	Engine    string `mapstructure:"engine"`
	Path      string `mapstructure:"path"`
	CacheSize int64  `mapstructure:"cache_size"`
	Sync      bool   `mapstructure:"sync"`
}

// SyncConfig holds the sync manager's operational thresholds: the §4.4
// decision table's numeric constants, the broadcast engine's
// pending-delta preemption threshold, and the per-session deadline.
// These mirror the compile-time constants declared alongside
// internal/broadcast, internal/syncproto and internal/replica; a node
// that wants non-default tuning threads these values into the
// constructors of those packages at startup rather than through package
// globals.
type SyncConfig struct {
	SessionDeadline       time.Duration `mapstructure:"session_deadline"`
	PendingDeltaThreshold int           `mapstructure:"pending_delta_threshold"`
	HashComparisonFanout  int           `mapstructure:"hash_comparison_fanout"`
	HeartbeatInterval     time.Duration `mapstructure:"heartbeat_interval"`
	HighDivergencePercent int           `mapstructure:"high_divergence_percent"`
	LowDivergencePercent  int           `mapstructure:"low_divergence_percent"`
}

// BlobStoreConfig holds the minio-backed blob-sharing store's connection
// details.
type BlobStoreConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// SecurityConfig holds security configuration. Trimmed to the identity
// key path only: no TLS/HSM fields, since every wire-level secret in this
// system is carried by the secure-stream handshake rather than a
// transport-level cert.
type SecurityConfig struct {
	IdentityKeyPath string `mapstructure:"identity_key_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:       "",
			DataDir:  "./data",
			LogLevel: "info",
		},
		Contexts: ContextsConfig{
			IdentityKeyPath: "./data/identity.key",
			Open:            []string{},
			BootstrapPeers:  []string{},
		},
		Network: NetworkConfig{
			ListenAddress: "/ip4/0.0.0.0/tcp/26656",
			Bootstrap:     []string{},
			MaxPeers:      50,
			TopicPrefix:   "/meshcore/ctx",
		},
		Storage: StorageConfig{
			Engine:    "badger",
			Path:      "",
			CacheSize: 100 * 1024 * 1024, // 100MB
			Sync:      true,
		},
		Sync: SyncConfig{
			SessionDeadline:       30 * time.Second,
			PendingDeltaThreshold: 100,
			HashComparisonFanout:  64,
			HeartbeatInterval:     30 * time.Second,
			HighDivergencePercent: 50,
			LowDivergencePercent:  10,
		},
		BlobStore: BlobStoreConfig{
			Endpoint:  "localhost:9000",
			Bucket:    "meshcore-blobs",
			AccessKey: "meshcore",
			SecretKey: "meshcore123",
			UseSSL:    false,
		},
		Security: SecurityConfig{
			IdentityKeyPath: "./data/identity.key",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:9091",
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	v.SetDefault("node.data_dir", cfg.Node.DataDir)
	v.SetDefault("node.log_level", cfg.Node.LogLevel)
	v.SetDefault("contexts.identity_key_path", cfg.Contexts.IdentityKeyPath)
	v.SetDefault("contexts.open", cfg.Contexts.Open)
	v.SetDefault("contexts.bootstrap_peers", cfg.Contexts.BootstrapPeers)
	v.SetDefault("network.listen_address", cfg.Network.ListenAddress)
	v.SetDefault("network.max_peers", cfg.Network.MaxPeers)
	v.SetDefault("network.topic_prefix", cfg.Network.TopicPrefix)
	v.SetDefault("storage.engine", cfg.Storage.Engine)
	v.SetDefault("storage.cache_size", cfg.Storage.CacheSize)
	v.SetDefault("storage.sync", cfg.Storage.Sync)
	v.SetDefault("sync.session_deadline", cfg.Sync.SessionDeadline)
	v.SetDefault("sync.pending_delta_threshold", cfg.Sync.PendingDeltaThreshold)
	v.SetDefault("sync.hash_comparison_fanout", cfg.Sync.HashComparisonFanout)
	v.SetDefault("sync.heartbeat_interval", cfg.Sync.HeartbeatInterval)
	v.SetDefault("sync.high_divergence_percent", cfg.Sync.HighDivergencePercent)
	v.SetDefault("sync.low_divergence_percent", cfg.Sync.LowDivergencePercent)
	v.SetDefault("blobstore.endpoint", cfg.BlobStore.Endpoint)
	v.SetDefault("blobstore.bucket", cfg.BlobStore.Bucket)
	v.SetDefault("blobstore.access_key", cfg.BlobStore.AccessKey)
	v.SetDefault("blobstore.secret_key", cfg.BlobStore.SecretKey)
	v.SetDefault("blobstore.use_ssl", cfg.BlobStore.UseSSL)
	v.SetDefault("security.identity_key_path", cfg.Security.IdentityKeyPath)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_backups", cfg.Logging.MaxBackups)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetEnvPrefix("MESHCORE")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
