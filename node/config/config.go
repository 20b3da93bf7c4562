package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/LumeraProtocol/ledgernode/p2p"
	"github.com/LumeraProtocol/ledgernode/pkg/logtrace"
)

// Config represents the YAML configuration structure
type Config struct {
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`
	P2P      P2PConfig      `yaml:"p2p" mapstructure:"p2p"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`

	// BaseDir resolves relative paths; it is the directory of the config file
	BaseDir string `yaml:"-" mapstructure:"-"`
}

// IdentityConfig locates the signing key of the node
type IdentityConfig struct {
	KeyFile string `yaml:"key_file" mapstructure:"key_file"`
}

// P2PConfig contains the overlay settings
type P2PConfig struct {
	ListenAddress    string        `yaml:"listen_address" mapstructure:"listen_address"`
	Port             uint16        `yaml:"port" mapstructure:"port"`
	ExternalIP       string        `yaml:"external_ip,omitempty" mapstructure:"external_ip"`
	BootstrapNodes   string        `yaml:"bootstrap_nodes" mapstructure:"bootstrap_nodes"`
	Seed             bool          `yaml:"seed" mapstructure:"seed"`
	K                int           `yaml:"k" mapstructure:"k"`
	Alpha            int           `yaml:"alpha" mapstructure:"alpha"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout" mapstructure:"rpc_timeout"`
	RefreshInterval  time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval"`
	BootstrapTries   int           `yaml:"max_bootstrap_attempts" mapstructure:"max_bootstrap_attempts"`
	BootstrapBackoff time.Duration `yaml:"bootstrap_backoff" mapstructure:"bootstrap_backoff"`
	SnapshotFile     string        `yaml:"snapshot_file" mapstructure:"snapshot_file"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" mapstructure:"snapshot_interval"`
	IdentityBook     []string      `yaml:"identity_book,omitempty" mapstructure:"identity_book"`
}

// MetricsConfig contains the prometheus endpoint settings
type MetricsConfig struct {
	// ListenAddress serves /metrics when set, e.g. "127.0.0.1:9464"
	ListenAddress string `yaml:"listen_address" mapstructure:"listen_address"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// DefaultConfig returns a default configuration rooted at baseDir
func DefaultConfig(baseDir string) *Config {
	return &Config{
		Identity: IdentityConfig{KeyFile: DefaultKeyFile},
		P2P: P2PConfig{
			ListenAddress:    DefaultListenAddress,
			Port:             DefaultP2PPort,
			K:                DefaultK,
			Alpha:            DefaultAlpha,
			RPCTimeout:       DefaultRPCTimeout,
			RefreshInterval:  DefaultRefreshInterval,
			BootstrapTries:   DefaultBootstrapTries,
			BootstrapBackoff: DefaultBootstrapBackoff,
			SnapshotFile:     DefaultSnapshotFile,
			SnapshotInterval: DefaultSnapshotInterval,
		},
		Log:     LogConfig{Level: DefaultLogLevel},
		BaseDir: baseDir,
	}
}

// LoadConfig loads the configuration from a file
func LoadConfig(filename string) (*Config, error) {
	ctx := context.Background()

	absPath, err := filepath.Abs(filename)
	if err != nil {
		return nil, fmt.Errorf("error getting absolute path for config file: %w", err)
	}

	logtrace.Info(ctx, "Loading configuration", logtrace.Fields{
		"path": absPath,
	})

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file %s does not exist", absPath)
	}

	// Configure viper to read the YAML file
	v := viper.New()
	v.SetConfigFile(absPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LEDGERNODE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.BaseDir = filepath.Dir(absPath)

	config.applyDefaults(ctx)
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logtrace.Info(ctx, "Configuration loaded successfully", logtrace.Fields{})
	return &config, nil
}

func (c *Config) applyDefaults(ctx context.Context) {
	if c.Identity.KeyFile == "" {
		c.Identity.KeyFile = DefaultKeyFile
		logtrace.Info(ctx, "Using default key file", logtrace.Fields{
			"key_file": c.Identity.KeyFile,
		})
	}

	if c.P2P.ListenAddress == "" {
		c.P2P.ListenAddress = DefaultListenAddress
		logtrace.Info(ctx, "Using default P2P listen address", logtrace.Fields{
			"address": c.P2P.ListenAddress,
		})
	}

	if c.P2P.Port == 0 {
		c.P2P.Port = DefaultP2PPort
		logtrace.Info(ctx, "Using default P2P port", logtrace.Fields{
			"port": c.P2P.Port,
		})
	}

	if c.P2P.K == 0 {
		c.P2P.K = DefaultK
	}
	if c.P2P.Alpha == 0 {
		c.P2P.Alpha = DefaultAlpha
	}
	if c.P2P.RPCTimeout == 0 {
		c.P2P.RPCTimeout = DefaultRPCTimeout
	}
	if c.P2P.RefreshInterval == 0 {
		c.P2P.RefreshInterval = DefaultRefreshInterval
	}
	if c.P2P.SnapshotInterval == 0 {
		c.P2P.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.P2P.BootstrapTries == 0 {
		c.P2P.BootstrapTries = DefaultBootstrapTries
		logtrace.Info(ctx, "Using default bootstrap attempts", logtrace.Fields{
			"attempts": c.P2P.BootstrapTries,
		})
	}
	if c.P2P.BootstrapBackoff == 0 {
		c.P2P.BootstrapBackoff = DefaultBootstrapBackoff
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if c.P2P.K < 1 {
		return fmt.Errorf("p2p.k must be positive")
	}
	if c.P2P.Alpha < 1 || c.P2P.Alpha > c.P2P.K {
		return fmt.Errorf("p2p.alpha must be between 1 and p2p.k")
	}
	if c.P2P.BootstrapTries < 1 {
		return fmt.Errorf("p2p.max_bootstrap_attempts must be positive")
	}
	if c.P2P.RPCTimeout < 0 || c.P2P.RefreshInterval < 0 || c.P2P.SnapshotInterval < 0 || c.P2P.BootstrapBackoff < 0 {
		return fmt.Errorf("p2p durations cannot be negative")
	}
	if err := c.P2PServiceConfig().Validate(); err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	return nil
}

// GetFullPath resolves a path relative to BaseDir. Absolute paths are kept.
func (c *Config) GetFullPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}

// KeyFilePath returns the absolute path of the node key.
func (c *Config) KeyFilePath() string {
	return c.GetFullPath(c.Identity.KeyFile)
}

// EnsureDirs creates the directories of the key and snapshot files.
func (c *Config) EnsureDirs() error {
	for _, path := range []string{c.KeyFilePath(), c.GetFullPath(c.P2P.SnapshotFile)} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	return nil
}

// P2PServiceConfig converts the p2p section into the overlay service config.
func (c *Config) P2PServiceConfig() *p2p.Config {
	return &p2p.Config{
		ListenAddress:    c.P2P.ListenAddress,
		Port:             c.P2P.Port,
		ExternalIP:       c.P2P.ExternalIP,
		BootstrapNodes:   c.P2P.BootstrapNodes,
		Seed:             c.P2P.Seed,
		K:                c.P2P.K,
		Alpha:            c.P2P.Alpha,
		RPCTimeout:       c.P2P.RPCTimeout,
		RefreshInterval:  c.P2P.RefreshInterval,
		SnapshotFile:     c.GetFullPath(c.P2P.SnapshotFile),
		SnapshotInterval: c.P2P.SnapshotInterval,
		IdentityBook:     c.P2P.IdentityBook,

		MaxBootstrapAttempts: c.P2P.BootstrapTries,
		BootstrapBackoff:     c.P2P.BootstrapBackoff,
	}
}

// SaveConfig writes configuration to a file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
