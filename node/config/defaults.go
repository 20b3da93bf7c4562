package config

import "time"

// Centralized default values for configuration

const (
	DefaultBaseDir          = ".ledgernode"
	DefaultConfigFile       = "config.yml"
	DefaultKeyFile          = "keys/node.key"
	DefaultListenAddress    = "0.0.0.0"
	DefaultP2PPort          = 4445
	DefaultK                = 20
	DefaultAlpha            = 3
	DefaultRPCTimeout       = 3 * time.Second
	DefaultRefreshInterval  = time.Hour
	DefaultBootstrapTries   = 5
	DefaultBootstrapBackoff = time.Second
	DefaultSnapshotFile     = "data/neighbors.db"
	DefaultSnapshotInterval = 10 * time.Minute
	DefaultLogLevel         = "info"
)
