package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/LumeraProtocol/ledgernode/node/config"
)

var (
	cfgFile string
	baseDir string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ledgernode",
	Short: "Ledger node peer discovery overlay",
	Long: `ledgernode runs the peer discovery layer of a ledger node: a Kademlia DHT
that resolves node identities to network addresses and stores small values
such as bootstrap and liveness data.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "home", "", "base directory (default ~/"+config.DefaultBaseDir+")")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default <home>/"+config.DefaultConfigFile+")")
}

// resolvePaths fills baseDir and cfgFile from the flags and their defaults.
func resolvePaths() error {
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, config.DefaultBaseDir)
	}
	if cfgFile == "" {
		cfgFile = filepath.Join(baseDir, config.DefaultConfigFile)
	}
	return nil
}

// loadConfig reads the node configuration.
func loadConfig() (*config.Config, error) {
	if err := resolvePaths(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
