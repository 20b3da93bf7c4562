package cmd

import (
	"fmt"
	"os"

	"github.com/btcsuite/btcutil/base58"
	"github.com/spf13/cobra"

	"github.com/LumeraProtocol/ledgernode/node/config"
	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
)

var (
	forceInit      bool
	initPort       uint16
	initSeed       bool
	initBootstrap  string
	initExternalIP string
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new ledger node",
	Long: `Initialize a new ledger node by creating a configuration file and a signing key.

Example:
  ledgernode init --seed
  ledgernode init --bootstrap 203.0.113.7:4445
  ledgernode init --force  # Override existing installation`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := resolvePaths(); err != nil {
			return err
		}

		if _, err := os.Stat(cfgFile); err == nil && !forceInit {
			return fmt.Errorf("config already exists at %s\nUse --force to overwrite or remove it manually", cfgFile)
		}

		cfg := config.DefaultConfig(baseDir)
		cfg.P2P.Port = initPort
		cfg.P2P.Seed = initSeed
		cfg.P2P.BootstrapNodes = initBootstrap
		cfg.P2P.ExternalIP = initExternalIP
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.EnsureDirs(); err != nil {
			return fmt.Errorf("failed to create directories: %w", err)
		}

		if forceInit {
			if err := os.Remove(cfg.KeyFilePath()); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove existing key file: %w", err)
			}
		}
		kp, err := kademlia.LoadOrCreateKeypair(cfg.KeyFilePath())
		if err != nil {
			return fmt.Errorf("failed to create node key: %w", err)
		}

		if err := config.SaveConfig(cfg, cfgFile); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration saved to %s\n", cfgFile)
		fmt.Fprintf(out, "Verifying key: %s\n", base58.Encode(kp.VerifyingKey()))
		fmt.Fprintf(out, "Node ID:       %s\n", base58.Encode(kp.ID()))
		fmt.Fprintln(out, "\nYou can now start the node with:")
		fmt.Fprintln(out, "  ledgernode start")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&forceInit, "force", false, "override an existing configuration and key")
	initCmd.Flags().Uint16Var(&initPort, "port", config.DefaultP2PPort, "p2p port")
	initCmd.Flags().BoolVar(&initSeed, "seed", false, "run as a designated seed")
	initCmd.Flags().StringVar(&initBootstrap, "bootstrap", "", "comma separated seeds, host:port or vk@host:port")
	initCmd.Flags().StringVar(&initExternalIP, "external-ip", "", "address advertised to peers")
}
