package cmd

import (
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/spf13/cobra"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
)

// identityCmd prints the identity of the configured key
var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show the node verifying key, id and bootstrap entry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		kp, err := kademlia.LoadOrCreateKeypair(cfg.KeyFilePath())
		if err != nil {
			return fmt.Errorf("failed to load node key: %w", err)
		}

		svc := cfg.P2PServiceConfig()
		vk := base58.Encode(kp.VerifyingKey())
		node := kademlia.NewNodeFromVK(kp.VerifyingKey(), svc.AdvertisedIP(), svc.Port)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Verifying key:   %s\n", vk)
		fmt.Fprintf(out, "Node ID:         %s\n", base58.Encode(kp.ID()))
		fmt.Fprintf(out, "Bootstrap entry: %s@%s\n", vk, node.Address())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
}
