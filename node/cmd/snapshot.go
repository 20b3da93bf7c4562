package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/spf13/cobra"

	"github.com/LumeraProtocol/ledgernode/p2p/kademlia"
)

var snapshotFile string

// snapshotCmd prints the neighbors saved by a previous run
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the neighbor snapshot used as extra bootstrap seeds",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := snapshotFile
		if path == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.P2PServiceConfig().SnapshotFile
		}

		snap, nodes, err := kademlia.ReadSnapshot(context.Background(), path)
		if err != nil {
			return fmt.Errorf("failed to read snapshot %s: %w", path, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Node ID:  %s\n", base58.Encode(snap.ID))
		fmt.Fprintf(out, "k/alpha:  %d/%d\n", snap.K, snap.Alpha)
		fmt.Fprintf(out, "Saved at: %s\n\n", snap.SavedAt.Format(time.RFC3339))

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tADDRESS")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\n", base58.Encode(n.ID), n.Address())
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.Flags().StringVar(&snapshotFile, "file", "", "snapshot file (default from config)")
}
