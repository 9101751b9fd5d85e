package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRestoreCmd() *cobra.Command {
	var allNodes bool

	restoreCmd := &cobra.Command{
		Use:   "restore [root]",
		Short: "Download and unpack the archive of a directory",
		Long: `Download and unpack the archive of a directory.

By default the archive of this node is unpacked in place of the root.
With --all-nodes every archive of the root is unpacked next to it,
into a directory named after its key, e.g. ckpt-node-0 and ckpt-node-1.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			roots, err := rootsFor(cfg, args)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			m, err := newManager(cmd.Context(), cfg, roots[0], nil)
			if err != nil {
				return err
			}
			if err := m.Restore(cmd.Context(), allNodes); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", m.Root())
			return nil
		},
	}

	restoreCmd.Flags().BoolVar(&allNodes, "all-nodes", false, "restore the archives of every node")
	return restoreCmd
}
