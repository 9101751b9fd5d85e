package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [root...]",
		Short: "Archive and push directories once",
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

			j := openJournal(cfg)
			defer closeJournal(j)

			for _, root := range roots {
				m, err := newManager(cmd.Context(), cfg, root, j)
				if err != nil {
					return err
				}
				if err := m.CheckAndPush(cmd.Context()); err != nil {
					return err
				}

				if m.Pushes() == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to push\n", root)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", root, m.LastLocation())
			}
			return nil
		},
	}
}
