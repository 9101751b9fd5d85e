package main

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/openmined/dirsync/internal/version"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print dirsync version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(version.Get())
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Detailed())
			return err
		},
	}

	versionCmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return versionCmd
}
