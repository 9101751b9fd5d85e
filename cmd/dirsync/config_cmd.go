package main

import (
	"fmt"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/utils"
	"github.com/spf13/cobra"
)

const maskedSecret = "********"

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the configuration",
	}
	configCmd.AddCommand(newConfigShowCmd(), newConfigInitCmd())
	return configCmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}

			shown := *cfg
			if shown.Blob.SecretKey != "" {
				shown.Blob.SecretKey = maskedSecret
			}
			return shown.Encode(cmd.OutOrStdout())
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration to the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}

			path := config.DefaultConfigPath
			if f := cmd.Flag("config"); f != nil && f.Changed {
				path = f.Value.String()
			}
			if path, err = utils.ResolvePath(path); err != nil {
				return err
			}
			if utils.FileExists(path) && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", path)
			}

			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config written to %s\n", path)
			return nil
		},
	}

	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	return initCmd
}

