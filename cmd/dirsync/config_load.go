package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/dirsync/internal/config"
	"github.com/spf13/cobra"
)

type configKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey{}).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("config not loaded")
	}
	return cfg, nil
}

// loadConfig merges, in increasing precedence, defaults, the config file,
// DIRSYNC_* environment variables and flags set on the command line
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := ""
	if f := cmd.Flag("config"); f != nil && f.Changed {
		path = f.Value.String()
	}

	v := config.NewViper(path)
	for name, key := range persistentFlagKeys {
		f := cmd.Flag(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	return config.Load(v)
}
