package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd() *cobra.Command {
	var fsEvents bool

	watchCmd := &cobra.Command{
		Use:   "watch [root...]",
		Short: "Push directories whenever they change, until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cmd.Flag("fs-events").Changed {
				cfg.Watch = fsEvents
			}

			roots, err := rootsFor(cfg, args)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true

			slog.Info("dirsync", "version", version.Version, "revision", version.Revision, "config", cfg.Path)

			j := openJournal(cfg)
			defer closeJournal(j)

			managers := make([]*dirsync.SyncManager, 0, len(roots))
			for _, root := range roots {
				m, err := newManager(cmd.Context(), cfg, root, j)
				if err != nil {
					return err
				}
				managers = append(managers, m)
			}

			eg, egCtx := errgroup.WithContext(cmd.Context())
			for _, m := range managers {
				eg.Go(func() error {
					return runManager(egCtx, m)
				})
			}

			defer slog.Info("Bye!")
			return eg.Wait()
		},
	}

	watchCmd.Flags().BoolVar(&fsEvents, "fs-events", false, "also wake up on filesystem events")
	return watchCmd
}

// runManager syncs until ctx is done or the sync loop fails, then stops the manager
func runManager(ctx context.Context, m *dirsync.SyncManager) error {
	if err := m.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-m.Done():
	}

	// the final push outlives the signal that ended the watch
	stopErr := m.Stop(context.WithoutCancel(ctx))
	if err := m.Err(); err != nil {
		return fmt.Errorf("sync %s: %w", m.Root(), err)
	}
	return stopErr
}
