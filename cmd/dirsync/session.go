package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/openmined/dirsync/internal/blob"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/openmined/dirsync/internal/journal"
	"github.com/openmined/dirsync/internal/utils"
)

// rootsFor returns the directories named on the command line, or the configured root
func rootsFor(cfg *config.Config, args []string) ([]string, error) {
	if len(args) == 0 {
		if cfg.Root == "" {
			return nil, config.ErrNoRoot
		}
		return []string{cfg.Root}, nil
	}

	roots := make([]string, 0, len(args))
	for _, arg := range args {
		root, err := utils.ResolvePath(arg)
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, nil
}

// validateFor checks cfg as it applies to one root
func validateFor(cfg *config.Config, root string) (*config.Config, error) {
	rootCfg := *cfg
	rootCfg.Root = root
	if err := rootCfg.Validate(); err != nil {
		return nil, err
	}
	return &rootCfg, nil
}

// openJournal opens the push journal. Failing to open it is logged and pushes go unrecorded.
func openJournal(cfg *config.Config) *journal.Journal {
	if cfg.JournalPath == "" {
		return nil
	}
	j := journal.New(cfg.JournalPath)
	if err := j.Open(); err != nil {
		slog.Warn("journal unavailable", "path", cfg.JournalPath, "error", err)
		return nil
	}
	return j
}

func closeJournal(j *journal.Journal) {
	if j == nil {
		return
	}
	if err := j.Close(); err != nil {
		slog.Warn("journal close", "error", err)
	}
}

// hostIdentity names this machine in the journal: hostname plus a short,
// app specific machine id so containers sharing a hostname stay distinct
func hostIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	id, err := machineid.ProtectedID(config.EnvPrefix)
	if err != nil || len(id) < 8 {
		return host
	}
	return host + "/" + id[:8]
}

func newManager(ctx context.Context, cfg *config.Config, root string, j *journal.Journal) (*dirsync.SyncManager, error) {
	rootCfg, err := validateFor(cfg, root)
	if err != nil {
		return nil, err
	}

	location, err := rootCfg.Resolver().Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve remote location for %s: %w", root, err)
	}

	store, err := blob.NewStoreForLocation(ctx, &rootCfg.Blob, location)
	if err != nil {
		return nil, err
	}

	opts := &dirsync.Options{
		Root:      root,
		Interval:  rootCfg.Interval,
		NodeIndex: rootCfg.NodeIndexPtr(),
		Store:     store,
		Location:  store.Location(),
		Ignore:    rootCfg.Ignore,
		Watch:     rootCfg.Watch,
		Retry:     rootCfg.Retry,
		Host:      hostIdentity(),
	}
	// a nil *journal.Journal must not become a non-nil interface
	if j != nil {
		opts.Recorder = j
	}
	return dirsync.New(opts)
}
