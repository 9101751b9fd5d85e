package dirsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const maxConcurrentRestores = 4

var ErrNoArchives = errors.New("no archives found")

// Restore downloads archives from the remote store and unpacks them next to the root.
//
// With allNodes unset, the manager's own key is fetched and unpacked into the parent
// of the root, recreating the root in place. With allNodes set, every archive whose
// key contains the root's base name is fetched and each one is unpacked into its own
// directory named after the key, e.g. {parent}/{name}-node-1.
func (m *SyncManager) Restore(ctx context.Context, allNodes bool) error {
	if allNodes {
		return m.restoreAll(ctx)
	}

	m.muPush.Lock()
	defer m.muPush.Unlock()

	return m.restoreKey(ctx, m.key, ArchivePath(m.root), filepath.Dir(m.root))
}

func (m *SyncManager) restoreAll(ctx context.Context) error {
	keys, err := m.archiveKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w for %q", ErrNoArchives, m.name)
	}

	parent := filepath.Dir(m.root)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentRestores)

	for _, key := range keys {
		transient := filepath.Join(parent, filepath.FromSlash(key))
		dest := strings.TrimSuffix(transient, ArchiveExt)
		eg.Go(func() error {
			return m.restoreKey(egCtx, key, transient, dest)
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	slog.Info("dirsync restore all nodes", "root", m.root, "archives", len(keys))
	return nil
}

// archiveKeys lists the remote keys that belong to this root, in key order
func (m *SyncManager) archiveKeys(ctx context.Context) ([]string, error) {
	infos, err := m.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}

	var keys []string
	for _, info := range infos {
		if !strings.Contains(info.Key, m.name) || !strings.HasSuffix(info.Key, ArchiveExt) {
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(info.Key)) {
			slog.Warn("dirsync restore skip unsafe key", "key", info.Key)
			continue
		}
		keys = append(keys, info.Key)
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *SyncManager) restoreKey(ctx context.Context, key, transient, dest string) error {
	data, err := m.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}

	err = withFileLock(transient, func() error {
		if err := os.WriteFile(transient, data, 0o644); err != nil {
			return err
		}
		defer os.Remove(transient)

		return ExtractFile(transient, dest)
	})
	if err != nil {
		return fmt.Errorf("restore %s: %w", key, err)
	}

	slog.Info("dirsync restore", "key", key, "dest", dest, "size", humanize.Bytes(uint64(len(data))))
	return nil
}
