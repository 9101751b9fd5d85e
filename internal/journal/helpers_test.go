package journal

import (
	"os"
	"path/filepath"

	"github.com/openmined/dirsync/internal/blob"
)

func mkTree(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "weights.bin"), []byte("w"), 0o644)
}

func newFileStore(dir string) (*blob.Store, error) {
	backend, err := blob.NewLocalBackend(dir)
	if err != nil {
		return nil, err
	}
	return blob.NewStore(backend, "runs"), nil
}
