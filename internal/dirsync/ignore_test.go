package dirsync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreListFromFile(t *testing.T) {
	root := t.TempDir()
	content := "# scratch space\n*.tmp\n\ncache/\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFileName), []byte(content), 0o644))

	list := NewIgnoreList(root, "*.lock")
	list.Load()

	tests := []struct {
		rel    string
		isDir  bool
		ignore bool
	}{
		{"model.bin", false, false},
		{"step.tmp", false, true},
		{"sub/step.tmp", false, true},
		{"cache", true, true},
		{"cache/x", false, true},
		{"ckpt.tar.gz.lock", false, true},
		{".", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.rel, func(t *testing.T) {
			assert.Equal(t, tt.ignore, list.ShouldIgnore(tt.rel, tt.isDir))
		})
	}
}

func TestIgnoreListEmpty(t *testing.T) {
	var nilList *IgnoreList
	assert.False(t, nilList.ShouldIgnore("anything", false))

	list := NewIgnoreList(t.TempDir())
	list.Load()
	assert.False(t, list.ShouldIgnore("anything", false))
}
