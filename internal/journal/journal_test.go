package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/dirsync/internal/dirsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j := New(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, j.Open())
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournalRecordAndLatest(t *testing.T) {
	j := openTestJournal(t)
	ctx := t.Context()

	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		require.NoError(t, j.RecordPush(ctx, &dirsync.PushRecord{
			Root:     "/data/ckpt",
			Key:      "ckpt.tar.gz",
			Location: "s3://bucket/ckpt.tar.gz",
			Size:     int64(100 + i),
			SHA256:   "abc",
			Files:    i,
			PushedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err := j.Latest(ctx, "ckpt.tar.gz")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(102), latest.Size)
	assert.Equal(t, 2, latest.Files)
	assert.True(t, latest.PushedAt.Equal(base.Add(2*time.Minute)))

	count, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestJournalLatestMissing(t *testing.T) {
	j := openTestJournal(t)

	latest, err := j.Latest(t.Context(), "nothing.tar.gz")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestJournalList(t *testing.T) {
	j := openTestJournal(t)
	ctx := t.Context()

	for _, root := range []string{"/a", "/b", "/a"} {
		require.NoError(t, j.RecordPush(ctx, &dirsync.PushRecord{
			Root:     root,
			Key:      filepath.Base(root) + ".tar.gz",
			PushedAt: time.Now(),
		}))
	}

	all, err := j.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "/a", all[0].Root)

	onlyA, err := j.List(ctx, "/a", 0)
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	limited, err := j.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJournalNotOpen(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "journal.db"))

	assert.ErrorIs(t, j.RecordPush(t.Context(), &dirsync.PushRecord{}), ErrNotOpen)
	assert.ErrorIs(t, j.Close(), ErrNotOpen)

	require.NoError(t, j.Open())
	assert.Error(t, j.Open())
	require.NoError(t, j.Close())
}

func TestJournalAsRecorder(t *testing.T) {
	j := openTestJournal(t)
	root := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, mkTree(root))

	backendDir := t.TempDir()
	store, err := newFileStore(backendDir)
	require.NoError(t, err)

	m, err := dirsync.New(&dirsync.Options{Root: root, Store: store, Recorder: j, Host: "node-a"})
	require.NoError(t, err)
	require.NoError(t, m.CheckAndPush(t.Context()))

	latest, err := j.Latest(t.Context(), "ckpt.tar.gz")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, m.LastLocation(), latest.Location)
	assert.Equal(t, 1, latest.Files)
	assert.Equal(t, "node-a", latest.Host)
	assert.Equal(t, m.Session(), latest.Session)
}
