package dirsync

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts *Options) *SyncManager {
	t.Helper()
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	require.NoError(t, os.Chtimes(path, ts, ts))
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(&Options{Root: t.TempDir()})
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestNewDefaults(t *testing.T) {
	parent := t.TempDir()
	idx := 3
	m := newTestManager(t, &Options{Root: filepath.Join(parent, "ckpt"), Store: newMemStore(), NodeIndex: &idx})

	assert.Equal(t, filepath.Join(parent, "ckpt"), m.Root())
	assert.Equal(t, "ckpt-node-3.tar.gz", m.Key())
	assert.Equal(t, DefaultInterval, m.interval)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, "idle", m.State().String())
	assert.Empty(t, m.LastLocation())

	// never started, so Done is already closed
	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed before Start")
	}
}

func TestCheckAndPush(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})
	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store})

	require.NoError(t, m.CheckAndPush(t.Context()))
	assert.Equal(t, 1, store.putCount())
	assert.Equal(t, "mem://ckpt.tar.gz", m.LastLocation())

	// unchanged tree is not pushed again
	require.NoError(t, m.CheckAndPush(t.Context()))
	assert.Equal(t, 1, store.putCount())

	bumpMtime(t, filepath.Join(root, "a.txt"), time.Hour)
	require.NoError(t, m.CheckAndPush(t.Context()))
	assert.Equal(t, 2, store.putCount())
	assert.Equal(t, 2, m.Pushes())
}

func TestCheckAndPushFailureKeepsChangePending(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})
	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store})

	store.failNext(1)
	err := m.CheckAndPush(t.Context())
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, 0, m.Pushes())

	// the change is still detected after the failed push
	require.NoError(t, m.CheckAndPush(t.Context()))
	assert.Equal(t, 1, store.putCount())
}

func TestCheckAndPushMissingRoot(t *testing.T) {
	store := newMemStore()
	m := newTestManager(t, &Options{Root: filepath.Join(t.TempDir(), "missing"), Store: store})

	require.NoError(t, m.CheckAndPush(t.Context()))
	assert.Equal(t, 0, store.putCount())
}

type recorderFunc func(rec *PushRecord)

func (f recorderFunc) RecordPush(_ context.Context, rec *PushRecord) error {
	f(rec)
	return nil
}

func TestCheckAndPushRecords(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a", "b/c.txt": "c"})

	var records []*PushRecord
	m := newTestManager(t, &Options{
		Root:     root,
		Store:    newMemStore(),
		Recorder: recorderFunc(func(rec *PushRecord) { records = append(records, rec) }),
	})

	require.NoError(t, m.CheckAndPush(t.Context()))
	require.Len(t, records, 1)
	assert.Equal(t, "ckpt.tar.gz", records[0].Key)
	assert.Equal(t, root, records[0].Root)
	assert.Equal(t, 2, records[0].Files)
	assert.Len(t, records[0].SHA256, 64)
	assert.Positive(t, records[0].Size)
}

func TestSyncManagerFakeClock(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})

	clock := clockwork.NewFakeClock()
	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store, Interval: time.Minute, Clock: clock})

	require.NoError(t, m.Start(t.Context()))
	assert.Equal(t, StateRunning, m.State())

	// first iteration pushes, then sleeps
	clock.BlockUntil(1)
	assert.Equal(t, 1, store.putCount())

	bumpMtime(t, filepath.Join(root, "a.txt"), time.Hour)
	clock.Advance(time.Minute)
	clock.BlockUntil(1)
	assert.Equal(t, 2, store.putCount())

	// nothing changed during the next interval
	clock.Advance(time.Minute)
	clock.BlockUntil(1)
	assert.Equal(t, 2, store.putCount())

	// a change inside the interval is flushed by Stop
	bumpMtime(t, filepath.Join(root, "a.txt"), 2*time.Hour)
	require.NoError(t, m.Stop(t.Context()))
	assert.Equal(t, 3, store.putCount())
	assert.Equal(t, StateIdle, m.State())
	assert.NoError(t, m.Err())
}

func TestSyncManagerScenario(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, os.MkdirAll(root, 0o755))

	store := newLocalStore(t)
	m := newTestManager(t, &Options{Root: root, Store: store, Interval: time.Second})

	require.NoError(t, m.Start(t.Context()))
	time.Sleep(200 * time.Millisecond)
	writeTree(t, root, map[string]string{"foo.txt": "Hello, world! "})
	time.Sleep(1300 * time.Millisecond)
	require.NoError(t, m.Stop(t.Context()))

	objects, err := store.List(t.Context(), "")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "ckpt.tar.gz", objects[0].Key)

	data, err := store.Get(t.Context(), "ckpt.tar.gz")
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, Extract(bytes.NewReader(data), dest))
	got, err := os.ReadFile(filepath.Join(dest, "ckpt", "foo.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("Hello, world! "), got)
}

func TestSyncManagerStopFlushesBeforeInterval(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})

	clock := clockwork.NewFakeClock()
	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store, Interval: time.Hour, Clock: clock})

	require.NoError(t, m.Start(t.Context()))
	clock.BlockUntil(1)

	writeTree(t, root, map[string]string{"b.txt": "b"})
	require.NoError(t, m.Stop(t.Context()))

	dest := t.TempDir()
	require.NoError(t, Extract(bytes.NewReader(store.object("ckpt.tar.gz")), dest))
	assert.Equal(t, map[string]string{"a.txt": "a", "b.txt": "b"}, readTree(t, filepath.Join(dest, "ckpt")))
}

func TestSyncManagerStopWhileIdle(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})
	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store})

	require.NoError(t, m.Stop(t.Context()))
	assert.Equal(t, 1, store.putCount())
	assert.Equal(t, StateIdle, m.State())
}

func TestSyncManagerRestart(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})

	clock := clockwork.NewFakeClock()
	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store, Interval: time.Hour, Clock: clock})

	require.NoError(t, m.Start(t.Context()))
	clock.BlockUntil(1)
	firstDone := m.Done()

	// pending change is flushed by the implicit stop
	writeTree(t, root, map[string]string{"b.txt": "b"})
	require.NoError(t, m.Start(t.Context()))

	select {
	case <-firstDone:
	default:
		t.Fatal("first loop should have exited")
	}
	assert.Equal(t, 2, store.putCount())
	assert.Equal(t, StateRunning, m.State())

	// the second loop finds nothing new and sleeps
	clock.BlockUntil(1)
	assert.Equal(t, 2, store.putCount())

	require.NoError(t, m.Stop(t.Context()))
	assert.Equal(t, 2, store.putCount())

	dest := t.TempDir()
	require.NoError(t, Extract(bytes.NewReader(store.object("ckpt.tar.gz")), dest))
	assert.Equal(t, map[string]string{"a.txt": "a", "b.txt": "b"}, readTree(t, filepath.Join(dest, "ckpt")))
}

func TestSyncManagerRestartFlushFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})

	clock := clockwork.NewFakeClock()
	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store, Interval: time.Hour, Clock: clock})

	require.NoError(t, m.Start(t.Context()))
	clock.BlockUntil(1)

	writeTree(t, root, map[string]string{"b.txt": "b"})
	store.failNext(1)

	err := m.Start(t.Context())
	require.ErrorIs(t, err, errStoreDown)
	assert.Equal(t, StateIdle, m.State())
}

func TestSyncManagerLoopErrorTerminates(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})

	store := newMemStore()
	store.failNext(1)
	m := newTestManager(t, &Options{Root: root, Store: store, Interval: time.Hour, Clock: clockwork.NewFakeClock()})

	require.NoError(t, m.Start(t.Context()))

	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not terminate")
	}
	assert.ErrorIs(t, m.Err(), errStoreDown)
	assert.Equal(t, 0, store.putCount())

	// the loop is not resumed, but Stop still flushes
	assert.Equal(t, StateRunning, m.State())
	require.NoError(t, m.Stop(t.Context()))
	assert.Equal(t, 1, store.putCount())

	// a fresh start clears the previous failure
	require.NoError(t, m.Start(t.Context()))
	assert.NoError(t, m.Err())
	require.NoError(t, m.Stop(t.Context()))
}

func TestSyncManagerRetry(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})

	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.failNext(2)
	m := newTestManager(t, &Options{
		Root:     root,
		Store:    store,
		Interval: time.Hour,
		Clock:    clock,
		Retry:    RetryPolicy{MaxAttempts: 3, Backoff: time.Second},
	})

	require.NoError(t, m.Start(t.Context()))

	// two failed attempts, each followed by a backoff wait
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	clock.BlockUntil(1)
	clock.Advance(time.Second)

	require.Eventually(t, func() bool { return store.putCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, m.Err())
	require.NoError(t, m.Stop(t.Context()))
}

func TestSyncManagerStopDuringRetryBackoff(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})

	clock := clockwork.NewFakeClock()
	store := newMemStore()
	store.failNext(1)
	m := newTestManager(t, &Options{
		Root:     root,
		Store:    store,
		Interval: time.Hour,
		Clock:    clock,
		Retry:    RetryPolicy{MaxAttempts: 3, Backoff: time.Minute},
	})

	require.NoError(t, m.Start(t.Context()))

	// loop is parked in the backoff after the first failed push
	clock.BlockUntil(1)

	require.NoError(t, m.Stop(t.Context()))
	assert.NoError(t, m.Err())
	assert.Equal(t, 1, m.Pushes())
	assert.NotEmpty(t, store.object("ckpt.tar.gz"))
}

func TestSyncManagerInvalidRetry(t *testing.T) {
	_, err := New(&Options{Root: t.TempDir(), Store: newMemStore(), Retry: RetryPolicy{MaxAttempts: -1}})
	assert.Error(t, err)
}

func TestSyncManagerConcurrentWriters(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, os.MkdirAll(root, 0o755))

	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store, Interval: 5 * time.Millisecond})
	require.NoError(t, m.Start(t.Context()))

	var wg sync.WaitGroup
	for w := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 20 {
				name := filepath.Join(root, "w"+string(rune('a'+w)), "f"+string(rune('a'+i))+".txt")
				_ = os.MkdirAll(filepath.Dir(name), 0o755)
				_ = os.WriteFile(name, []byte("data"), 0o644)
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	require.NoError(t, m.Stop(t.Context()))
	assert.NoError(t, m.Err())

	// after Stop the remote archive holds every file written before it
	dest := t.TempDir()
	require.NoError(t, Extract(bytes.NewReader(store.object("ckpt.tar.gz")), dest))
	assert.Len(t, readTree(t, filepath.Join(dest, "ckpt")), 60)
}

func TestSyncManagerWatchNudges(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ckpt")
	writeTree(t, root, map[string]string{"a.txt": "a"})
	root, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)

	store := newMemStore()
	m := newTestManager(t, &Options{Root: root, Store: store, Interval: time.Hour, Watch: true})
	require.NoError(t, m.Start(t.Context()))
	defer m.Stop(t.Context())

	require.Eventually(t, func() bool { return store.putCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// the interval is an hour, only a filesystem event can wake the loop
	writeTree(t, root, map[string]string{"b.txt": "b"})
	require.Eventually(t, func() bool { return store.putCount() == 2 }, 5*time.Second, 10*time.Millisecond)
}
