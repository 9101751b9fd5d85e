package dirsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/dirsync/internal/utils"
)

const DefaultInterval = 5 * time.Second

var ErrNoStore = errors.New("remote store required")

// State of a SyncManager. Start and Stop are the only transitions.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// RetryPolicy controls how often a failed check-and-push is retried inside the
// sync loop before the loop gives up. The zero value never retries.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

type Options struct {
	// Root is resolved against the working directory when the manager is created
	Root      string
	Interval  time.Duration
	NodeIndex *int
	Store     RemoteStore
	// Location is the resolved remote location of Store, used for logging
	Location string
	Ignore   []string
	// Watch wakes the loop on filesystem events instead of waiting out the interval
	Watch    bool
	Retry    RetryPolicy
	Recorder PushRecorder
	// Host is stored with every recorded push
	Host     string
	Clock    clockwork.Clock
	ModTime  ModTimeFunc
}

// SyncManager pushes an archive of a directory to a remote store whenever the
// directory changes, polling on a fixed interval from a background goroutine.
type SyncManager struct {
	root      string
	name      string
	key       string
	location  string
	interval  time.Duration
	nodeIndex *int
	store     RemoteStore
	recorder  PushRecorder
	host      string
	retry     RetryPolicy
	watch     bool
	clock     clockwork.Clock
	ignore    *IgnoreList
	detector  *ChangeDetector
	archiver  *Archiver

	// serializes check-and-push between the loop and Stop's final flush
	muPush sync.Mutex

	muStatus     sync.RWMutex
	lastLocation string
	pushes       int
	err          error
	session      string

	// lifecycle, held across Start/Stop
	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	watcher *watcher
}

func New(opts *Options) (*SyncManager, error) {
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	root, err := utils.ResolvePath(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if opts.Retry.MaxAttempts < 0 || opts.Retry.Backoff < 0 {
		return nil, fmt.Errorf("invalid retry policy %+v", opts.Retry)
	}

	name := filepath.Base(root)
	ignore := NewIgnoreList(root, opts.Ignore...)
	ignore.Load()

	done := make(chan struct{})
	close(done)

	return &SyncManager{
		root:      root,
		name:      name,
		key:       ArchiveKey(name, opts.NodeIndex),
		location:  opts.Location,
		interval:  interval,
		nodeIndex: opts.NodeIndex,
		store:     opts.Store,
		recorder:  opts.Recorder,
		host:      opts.Host,
		retry:     opts.Retry,
		watch:     opts.Watch,
		clock:     clock,
		ignore:    ignore,
		detector:  NewChangeDetector(opts.ModTime, ignore),
		archiver:  NewArchiver(ignore),
		state:     StateIdle,
		done:      done,
		session:   uuid.NewString(),
	}, nil
}

// Root returns the absolute path of the synced directory
func (m *SyncManager) Root() string {
	return m.root
}

// Key returns the remote key this manager pushes to
func (m *SyncManager) Key() string {
	return m.key
}

func (m *SyncManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastLocation returns where the most recent push landed, empty before the first push
func (m *SyncManager) LastLocation() string {
	m.muStatus.RLock()
	defer m.muStatus.RUnlock()
	return m.lastLocation
}

// Pushes returns the number of successful pushes
func (m *SyncManager) Pushes() int {
	m.muStatus.RLock()
	defer m.muStatus.RUnlock()
	return m.pushes
}

// Session identifies the current Start/Stop cycle
func (m *SyncManager) Session() string {
	m.muStatus.RLock()
	defer m.muStatus.RUnlock()
	return m.session
}

// Err returns the error that terminated the most recent sync loop, if any
func (m *SyncManager) Err() error {
	m.muStatus.RLock()
	defer m.muStatus.RUnlock()
	return m.err
}

// Done is closed when the current sync loop exits, either because of Stop or
// because a check-and-push failed. Before the first Start it is already closed.
func (m *SyncManager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func (m *SyncManager) setErr(err error) {
	m.muStatus.Lock()
	defer m.muStatus.Unlock()
	m.err = err
}

// Start launches the background sync loop. Starting a running manager restarts it:
// the running loop is stopped, including its final flush, and a fresh loop is started.
// If that final flush fails the error is returned and the manager stays idle.
func (m *SyncManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning {
		slog.Info("dirsync restart", "root", m.root)
		if err := m.stopLocked(ctx); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
	}

	m.ignore.Load()

	m.muStatus.Lock()
	m.err = nil
	m.session = uuid.NewString()
	m.muStatus.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.watcher = nil

	if m.watch {
		w, err := startWatcher(loopCtx, m.root)
		if err != nil {
			slog.Warn("dirsync watcher unavailable, polling only", "root", m.root, "error", err)
		} else {
			m.watcher = w
		}
	}

	go m.run(loopCtx, m.done, m.watcher.Nudges())
	m.state = StateRunning

	slog.Info("dirsync start", "root", m.root, "session", m.Session(), "key", m.key, "location", m.location, "interval", m.interval, "watch", m.watcher != nil)
	return nil
}

// Stop signals the loop to end, pushes the current state of the tree from the
// calling goroutine, then waits for the loop to exit. The wait has no timeout.
// Stopping an idle manager still performs the final push.
func (m *SyncManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *SyncManager) stopLocked(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	flushErr := m.CheckAndPush(ctx)
	if flushErr != nil {
		slog.Error("dirsync final push", "root", m.root, "error", flushErr)
	}

	if m.state == StateRunning {
		<-m.done
		m.watcher.Stop()
	}

	m.cancel = nil
	m.watcher = nil
	m.state = StateIdle

	slog.Info("dirsync stop", "root", m.root, "pushes", m.Pushes())
	return flushErr
}

func (m *SyncManager) run(ctx context.Context, done chan struct{}, nudges <-chan struct{}) {
	defer close(done)

	// archiving and uploads run to completion once begun; Stop only interrupts the wait
	ioCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		if err := m.checkAndPushWithRetry(ctx, ioCtx); err != nil {
			if ctx.Err() != nil {
				// Stop's final flush takes over from here
				slog.Warn("dirsync push failed while stopping", "root", m.root, "error", err)
				break
			}
			m.setErr(err)
			slog.Error("dirsync loop terminated", "root", m.root, "error", err)
			return
		}

		timer := m.clock.NewTimer(m.interval)
		select {
		case <-ctx.Done():
		case <-timer.Chan():
		case <-nudges:
		}
		timer.Stop()
	}

	slog.Debug("dirsync loop stopped", "root", m.root)
}

func (m *SyncManager) checkAndPushWithRetry(ctx, ioCtx context.Context) error {
	err := m.CheckAndPush(ioCtx)
	for attempt := 1; err != nil && attempt <= m.retry.MaxAttempts; attempt++ {
		slog.Warn("dirsync push failed, retrying", "root", m.root, "attempt", attempt, "backoff", m.retry.Backoff, "error", err)

		timer := m.clock.NewTimer(m.retry.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.Chan():
		}

		err = m.CheckAndPush(ioCtx)
	}
	return err
}

// CheckAndPush archives the tree and pushes it if anything changed since the last
// successful push. The registry only advances once the push succeeded, so a failed
// push is retried by the next check.
func (m *SyncManager) CheckAndPush(ctx context.Context) error {
	m.muPush.Lock()
	defer m.muPush.Unlock()

	obs, err := m.detector.Observe(m.root)
	if err != nil {
		return fmt.Errorf("check for changes: %w", err)
	}
	if !obs.Changed() {
		return nil
	}

	start := m.clock.Now()
	data, err := m.archiver.Snapshot(m.root)
	if err != nil {
		return err
	}

	location, err := m.store.Put(ctx, m.key, data)
	if err != nil {
		return fmt.Errorf("push %s: %w", m.key, err)
	}
	obs.Commit()

	m.muStatus.Lock()
	m.lastLocation = location
	m.pushes++
	session := m.session
	m.muStatus.Unlock()

	slog.Info("dirsync push",
		"root", m.root,
		"key", m.key,
		"location", location,
		"size", humanize.Bytes(uint64(len(data))),
		"changed", obs.Updates(),
		"took", m.clock.Since(start),
	)

	if m.recorder != nil {
		rec := &PushRecord{
			Root:     m.root,
			Key:      m.key,
			Location: location,
			Size:     int64(len(data)),
			SHA256:   utils.BytesSHA256(data),
			Files:    obs.Visited() - 1,
			Session:  session,
			Host:     m.host,
			PushedAt: m.clock.Now().UTC(),
		}
		if err := m.recorder.RecordPush(ctx, rec); err != nil {
			slog.Warn("dirsync journal record", "key", m.key, "error", err)
		}
	}

	return nil
}
