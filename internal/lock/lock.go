// Package lock implements the advisory shard lock.
//
// A lock is held while a marker directory named after the shard file exists.
// Directory creation is atomic on every filesystem we care about, so it gives
// mutual exclusion between goroutines and between processes as long as every
// writer goes through a Manager.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/zzenonn/shardb/internal/config"
	apperrors "github.com/zzenonn/shardb/internal/errors"
)

// Sleeper waits between acquisition attempts. It returns early with the
// context error when ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// TimerSleeper is the default Sleeper backed by a real timer.
func TimerSleeper(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Manager acquires and releases shard locks.
type Manager struct {
	fs    afero.Fs
	cfg   config.LockConfig
	sleep Sleeper
	now   func() time.Time
}

// NewManager creates a lock manager. A nil sleeper means TimerSleeper.
func NewManager(fs afero.Fs, cfg config.LockConfig, sleep Sleeper) *Manager {
	if sleep == nil {
		sleep = TimerSleeper
	}
	return &Manager{fs: fs, cfg: cfg, sleep: sleep, now: time.Now}
}

// Lock is a held shard lock.
type Lock struct {
	mgr      *Manager
	path     string
	marker   string
	mu       sync.Mutex
	released bool
}

// Path returns the shard path the lock protects.
func (l *Lock) Path() string {
	return l.path
}

// MarkerPath returns the path of the lock marker for a shard file.
func (m *Manager) MarkerPath(shardPath string) string {
	return shardPath + m.cfg.Suffix
}

// Acquire blocks until the lock for shardPath is held, the retry ceiling is
// reached, or ctx is done.
func (m *Manager) Acquire(ctx context.Context, shardPath string) (*Lock, error) {
	marker := m.MarkerPath(shardPath)
	attempts := 0
	for {
		attempts++
		err := m.fs.Mkdir(marker, 0o755)
		if err == nil {
			log.WithField("path", shardPath).Tracef("lock acquired after %d attempt(s)", attempts)
			return &Lock{mgr: m, path: shardPath, marker: marker}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock marker %s: %w", marker, err)
		}

		if m.removeIfStale(marker) {
			continue
		}
		if m.cfg.MaxRetries >= 0 && attempts > m.cfg.MaxRetries {
			return nil, &apperrors.LockTimeoutError{Path: shardPath, Attempts: attempts}
		}
		log.WithField("path", shardPath).Debugf("lock busy, retrying in %s", m.cfg.RetryInterval)
		if err := m.sleep(ctx, m.cfg.RetryInterval); err != nil {
			return nil, fmt.Errorf("waiting for lock on %s: %w", shardPath, err)
		}
	}
}

// removeIfStale drops a marker older than StaleAfter. It reports whether the
// caller should retry immediately.
func (m *Manager) removeIfStale(marker string) bool {
	if m.cfg.StaleAfter <= 0 {
		return false
	}
	info, err := m.fs.Stat(marker)
	if err != nil {
		// The holder released between Mkdir and Stat.
		return errors.Is(err, os.ErrNotExist)
	}
	age := m.now().Sub(info.ModTime())
	if age < m.cfg.StaleAfter {
		return false
	}
	log.WithField("marker", marker).Warnf("removing stale lock marker (age %s)", age)
	if err := m.fs.Remove(marker); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithField("marker", marker).Errorf("failed to remove stale lock marker: %v", err)
		return false
	}
	return true
}

// AcquireAll locks every path in ascending order. On failure, locks already
// taken are released before returning.
func (m *Manager) AcquireAll(ctx context.Context, paths []string) ([]*Lock, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	locks := make([]*Lock, 0, len(sorted))
	for _, p := range sorted {
		l, err := m.Acquire(ctx, p)
		if err != nil {
			ReleaseAll(locks)
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, nil
}

// Release removes the lock marker. Releasing twice, or releasing a lock whose
// marker disappeared, reports ErrLockNotHeld.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return fmt.Errorf("%s: %w", l.path, apperrors.ErrLockNotHeld)
	}
	l.released = true

	if err := l.mgr.fs.Remove(l.marker); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", l.path, apperrors.ErrLockNotHeld)
		}
		return fmt.Errorf("failed to remove lock marker %s: %w", l.marker, err)
	}
	log.WithField("path", l.path).Trace("lock released")
	return nil
}

// ReleaseAll releases every lock, logging failures.
func ReleaseAll(locks []*Lock) {
	for _, l := range locks {
		if err := l.Release(); err != nil {
			log.Errorf("Failed to release lock: %v", err)
		}
	}
}
