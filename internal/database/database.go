// Package database is the public face of a sharded NDJSON dataset.
//
// A dataset is a directory of shard files named <dataset>.<i>.json, i being
// contiguous from zero. Every operation fans out to one unit of work per shard
// and reduces the per-shard results into a single summary.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/shardb/internal/config"
	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/lock"
	"github.com/zzenonn/shardb/internal/logging"
	"github.com/zzenonn/shardb/internal/placement"
	"github.com/zzenonn/shardb/internal/shard"
)

const shardExt = ".json"

// Database is an open dataset. It is safe for concurrent use; shard-level
// exclusion comes from the lock markers, while mu only guards the shard list
// against a concurrent resize or drop inside this process.
type Database struct {
	cfg     config.DatabaseConfig
	fs      afero.Fs
	placer  placement.Placer
	sleeper lock.Sleeper
	locks   *lock.Manager
	proc    *shard.Processor

	mu     sync.RWMutex
	paths  []string
	closed bool
}

// Open validates cfg, then attaches to the shards already present in the data
// directory or creates cfg.Shards empty ones.
func Open(cfg config.DatabaseConfig, opts ...Option) (*Database, error) {
	cfg, err := config.WithDefaults(cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db := &Database{cfg: cfg}
	for _, opt := range opts {
		opt(db)
	}
	if db.fs == nil {
		db.fs = afero.NewOsFs()
	}
	if db.placer == nil {
		db.placer = newPlacer(cfg.Placement)
	}
	db.locks = lock.NewManager(db.fs, cfg.Lock, db.sleeper)
	db.proc = shard.NewProcessor(db.fs, db.locks, cfg)

	logger := logging.ForOperation("open", cfg.Dataset)

	if err := db.fs.MkdirAll(cfg.DataPath(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataPath(), err)
	}

	count, err := db.discover()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		count = cfg.Shards
		for i := 0; i < count; i++ {
			if err := db.createShard(db.shardPath(i)); err != nil {
				return nil, err
			}
		}
		logger.Infof("created %d empty shards in %s", count, cfg.DataPath())
	} else if count != cfg.Shards {
		logger.Debugf("found %d existing shards, configured count %d ignored", count, cfg.Shards)
	}

	db.paths = db.shardPaths(count)
	return db, nil
}

func newPlacer(strategy string) placement.Placer {
	if strategy == config.PlacementRoundRobin {
		return placement.NewRoundRobinPlacer()
	}
	return placement.NewRandomPlacer(nil)
}

// discover counts the shard files on disk and warns about leftovers of an
// interrupted rewrite.
func (db *Database) discover() (int, error) {
	entries, err := afero.ReadDir(db.fs, db.cfg.DataPath())
	if err != nil {
		return 0, fmt.Errorf("failed to list data directory: %w", err)
	}

	prefix := db.cfg.Dataset + "."
	found := make(map[int]bool)
	highest := -1
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if strings.HasSuffix(rest, shardExt+shard.OldSuffix) {
			log.WithField("path", filepath.Join(db.cfg.DataPath(), name)).
				Warn("found the backup of an interrupted rewrite, manual recovery may be needed")
			continue
		}
		if e.IsDir() || !strings.HasSuffix(rest, shardExt) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(rest, shardExt))
		if err != nil || i < 0 {
			continue
		}
		found[i] = true
		if i > highest {
			highest = i
		}
	}

	for i := 0; i <= highest; i++ {
		if !found[i] {
			return 0, apperrors.InvalidConfig("database.shards", "shard %s is missing, shard files must be contiguous from 0", db.shardPath(i))
		}
	}
	return highest + 1, nil
}

func (db *Database) createShard(path string) error {
	f, err := db.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create shard %s: %w", path, err)
	}
	return f.Close()
}

func (db *Database) shardPath(i int) string {
	return filepath.Join(db.cfg.DataPath(), fmt.Sprintf("%s.%d%s", db.cfg.Dataset, i, shardExt))
}

func (db *Database) shardPaths(n int) []string {
	paths := make([]string, n)
	for i := range paths {
		paths[i] = db.shardPath(i)
	}
	return paths
}

// Config returns the effective configuration, defaults applied.
func (db *Database) Config() config.DatabaseConfig {
	return db.cfg
}

// ShardCount returns the current number of shards.
func (db *Database) ShardCount() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.paths)
}

// ShardPaths returns the shard file paths in index order.
func (db *Database) ShardPaths() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]string(nil), db.paths...)
}

// Close detaches the handle. Files are left on disk; later calls fail with
// ErrClosed.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return apperrors.ErrClosed
	}
	db.closed = true
	return nil
}

// Drop removes every shard and index file of the dataset under all shard locks
// and closes the handle.
func (db *Database) Drop(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return apperrors.ErrClosed
	}

	logger := logging.ForOperation("drop", db.cfg.Dataset)
	locks, err := db.locks.AcquireAll(ctx, db.paths)
	if err != nil {
		return err
	}

	var result *multierror.Error
	targets := append(append([]string(nil), db.paths...), db.indexFiles()...)
	for _, p := range targets {
		if err := db.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("failed to remove %s: %w", p, err))
		}
	}
	lock.ReleaseAll(locks)
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	if empty, err := afero.IsEmpty(db.fs, db.cfg.DataPath()); err == nil && empty {
		if err := db.fs.Remove(db.cfg.DataPath()); err != nil {
			logger.Debugf("data directory kept: %v", err)
		}
	}

	logger.Infof("dropped %d shards", len(db.paths))
	db.paths = nil
	db.closed = true
	return nil
}

func (db *Database) indexFiles() []string {
	matches, err := afero.Glob(db.fs, filepath.Join(db.cfg.DataPath(), db.cfg.Dataset+".*"+indexExt))
	if err != nil {
		return nil
	}
	sort.Strings(matches)
	return matches
}

// run fans one unit per shard out over a bounded pool and returns the results
// in shard order. Units report failure in their result, never as an error, so
// one shard failing does not cancel the others.
func (db *Database) run(ctx context.Context, n int, unit func(ctx context.Context, i int) shard.ScanResult) []shard.ScanResult {
	results := make([]shard.ScanResult, n)
	limit := db.cfg.Concurrency
	if limit <= 0 || limit > n {
		limit = n
	}

	var g errgroup.Group
	g.SetLimit(max(limit, 1))
	for i := 0; i < n; i++ {
		g.Go(func() error {
			results[i] = unit(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// scan validates op once and runs it against every shard.
func (db *Database) scan(ctx context.Context, op shard.Operation) ([]shard.ScanResult, error) {
	if err := op.ValidateCallbacks(); err != nil {
		return nil, err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, apperrors.ErrClosed
	}

	paths := db.paths
	return db.run(ctx, len(paths), func(ctx context.Context, i int) shard.ScanResult {
		unit := op
		unit.Shard = i
		unit.Path = paths[i]
		return db.proc.Process(ctx, unit)
	}), nil
}
