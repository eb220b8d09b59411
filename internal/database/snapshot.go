package database

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"

	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/lock"
	"github.com/zzenonn/shardb/internal/logging"
	"github.com/zzenonn/shardb/internal/shard"
)

// Snapshot calls fn with the contents of every shard in index order. Each
// shard is read under its lock, so no shard is captured half rewritten.
func (db *Database) Snapshot(ctx context.Context, fn func(shard int, data []byte) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return apperrors.ErrClosed
	}

	for i, p := range db.paths {
		data, err := db.readLocked(ctx, p)
		if err != nil {
			return err
		}
		if err := fn(i, data); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) readLocked(ctx context.Context, path string) ([]byte, error) {
	l, err := db.locks.Acquire(ctx, path)
	if err != nil {
		return nil, err
	}
	defer lock.ReleaseAll([]*lock.Lock{l})

	data, err := afero.ReadFile(db.fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shard %s: %w", path, err)
	}
	return data, nil
}

// Restore replaces the content of every shard with what fetch returns for it.
// shards must match the current shard count. All content is staged in temp
// files before the first shard is replaced.
func (db *Database) Restore(ctx context.Context, shards int, fetch func(ctx context.Context, shard int) ([]byte, error)) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return apperrors.ErrClosed
	}
	if shards != len(db.paths) {
		return fmt.Errorf("backup has %d shards, database has %d: %w", shards, len(db.paths), apperrors.ErrShardCountMismatch)
	}

	locks, err := db.locks.AcquireAll(ctx, db.paths)
	if err != nil {
		return err
	}
	defer lock.ReleaseAll(locks)

	temps := make([]string, 0, len(db.paths))
	discardAll := func() {
		for _, t := range temps {
			if err := db.fs.Remove(t); err != nil && !errors.Is(err, os.ErrNotExist) {
				logging.ForOperation("restore", db.cfg.Dataset).Errorf("Failed to remove staged shard %s: %v", t, err)
			}
		}
	}

	for i, p := range db.paths {
		data, err := fetch(ctx, i)
		if err != nil {
			discardAll()
			return fmt.Errorf("failed to fetch shard %d: %w", i, err)
		}
		tmp := shard.TempPath(p, ".tmp")
		temps = append(temps, tmp)
		if err := afero.WriteFile(db.fs, tmp, data, 0o644); err != nil {
			discardAll()
			return fmt.Errorf("failed to stage shard %d: %w", i, err)
		}
	}

	for i, p := range db.paths {
		if err := shard.Commit(db.fs, p, temps[i]); err != nil {
			var rwErr *apperrors.RewriteError
			if errors.As(err, &rwErr) && rwErr.Stage == shard.StageCleanup {
				continue
			}
			temps = temps[i+1:]
			discardAll()
			return fmt.Errorf("restore stopped at shard %d: %w", i, err)
		}
	}
	logging.ForOperation("restore", db.cfg.Dataset).Infof("restored %d shards", len(db.paths))
	return nil
}
