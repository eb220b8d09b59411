package database

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/lock"
	"github.com/zzenonn/shardb/internal/logging"
	"github.com/zzenonn/shardb/internal/shard"
)

const resizeSuffix = ".resize"

// ResizeResult reports a completed redistribution.
type ResizeResult struct {
	From    int           `json:"from"`
	To      int           `json:"to"`
	Lines   int           `json:"lines"`
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Elapsed time.Duration `json:"elapsed"`
}

// Resize redistributes every non-blank line over n shards. Lines are dealt
// round robin onto a random permutation of the new shards and copied byte for
// byte, malformed ones included. The whole dataset is locked for the duration;
// on failure the original shard set is left in place.
func (db *Database) Resize(ctx context.Context, n int) (ResizeResult, error) {
	return db.resize(ctx, func(int) (int, error) {
		if n < 1 {
			return 0, apperrors.InvalidConfig("shards", "shard count must be at least 1, got %d", n)
		}
		return n, nil
	})
}

// Grow adds one shard.
func (db *Database) Grow(ctx context.Context) (ResizeResult, error) {
	return db.resize(ctx, func(cur int) (int, error) {
		return cur + 1, nil
	})
}

// Shrink removes one shard. A single-shard dataset returns ErrSingleShard.
func (db *Database) Shrink(ctx context.Context) (ResizeResult, error) {
	return db.resize(ctx, func(cur int) (int, error) {
		if cur <= 1 {
			return 0, apperrors.ErrSingleShard
		}
		return cur - 1, nil
	})
}

func (db *Database) resize(ctx context.Context, target func(cur int) (int, error)) (ResizeResult, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ResizeResult{}, apperrors.ErrClosed
	}

	from := len(db.paths)
	to, err := target(from)
	if err != nil {
		return ResizeResult{}, err
	}

	res := ResizeResult{From: from, To: to, Start: time.Now()}
	logger := logging.ForOperation("resize", db.cfg.Dataset)

	oldPaths := db.paths
	newPaths := db.shardPaths(to)
	all := oldPaths
	if to > from {
		all = newPaths
	}
	locks, err := db.locks.AcquireAll(ctx, all)
	if err != nil {
		return res, err
	}
	defer lock.ReleaseAll(locks)

	order, err := db.placer.Assign(to, to)
	if err != nil {
		return res, err
	}

	temps, lines, err := db.redistribute(ctx, oldPaths, newPaths, order)
	if err != nil {
		return res, err
	}
	res.Lines = lines

	err = db.swap(oldPaths, newPaths, temps)
	var rwErr *apperrors.RewriteError
	if err != nil && !(errors.As(err, &rwErr) && rwErr.Stage == shard.StageCleanup) {
		return res, err
	}

	db.paths = newPaths
	res.End = time.Now()
	res.Elapsed = res.End.Sub(res.Start)
	logger.Infof("resized from %d to %d shards, %d lines moved in %s", from, to, lines, res.Elapsed)
	return res, err
}

type resizeWriter struct {
	path string
	file afero.File
	buf  *bufio.Writer
}

// redistribute writes every line of the old shards into one temp file per new
// shard. Line k goes to new shard order[k % len(order)].
func (db *Database) redistribute(ctx context.Context, oldPaths, newPaths []string, order []int) ([]string, int, error) {
	writers := make([]*resizeWriter, len(newPaths))
	cleanup := func() {
		for _, w := range writers {
			if w == nil {
				continue
			}
			w.file.Close()
			if err := db.fs.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.WithField("path", w.path).Errorf("Failed to remove resize temp file: %v", err)
			}
		}
	}

	for i, p := range newPaths {
		tmp := shard.TempPath(p, resizeSuffix)
		f, err := db.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			cleanup()
			return nil, 0, fmt.Errorf("failed to create resize temp file: %w", err)
		}
		writers[i] = &resizeWriter{path: tmp, file: f, buf: bufio.NewWriter(f)}
	}

	count := 0
	for _, p := range oldPaths {
		err := shard.EachLine(ctx, db.fs, p, db.cfg.MaxLineBytes, func(raw []byte) error {
			w := writers[order[count%len(order)]]
			count++
			if _, err := w.buf.Write(raw); err != nil {
				return err
			}
			return w.buf.WriteByte('\n')
		})
		if err != nil {
			cleanup()
			return nil, 0, fmt.Errorf("failed to redistribute %s: %w", p, err)
		}
	}

	temps := make([]string, len(writers))
	for i, w := range writers {
		err := w.buf.Flush()
		if err == nil {
			err = w.file.Sync()
		}
		if err != nil {
			cleanup()
			return nil, 0, fmt.Errorf("failed to flush %s: %w", w.path, err)
		}
		temps[i] = w.path
	}
	for _, w := range writers {
		if err := w.file.Close(); err != nil {
			cleanup()
			return nil, 0, fmt.Errorf("failed to close %s: %w", w.path, err)
		}
	}
	return temps, count, nil
}

// swap moves the old shards aside, renames the temps into place and removes
// the moved-aside files. Any failure before the last step restores the old
// set. A failed removal returns a StageCleanup RewriteError: the new set is
// committed and the leftovers are for the operator.
func (db *Database) swap(oldPaths, newPaths, temps []string) error {
	var moved, placed []string
	rollback := func(stage string, cause error) error {
		rwErr := &apperrors.RewriteError{Path: db.cfg.DataPath(), Stage: stage, Err: cause}
		var result *multierror.Error
		for _, p := range placed {
			if err := db.fs.Remove(p); err != nil {
				result = multierror.Append(result, err)
			}
		}
		for _, p := range moved {
			if err := db.fs.Rename(shard.OldPath(p), p); err != nil {
				result = multierror.Append(result, err)
				rwErr.Dangling = shard.OldPath(p)
			}
		}
		for _, t := range temps {
			if err := db.fs.Remove(t); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.WithField("path", t).Errorf("Failed to remove resize temp file: %v", err)
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			rwErr.RollbackErr = err
			log.WithField("dir", db.cfg.DataPath()).Errorf("Resize rollback failed: %v", err)
		} else {
			rwErr.RolledBack = true
		}
		return rwErr
	}

	for _, p := range oldPaths {
		if err := db.fs.Rename(p, shard.OldPath(p)); err != nil {
			return rollback(shard.StageBackup, err)
		}
		moved = append(moved, p)
	}
	for i, p := range newPaths {
		if err := db.fs.Rename(temps[i], p); err != nil {
			return rollback(shard.StageReplace, err)
		}
		placed = append(placed, p)
	}

	var result *multierror.Error
	for _, p := range moved {
		if err := db.fs.Remove(shard.OldPath(p)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithField("dir", db.cfg.DataPath()).Warnf("Resize committed but old shards remain: %v", err)
		return &apperrors.RewriteError{Path: db.cfg.DataPath(), Stage: shard.StageCleanup, Err: err}
	}
	return nil
}
