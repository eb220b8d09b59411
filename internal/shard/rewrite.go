package shard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	apperrors "github.com/zzenonn/shardb/internal/errors"
)

// Rewrite stages reported in RewriteError.Stage.
const (
	StageBackup  = "backup"
	StageReplace = "replace"
	StageCleanup = "cleanup"
)

// OldSuffix marks the original shard while its replacement is renamed in.
const OldSuffix = ".old"

// TempPath returns a unique temp file path next to path.
func TempPath(path, suffix string) string {
	return fmt.Sprintf("%s.%s%s", path, uuid.NewString(), suffix)
}

// OldPath returns the rollback path for a shard.
func OldPath(path string) string {
	return path + OldSuffix
}

func (p *Processor) rewrite(ctx context.Context, op Operation, res *ScanResult) error {
	src, err := p.fs.Open(op.Path)
	if err != nil {
		return fmt.Errorf("failed to open shard: %w", err)
	}

	tmp := TempPath(op.Path, ".tmp")
	dst, err := p.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		src.Close()
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	w := bufio.NewWriter(dst)
	err = p.scan(ctx, src, res, p.visitor(op, res), w)
	src.Close()
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		discard(p.fs, tmp)
		return err
	}

	if !res.changed() {
		discard(p.fs, tmp)
		log.WithField("path", op.Path).Debug("no effective changes, shard left untouched")
		return nil
	}

	err = Commit(p.fs, op.Path, tmp)
	var rwErr *apperrors.RewriteError
	if err == nil || (errors.As(err, &rwErr) && rwErr.Stage == StageCleanup) {
		res.Rewritten = true
	}
	return err
}

// Commit replaces path with tmp. The original is first renamed to its .old
// path; if tmp cannot be renamed into place the original is renamed back. The
// .old file is removed once the replacement is in place.
//
// A RewriteError with Stage StageCleanup means the new content was committed
// but the .old file could not be removed.
func Commit(fs afero.Fs, path, tmp string) error {
	old := OldPath(path)
	logger := log.WithField("path", path)

	if err := fs.Rename(path, old); err != nil {
		discard(fs, tmp)
		return &apperrors.RewriteError{Path: path, Stage: StageBackup, Err: err}
	}

	if err := fs.Rename(tmp, path); err != nil {
		rwErr := &apperrors.RewriteError{Path: path, Stage: StageReplace, Err: err}
		if rbErr := fs.Rename(old, path); rbErr != nil {
			rwErr.RollbackErr = rbErr
			rwErr.Dangling = old
			logger.Errorf("Rollback failed, original shard left at %s: %v", old, rbErr)
		} else {
			rwErr.RolledBack = true
			logger.Warnf("Replacement failed, original shard restored: %v", err)
		}
		discard(fs, tmp)
		return rwErr
	}

	if err := fs.Remove(old); err != nil {
		return &apperrors.RewriteError{Path: path, Stage: StageCleanup, Err: err, Dangling: old}
	}
	logger.Debug("shard rewritten")
	return nil
}

func discard(fs afero.Fs, path string) {
	if err := fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithField("path", path).Errorf("Failed to remove temp file: %v", err)
	}
}
