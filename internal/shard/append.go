package shard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Append writes payload, count serialized records, to the end of a shard under
// its lock. The payload goes out in one write; on a failed or short write the
// file is truncated back to its previous size, so a shard never ends with a
// partial batch.
func (p *Processor) Append(ctx context.Context, shard int, path string, payload []byte, count int) (res ScanResult) {
	res = ScanResult{Shard: shard, Path: path, Kind: Insert, Start: time.Now()}
	defer func() { res.End = time.Now() }()

	l, err := p.locks.Acquire(ctx, path)
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := l.Release(); err != nil && res.Err == nil {
			res.Err = err
		}
	}()

	size, err := appendAll(p.fs, path, payload)
	if err != nil {
		res.Err = err
		return res
	}
	res.Inserted = count
	res.Size = size
	res.Rewritten = true
	return res
}

// appendAll returns the new file size.
func appendAll(fs afero.Fs, path string, payload []byte) (int64, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open shard: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat shard: %w", err)
	}
	size := info.Size()

	if size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, size-1); err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("failed to read shard tail: %w", err)
		}
		if last[0] != '\n' {
			payload = append([]byte{'\n'}, payload...)
		}
	}

	n, err := f.WriteAt(payload, size)
	if err == nil && n < len(payload) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		if terr := f.Truncate(size); terr != nil {
			log.WithField("path", path).Errorf("Failed to truncate shard after failed append: %v", terr)
			return 0, fmt.Errorf("append failed (%v) and truncate failed: %w", err, terr)
		}
		return 0, fmt.Errorf("failed to append to shard: %w", err)
	}
	return size + int64(len(payload)), nil
}
