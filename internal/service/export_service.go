package service

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/shardb/internal/database"
	"github.com/zzenonn/shardb/internal/record"
	"github.com/zzenonn/shardb/internal/repository/objectstore"
)

// Inserter is the part of an open database an import writes to.
type Inserter interface {
	Insert(ctx context.Context, docs []record.Document) (database.InsertResult, error)
}

// ExportService copies a whole dataset to or from a single NDJSON object,
// without erasure coding or a manifest.
type ExportService struct {
	objectRepo objectstore.ObjectRepository
}

// NewExportService creates a new ExportService writing to objectRepo.
func NewExportService(objectRepo objectstore.ObjectRepository) *ExportService {
	return &ExportService{objectRepo: objectRepo}
}

// Export streams every shard, in index order, into one object. When compress
// is set the object is a zstd stream. It returns the object location.
func (e *ExportService) Export(ctx context.Context, ds Dataset, key string, compress, quiet bool) (string, error) {
	log.Debugf("Exporting dataset %s to %s", ds.Config().Dataset, key)

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeDataset(ctx, ds, pw, compress))
	}()

	location, err := e.objectRepo.Upload(ctx, key, pr, quiet)
	pr.CloseWithError(err)
	<-done
	if err != nil {
		return "", fmt.Errorf("failed to export %s: %w", ds.Config().Dataset, err)
	}
	return location, nil
}

func writeDataset(ctx context.Context, ds Dataset, w io.Writer, compress bool) error {
	out := w
	var zw *zstd.Encoder
	if compress {
		var err error
		zw, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		out = zw
	}

	err := ds.Snapshot(ctx, func(shard int, data []byte) error {
		if _, err := out.Write(data); err != nil {
			return err
		}
		if len(data) > 0 && data[len(data)-1] != '\n' {
			_, err := out.Write([]byte{'\n'})
			return err
		}
		return nil
	})
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ImportResult counts what an import read and wrote.
type ImportResult struct {
	Lines    int `json:"lines"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

// Import reads an exported object and inserts its records in batches of
// batchSize. Blank and malformed lines are skipped.
func (e *ExportService) Import(ctx context.Context, db Inserter, key string, compressed bool, batchSize, maxLineBytes int, quiet bool) (ImportResult, error) {
	log.Debugf("Importing %s", key)
	var res ImportResult

	rc, err := e.objectRepo.Download(ctx, key, quiet)
	if err != nil {
		return res, err
	}
	defer rc.Close()

	var in io.Reader = rc
	if compressed {
		zr, err := zstd.NewReader(rc)
		if err != nil {
			return res, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer zr.Close()
		in = zr
	}

	if batchSize < 1 {
		batchSize = 1000
	}
	batch := make([]record.Document, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ins, err := db.Insert(ctx, batch)
		if err != nil {
			return err
		}
		if err := ins.Err(); err != nil {
			return err
		}
		res.Inserted += ins.Inserted
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		res.Lines++
		rec := record.Parse(res.Lines, sc.Bytes())
		if rec.Kind != record.Valid {
			res.Skipped++
			continue
		}
		batch = append(batch, rec.Value)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}
