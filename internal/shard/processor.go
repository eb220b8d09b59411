// Package shard runs one operation over one shard file.
//
// A shard is read as a forward-only stream of lines, so its size is bounded by
// disk rather than memory. Read operations (stats, select, aggregate, index)
// only scan. Update and delete stream every surviving line into a temp file
// and swap it in with Commit.
package shard

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/afero"
	"github.com/tidwall/gjson"

	"github.com/zzenonn/shardb/internal/aggregate"
	"github.com/zzenonn/shardb/internal/config"
	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/lock"
	"github.com/zzenonn/shardb/internal/logging"
	"github.com/zzenonn/shardb/internal/record"
)

const initialBufferSize = 64 * 1024

// Processor executes operations against shard files.
type Processor struct {
	fs           afero.Fs
	locks        *lock.Manager
	maxLineBytes int
	readLock     bool
}

// NewProcessor creates a Processor. cfg must already carry its defaults.
func NewProcessor(fs afero.Fs, locks *lock.Manager, cfg config.DatabaseConfig) *Processor {
	return &Processor{
		fs:           fs,
		locks:        locks,
		maxLineBytes: cfg.MaxLineBytes,
		readLock:     cfg.ReadLock,
	}
}

// Process runs op and returns its result. Failures are reported in the
// result's Err and never panic out of a user callback.
func (p *Processor) Process(ctx context.Context, op Operation) (res ScanResult) {
	res = ScanResult{Shard: op.Shard, Path: op.Path, Kind: op.Kind, Start: time.Now()}
	defer func() { res.End = time.Now() }()

	logger := logging.ForShard(op.Shard, op.Path).WithField("op", op.Kind.String())

	if err := op.Validate(); err != nil {
		res.Err = err
		return res
	}

	if op.Kind.Mutating() || p.readLock {
		l, err := p.locks.Acquire(ctx, op.Path)
		if err != nil {
			res.Err = err
			return res
		}
		defer func() {
			if err := l.Release(); err != nil {
				logger.Errorf("Failed to release shard lock: %v", err)
				if res.Err == nil {
					res.Err = err
					if !res.Rewritten {
						res.discardEffects()
					}
				}
			}
		}()
	}

	var err error
	switch op.Kind {
	case Update, Delete:
		err = p.rewrite(ctx, op, &res)
	default:
		err = p.read(ctx, op, &res)
	}
	if err != nil {
		logger.Errorf("Shard operation failed: %v", err)
		res.Err = err
		if !res.Rewritten {
			res.discardEffects()
		}
		return res
	}

	logger.Debugf("processed %d lines (%d records, %d errors)", res.Lines, res.Records, res.Errors)
	return res
}

func (p *Processor) read(ctx context.Context, op Operation, res *ScanResult) error {
	f, err := p.fs.Open(op.Path)
	if err != nil {
		return fmt.Errorf("failed to open shard: %w", err)
	}
	defer f.Close()

	if op.Kind == Stats {
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat shard: %w", err)
		}
		res.Size = info.Size()
		res.Modified = info.ModTime()
	}

	return p.scan(ctx, f, res, p.visitor(op, res), nil)
}

// visitor handles one valid record. It returns the line to emit when the shard
// is being rewritten, or nil to drop the record. An error aborts the shard.
type visitor func(rec record.Record) ([]byte, error)

func (p *Processor) visitor(op Operation, res *ScanResult) visitor {
	switch op.Kind {
	case Select:
		return func(rec record.Record) ([]byte, error) {
			ok, err := selects(op.Selector, rec)
			if err != nil {
				res.addError(rec.Line, rec.Raw, err)
				return rec.Raw, nil
			}
			if !ok {
				res.Ignored++
				return rec.Raw, nil
			}
			doc, err := project(op.Projector, rec)
			if err != nil {
				res.addError(rec.Line, rec.Raw, err)
				return rec.Raw, nil
			}
			res.Selected++
			res.Docs = append(res.Docs, doc)
			return rec.Raw, nil
		}

	case Update:
		return func(rec record.Record) ([]byte, error) {
			ok, err := selects(op.Selector, rec)
			if err != nil {
				return nil, err
			}
			if !ok {
				res.Unchanged++
				return rec.Raw, nil
			}
			res.Selected++
			doc, err := invoke(rec.Line, "updater", func() record.Document { return op.Updater(rec.Value) })
			if err != nil {
				return nil, err
			}
			if doc == nil {
				return nil, &apperrors.ContractError{Line: rec.Line, Callback: "updater", Reason: "returned a nil document"}
			}
			line, err := record.Serialize(doc)
			if err != nil {
				return nil, &apperrors.ContractError{Line: rec.Line, Callback: "updater", Reason: err.Error()}
			}
			res.Updated++
			return line, nil
		}

	case Delete:
		return func(rec record.Record) ([]byte, error) {
			ok, err := selects(op.Selector, rec)
			if err != nil {
				return nil, err
			}
			if ok {
				res.Selected++
				res.Deleted++
				return nil, nil
			}
			res.Retained++
			return rec.Raw, nil
		}

	case Aggregate:
		if res.Aggregates == nil {
			res.Aggregates = aggregate.NewSet()
		}
		return func(rec record.Record) ([]byte, error) {
			ok, err := selects(op.Selector, rec)
			if err != nil {
				res.addError(rec.Line, rec.Raw, err)
				return rec.Raw, nil
			}
			if !ok {
				res.Ignored++
				return rec.Raw, nil
			}
			res.Selected++

			key, err := invoke(rec.Line, "indexer", func() groupKey {
				k, ok := op.Indexer(rec.Value)
				return groupKey{value: k, ok: ok}
			})
			if err != nil {
				res.addError(rec.Line, rec.Raw, err)
				return rec.Raw, nil
			}
			if !key.ok {
				res.Unindexed++
				return rec.Raw, nil
			}

			fields, err := project(op.Projector, rec)
			if err != nil {
				res.addError(rec.Line, rec.Raw, err)
				return rec.Raw, nil
			}
			if err := res.Aggregates.Add(key.value, fields); err != nil {
				res.addError(rec.Line, rec.Raw, &apperrors.ContractError{Line: rec.Line, Callback: "indexer", Reason: err.Error()})
				return rec.Raw, nil
			}
			res.Indexed++
			return rec.Raw, nil
		}

	case Index:
		if res.IndexEntries == nil {
			res.IndexEntries = make(map[string][]int)
		}
		return func(rec record.Record) ([]byte, error) {
			if op.Selector != nil {
				ok, err := selects(op.Selector, rec)
				if err != nil {
					res.addError(rec.Line, rec.Raw, err)
					return rec.Raw, nil
				}
				if !ok {
					res.Ignored++
					return rec.Raw, nil
				}
			}
			v := gjson.GetBytes(rec.Raw, op.IndexField)
			if !v.Exists() {
				res.Unindexed++
				return rec.Raw, nil
			}
			key, err := record.Canonical(v.Value())
			if err != nil {
				res.addError(rec.Line, rec.Raw, err)
				return rec.Raw, nil
			}
			res.IndexEntries[key] = append(res.IndexEntries[key], rec.Line)
			res.Indexed++
			return rec.Raw, nil
		}

	default:
		return func(rec record.Record) ([]byte, error) {
			return rec.Raw, nil
		}
	}
}

// scan streams r line by line through visit. When w is non-nil every line the
// visitor keeps is written to it; blank and malformed lines are always kept
// byte for byte.
func (p *Processor) scan(ctx context.Context, r io.Reader, res *ScanResult, visit visitor, w io.Writer) error {
	sc := newScanner(r, p.maxLineBytes)
	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		res.Lines++

		// rec.Raw aliases the scanner buffer and is only valid for this iteration.
		rec := record.Parse(line, sc.Bytes())
		out := rec.Raw
		switch rec.Kind {
		case record.Blank:
			res.Blanks++
		case record.Malformed:
			res.addError(line, rec.Raw, &apperrors.ParseError{Line: line, Raw: string(rec.Raw), Err: rec.Err})
		case record.Valid:
			res.Records++
			emit, err := visit(rec)
			if err != nil {
				return err
			}
			out = emit
		}

		if w != nil && out != nil {
			if err := writeLine(w, out); err != nil {
				return fmt.Errorf("failed to write line %d: %w", line, err)
			}
		}
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("line %d exceeds %d bytes: %w", line+1, p.maxLineBytes, err)
		}
		return fmt.Errorf("failed to read shard: %w", err)
	}
	return nil
}

func writeLine(w io.Writer, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return err
	}
	if len(b) > 0 && b[len(b)-1] == '\n' {
		return nil
	}
	_, err := w.Write([]byte{'\n'})
	return err
}

// EachLine calls fn with every non-blank line of the shard at path, malformed
// ones included. raw is only valid for the duration of the call.
func EachLine(ctx context.Context, fs afero.Fs, path string, maxLineBytes int, fn func(raw []byte) error) error {
	f, err := fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open shard: %w", err)
	}
	defer f.Close()

	sc := newScanner(f, maxLineBytes)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if err := fn(raw); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func newScanner(r io.Reader, maxLineBytes int) *bufio.Scanner {
	size := initialBufferSize
	if maxLineBytes < size {
		size = maxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, size), maxLineBytes)
	sc.Split(scanRawLines)
	return sc
}

// scanRawLines is bufio.ScanLines without the carriage return stripping, so a
// kept line is written back exactly as it was read.
func scanRawLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type groupKey struct {
	value any
	ok    bool
}

func selects(sel Selector, rec record.Record) (bool, error) {
	return invoke(rec.Line, "selector", func() bool { return sel(rec.Value) })
}

func project(proj Projector, rec record.Record) (record.Document, error) {
	if proj == nil {
		return rec.Value, nil
	}
	doc, err := invoke(rec.Line, "projector", func() record.Document { return proj(rec.Value) })
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &apperrors.ContractError{Line: rec.Line, Callback: "projector", Reason: "returned a nil document"}
	}
	return doc, nil
}

// invoke runs a user callback, turning a panic into a ContractError.
func invoke[T any](line int, callback string, fn func() T) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &apperrors.ContractError{Line: line, Callback: callback, Reason: fmt.Sprintf("panicked: %v", r)}
		}
	}()
	return fn(), nil
}
