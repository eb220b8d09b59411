package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"

	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/logging"
	"github.com/zzenonn/shardb/internal/shard"
)

const indexExt = ".index.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Location is where records with one indexed value live in a shard.
type Location struct {
	Shard int   `json:"shard"`
	Lines []int `json:"lines"`
}

// Index maps the canonical JSON of a field value to the lines holding it.
// Line numbers are 1-based and only valid until the next rewrite or resize.
type Index struct {
	Dataset string                `json:"dataset"`
	Field   string                `json:"field"`
	Built   time.Time             `json:"built"`
	Shards  int                   `json:"shards"`
	Values  map[string][]Location `json:"values"`
}

// Lookup returns the locations of records whose field equals the canonical
// JSON key.
func (ix *Index) Lookup(key string) []Location {
	return ix.Values[key]
}

// IndexResult is the outcome of building an index.
type IndexResult struct {
	Summary
	Index *Index `json:"-"`
	Path  string `json:"path"`
}

// BuildIndex scans every shard for field, a gjson path, and writes the index
// next to the shards. Records sel rejects are left out; a nil sel indexes all.
// The file is only written when every shard was scanned.
func (db *Database) BuildIndex(ctx context.Context, field string, sel shard.Selector) (IndexResult, error) {
	results, err := db.scan(ctx, shard.Operation{Kind: shard.Index, IndexField: field, Selector: sel})
	if err != nil {
		return IndexResult{}, err
	}

	res := IndexResult{Summary: reduce(results), Path: db.indexPath(field)}
	if res.Failed() {
		return res, nil
	}

	ix := &Index{
		Dataset: db.cfg.Dataset,
		Field:   field,
		Built:   res.End,
		Shards:  len(results),
		Values:  make(map[string][]Location),
	}
	for _, r := range results {
		for key, lines := range r.IndexEntries {
			ix.Values[key] = append(ix.Values[key], Location{Shard: r.Shard, Lines: lines})
		}
	}
	if err := db.writeIndex(res.Path, ix); err != nil {
		return res, err
	}
	res.Index = ix

	logging.ForOperation("index", db.cfg.Dataset).
		Infof("indexed %d records on %q into %s", res.Indexed, field, res.Path)
	return res, nil
}

// LoadIndex reads an index previously written by BuildIndex.
func (db *Database) LoadIndex(field string) (*Index, error) {
	b, err := afero.ReadFile(db.fs, db.indexPath(field))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.InvalidConfig("field", "no index has been built for %q", field)
		}
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	var ix Index
	if err := json.Unmarshal(b, &ix); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	return &ix, nil
}

func (db *Database) indexPath(field string) string {
	name := strings.NewReplacer("/", "_", `\`, "_").Replace(field)
	return filepath.Join(db.cfg.DataPath(), fmt.Sprintf("%s.%s%s", db.cfg.Dataset, name, indexExt))
}

func (db *Database) writeIndex(path string, ix *Index) error {
	b, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	tmp := shard.TempPath(path, ".tmp")
	if err := afero.WriteFile(db.fs, tmp, b, 0o644); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := db.fs.Rename(tmp, path); err != nil {
		_ = db.fs.Remove(tmp)
		return fmt.Errorf("failed to move index into place: %w", err)
	}
	return nil
}
