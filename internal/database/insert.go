package database

import (
	"context"
	"fmt"
	"sort"

	apperrors "github.com/zzenonn/shardb/internal/errors"
	"github.com/zzenonn/shardb/internal/logging"
	"github.com/zzenonn/shardb/internal/placement"
	"github.com/zzenonn/shardb/internal/record"
	"github.com/zzenonn/shardb/internal/shard"
)

// InsertResult reports how many records each shard received.
type InsertResult struct {
	Summary
}

// Insert distributes docs across the shards. Document i goes to bucket i % S
// and each bucket to a distinct shard chosen by the placer, so a batch is
// spread as evenly as possible. Every document is serialized before any shard
// is touched; a batch with an unencodable document writes nothing.
func (db *Database) Insert(ctx context.Context, docs []record.Document) (InsertResult, error) {
	if len(docs) == 0 {
		return InsertResult{}, fmt.Errorf("insert: %w", apperrors.ErrEmptyBatch)
	}
	lines := make([][]byte, len(docs))
	for i, doc := range docs {
		if doc == nil {
			return InsertResult{}, fmt.Errorf("insert document %d: %w", i, apperrors.ErrNilDocument)
		}
		line, err := record.Serialize(doc)
		if err != nil {
			return InsertResult{}, apperrors.InvalidConfig("documents", "document %d cannot be encoded: %v", i, err)
		}
		lines[i] = line
	}

	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return InsertResult{}, apperrors.ErrClosed
	}

	paths := db.paths
	buckets := placement.Buckets(len(docs), len(paths))
	targets, err := db.placer.Assign(len(buckets), len(paths))
	if err != nil {
		return InsertResult{}, err
	}

	payloads := make([][]byte, len(buckets))
	for b, members := range buckets {
		for _, i := range members {
			payloads[b] = append(payloads[b], lines[i]...)
		}
	}

	results := db.run(ctx, len(buckets), func(ctx context.Context, b int) shard.ScanResult {
		target := targets[b]
		return db.proc.Append(ctx, target, paths[target], payloads[b], len(buckets[b]))
	})
	sort.Slice(results, func(i, j int) bool { return results[i].Shard < results[j].Shard })

	res := InsertResult{Summary: reduce(results)}
	logging.ForOperation("insert", db.cfg.Dataset).
		Debugf("inserted %d of %d documents into %d shards", res.Inserted, len(docs), len(buckets))
	return res, nil
}
