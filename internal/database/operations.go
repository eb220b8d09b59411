package database

import (
	"context"

	"github.com/zzenonn/shardb/internal/aggregate"
	"github.com/zzenonn/shardb/internal/logging"
	"github.com/zzenonn/shardb/internal/record"
	"github.com/zzenonn/shardb/internal/shard"
)

// Each operation below returns an error only when it cannot start: a missing
// callback or a closed handle. A shard that fails part way is reported in the
// Summary's Failures while the remaining shards complete.

// SelectResult holds the projected documents of every selected record, shards
// in index order and lines in file order within a shard.
type SelectResult struct {
	Summary
	Docs []record.Document `json:"docs"`
}

// UpdateResult reports Updated and Unchanged per shard and in total.
type UpdateResult struct {
	Summary
}

// DeleteResult reports Deleted and Retained per shard and in total.
type DeleteResult struct {
	Summary
}

// AggregateResult holds the merged per-group statistics.
type AggregateResult struct {
	Summary
	Groups []aggregate.GroupStats `json:"groups"`
	Set    *aggregate.Set         `json:"-"`
}

// StatsResult describes the dataset layout. SizeStats and RecordStats treat
// each shard as one sample.
type StatsResult struct {
	Summary
	Shards      int             `json:"shards"`
	TotalSize   int64           `json:"total_size"`
	SizeStats   aggregate.Stats `json:"size_stats"`
	RecordStats aggregate.Stats `json:"record_stats"`
}

// Select returns the projection of every record sel accepts. A nil proj
// returns the records themselves.
func (db *Database) Select(ctx context.Context, sel shard.Selector, proj shard.Projector) (SelectResult, error) {
	results, err := db.scan(ctx, shard.Operation{Kind: shard.Select, Selector: sel, Projector: proj})
	if err != nil {
		return SelectResult{}, err
	}

	res := SelectResult{Summary: reduce(results)}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		res.Docs = append(res.Docs, r.Docs...)
	}
	logging.ForOperation("select", db.cfg.Dataset).
		Debugf("selected %d of %d records in %s", res.Selected, res.Records, res.Elapsed)
	return res, nil
}

// Update replaces every record sel accepts with upd's result. Shards without
// an effective change are not rewritten.
func (db *Database) Update(ctx context.Context, sel shard.Selector, upd shard.Updater) (UpdateResult, error) {
	results, err := db.scan(ctx, shard.Operation{Kind: shard.Update, Selector: sel, Updater: upd})
	if err != nil {
		return UpdateResult{}, err
	}
	res := UpdateResult{Summary: reduce(results)}
	logging.ForOperation("update", db.cfg.Dataset).
		Infof("updated %d records, %d unchanged", res.Updated, res.Unchanged)
	return res, nil
}

// Delete removes every record sel accepts.
func (db *Database) Delete(ctx context.Context, sel shard.Selector) (DeleteResult, error) {
	results, err := db.scan(ctx, shard.Operation{Kind: shard.Delete, Selector: sel})
	if err != nil {
		return DeleteResult{}, err
	}
	res := DeleteResult{Summary: reduce(results)}
	logging.ForOperation("delete", db.cfg.Dataset).
		Infof("deleted %d records, %d retained", res.Deleted, res.Retained)
	return res, nil
}

// Aggregate groups the records sel accepts by idx and accumulates running
// statistics for every field of their projection.
func (db *Database) Aggregate(ctx context.Context, sel shard.Selector, idx shard.Indexer, proj shard.Projector) (AggregateResult, error) {
	results, err := db.scan(ctx, shard.Operation{Kind: shard.Aggregate, Selector: sel, Indexer: idx, Projector: proj})
	if err != nil {
		return AggregateResult{}, err
	}

	res := AggregateResult{Summary: reduce(results), Set: aggregate.NewSet()}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		res.Set.Merge(r.Aggregates)
	}
	res.Groups = res.Set.Report()
	logging.ForOperation("aggregate", db.cfg.Dataset).
		Debugf("aggregated %d records into %d groups", res.Indexed, len(res.Groups))
	return res, nil
}

// Stats scans every shard and reports its size and record counts.
func (db *Database) Stats(ctx context.Context) (StatsResult, error) {
	results, err := db.scan(ctx, shard.Operation{Kind: shard.Stats})
	if err != nil {
		return StatsResult{}, err
	}

	res := StatsResult{Summary: reduce(results), Shards: len(results)}
	var sizes, records aggregate.Running
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		res.TotalSize += r.Size

		var s, n aggregate.Running
		s.Add(float64(r.Size))
		n.Add(float64(r.Records))
		sizes.Merge(&s)
		records.Merge(&n)
	}
	res.SizeStats = sizes.Stats("size")
	res.RecordStats = records.Stats("records")
	return res, nil
}
