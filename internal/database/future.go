package database

import (
	"context"

	"github.com/zzenonn/shardb/internal/record"
	"github.com/zzenonn/shardb/internal/shard"
)

// Future is the pending result of an operation started with one of the Async
// methods.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func async[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the operation finishes.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.val, f.err
}

// InsertAsync runs Insert in the background.
func (db *Database) InsertAsync(ctx context.Context, docs []record.Document) *Future[InsertResult] {
	return async(ctx, func(ctx context.Context) (InsertResult, error) {
		return db.Insert(ctx, docs)
	})
}

// SelectAsync runs Select in the background.
func (db *Database) SelectAsync(ctx context.Context, sel shard.Selector, proj shard.Projector) *Future[SelectResult] {
	return async(ctx, func(ctx context.Context) (SelectResult, error) {
		return db.Select(ctx, sel, proj)
	})
}

// UpdateAsync runs Update in the background.
func (db *Database) UpdateAsync(ctx context.Context, sel shard.Selector, upd shard.Updater) *Future[UpdateResult] {
	return async(ctx, func(ctx context.Context) (UpdateResult, error) {
		return db.Update(ctx, sel, upd)
	})
}

// DeleteAsync runs Delete in the background.
func (db *Database) DeleteAsync(ctx context.Context, sel shard.Selector) *Future[DeleteResult] {
	return async(ctx, func(ctx context.Context) (DeleteResult, error) {
		return db.Delete(ctx, sel)
	})
}

// AggregateAsync runs Aggregate in the background.
func (db *Database) AggregateAsync(ctx context.Context, sel shard.Selector, idx shard.Indexer, proj shard.Projector) *Future[AggregateResult] {
	return async(ctx, func(ctx context.Context) (AggregateResult, error) {
		return db.Aggregate(ctx, sel, idx, proj)
	})
}

// StatsAsync runs Stats in the background.
func (db *Database) StatsAsync(ctx context.Context) *Future[StatsResult] {
	return async(ctx, db.Stats)
}
