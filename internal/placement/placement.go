// Package placement decides where things go: which shard receives each
// bucket of an insert batch, and which backup bucket receives each erasure
// coded piece.
//
// Insert placement works in two steps. Records are first split into buckets by
// input position (record i goes to bucket i % S for S shards), then a Placer
// maps every non-empty bucket to a distinct shard. Decoupling bucket position
// from physical shard keeps repeated small inserts from always landing in
// shard 0.
//
// Example:
//
//	buckets := placement.Buckets(len(docs), 4)
//	shards, _ := placer.Assign(len(buckets), 4)
//	// buckets[i] is appended to shard shards[i]
package placement

import "fmt"

// Placer maps buckets to shards. Implementations must be safe for concurrent
// use and must return distinct shard indexes.
type Placer interface {
	// Assign returns one shard index in [0, shards) for each of the n buckets.
	Assign(n, shards int) ([]int, error)
}

// Buckets splits n records into at most shards buckets by position. Each bucket
// lists record indexes in input order; empty buckets are omitted, so the
// result has min(n, shards) entries.
func Buckets(n, shards int) [][]int {
	if n <= 0 || shards <= 0 {
		return nil
	}
	count := shards
	if n < count {
		count = n
	}
	buckets := make([][]int, count)
	for i := 0; i < n; i++ {
		b := i % shards
		buckets[b] = append(buckets[b], i)
	}
	return buckets
}

func checkAssign(n, shards int) error {
	if shards < 1 {
		return fmt.Errorf("cannot place onto %d shards", shards)
	}
	if n < 0 || n > shards {
		return fmt.Errorf("cannot place %d buckets onto %d distinct shards", n, shards)
	}
	return nil
}
