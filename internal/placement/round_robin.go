package placement

import (
	"fmt"
	"sync"

	"github.com/zzenonn/shardb/internal/repository/objectstore"
)

// RoundRobinPlacer assigns consecutive shards starting where the previous call
// left off.
type RoundRobinPlacer struct {
	mu   sync.Mutex
	next int
}

// NewRoundRobinPlacer creates a new round-robin shard placer
func NewRoundRobinPlacer() *RoundRobinPlacer {
	return &RoundRobinPlacer{}
}

// Assign returns n consecutive shards, wrapping around.
func (p *RoundRobinPlacer) Assign(n, shards int) ([]int, error) {
	if err := checkAssign(n, shards); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.next % shards
	out := make([]int, n)
	for i := range out {
		out[i] = (start + i) % shards
	}
	p.next = (start + n) % shards
	return out, nil
}

// BucketPlacer spreads backup pieces across object storage buckets.
//
// Implementations must be thread-safe and deterministic: the same piece index
// returns the same bucket for a fixed set of registered buckets, so a restore
// can find pieces from the manifest alone.
type BucketPlacer interface {
	// GetRepositoryForBucket returns the repository for a specific bucket.
	// Used during restores when the bucket is known from the manifest.
	GetRepositoryForBucket(bucketName string) (objectstore.ObjectRepository, error)

	// Place selects the bucket for a piece.
	Place(pieceIndex int) (string, objectstore.ObjectRepository, error)

	// RegisterBucket adds a storage bucket and repository to the placer.
	RegisterBucket(bucketName string, repo objectstore.ObjectRepository) error

	// ListBuckets returns all registered bucket names.
	ListBuckets() []string
}

// RoundRobinBucketPlacer implements round-robin piece placement
type RoundRobinBucketPlacer struct {
	mu           sync.RWMutex
	repositories map[string]objectstore.ObjectRepository
	bucketNames  []string
}

// NewRoundRobinBucketPlacer creates a new round-robin bucket placer
func NewRoundRobinBucketPlacer() *RoundRobinBucketPlacer {
	return &RoundRobinBucketPlacer{
		repositories: make(map[string]objectstore.ObjectRepository),
		bucketNames:  make([]string, 0),
	}
}

// RegisterBucket adds a bucket and its repository
func (p *RoundRobinBucketPlacer) RegisterBucket(bucketName string, repo objectstore.ObjectRepository) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.repositories[bucketName]; exists {
		return fmt.Errorf("bucket %s already registered", bucketName)
	}

	p.repositories[bucketName] = repo
	p.bucketNames = append(p.bucketNames, bucketName)
	return nil
}

// GetRepositoryForBucket returns the repository for a specific bucket
func (p *RoundRobinBucketPlacer) GetRepositoryForBucket(bucketName string) (objectstore.ObjectRepository, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	repo, exists := p.repositories[bucketName]
	if !exists {
		return nil, fmt.Errorf("no repository found for bucket: %s", bucketName)
	}
	return repo, nil
}

// Place selects a bucket using round-robin strategy
func (p *RoundRobinBucketPlacer) Place(pieceIndex int) (string, objectstore.ObjectRepository, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.bucketNames) == 0 {
		return "", nil, fmt.Errorf("no buckets registered")
	}

	bucketName := p.bucketNames[pieceIndex%len(p.bucketNames)]
	return bucketName, p.repositories[bucketName], nil
}

// ListBuckets returns all registered bucket names
func (p *RoundRobinBucketPlacer) ListBuckets() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	buckets := make([]string, len(p.bucketNames))
	copy(buckets, p.bucketNames)
	return buckets
}
