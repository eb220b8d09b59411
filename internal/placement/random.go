package placement

import (
	"math/rand"
	"sync"
	"time"
)

// RandomPlacer samples shards without replacement.
type RandomPlacer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPlacer creates a RandomPlacer. A nil rng is seeded from the clock.
func NewRandomPlacer(rng *rand.Rand) *RandomPlacer {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RandomPlacer{rng: rng}
}

// Assign picks n distinct shards uniformly at random.
func (p *RandomPlacer) Assign(n, shards int) ([]int, error) {
	if err := checkAssign(n, shards); err != nil {
		return nil, err
	}
	p.mu.Lock()
	perm := p.rng.Perm(shards)
	p.mu.Unlock()
	return perm[:n], nil
}
