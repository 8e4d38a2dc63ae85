// Package replay holds recent committed episodes for learning. The store is
// a bounded, reward-biased memory: eviction removes the lowest-reward entry
// first rather than the oldest, which is the right policy for an objective
// of coverage and fault discovery rather than recent-behavior mimicry.
package replay

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/probelab/scenarist/api/schemas"
	"github.com/probelab/scenarist/internal/encoder"
)

// weightShift keeps sampling weights strictly positive after shifting by the
// minimum reward in the store.
const weightShift = 1e-6

type record struct {
	entry schemas.ReplayEntry
	// features is the entry trajectory's encoded feature sequence, kept so
	// novelty lookups do not re-encode on every score.
	features [][]float64
}

// Store is a bounded container of replay entries supporting reward-weighted
// sampling. Safe for concurrent use; in practice the training loop's
// single-writer discipline serializes all inserts.
type Store struct {
	mu       sync.RWMutex
	capacity int
	records  []record
}

// New creates a store with a fixed capacity.
func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("replay capacity must be positive, got %d", capacity)
	}
	return &Store{capacity: capacity}, nil
}

// Capacity returns the configured bound.
func (s *Store) Capacity() int { return s.capacity }

// Len returns the current number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Insert adds an entry together with its encoded feature sequence. On
// overflow the entry with the lowest total reward is evicted first, ties
// broken by oldest episode index; the incoming entry itself competes, so a
// new entry worse than everything retained is dropped immediately.
func (s *Store) Insert(entry schemas.ReplayEntry, features [][]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, record{entry: entry, features: features})
	if len(s.records) <= s.capacity {
		return
	}

	evict := 0
	for i := 1; i < len(s.records); i++ {
		ri, re := s.records[i].entry, s.records[evict].entry
		if ri.Reward.TotalReward < re.Reward.TotalReward ||
			(ri.Reward.TotalReward == re.Reward.TotalReward && ri.EpisodeIndex < re.EpisodeIndex) {
			evict = i
		}
	}
	s.records = append(s.records[:evict], s.records[evict+1:]...)
}

// Sample draws up to n entries with probability proportional to their
// positive-shifted total reward, without replacement within the batch. If n
// meets or exceeds the store size, every entry is returned.
func (s *Store) Sample(n int, rng *rand.Rand) []schemas.ReplayEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.records) == 0 {
		return nil
	}
	if n >= len(s.records) {
		out := make([]schemas.ReplayEntry, len(s.records))
		for i, r := range s.records {
			out[i] = r.entry
		}
		return out
	}

	minReward := s.records[0].entry.Reward.TotalReward
	for _, r := range s.records[1:] {
		if r.entry.Reward.TotalReward < minReward {
			minReward = r.entry.Reward.TotalReward
		}
	}

	weights := make([]float64, len(s.records))
	for i, r := range s.records {
		weights[i] = r.entry.Reward.TotalReward - minReward + weightShift
	}

	out := make([]schemas.ReplayEntry, 0, n)
	picked := make([]bool, len(s.records))
	for len(out) < n {
		var total float64
		for i, w := range weights {
			if !picked[i] {
				total += w
			}
		}
		target := rng.Float64() * total
		for i, w := range weights {
			if picked[i] {
				continue
			}
			target -= w
			if target <= 0 {
				picked[i] = true
				out = append(out, s.records[i].entry)
				break
			}
		}
	}
	return out
}

// NearestDistance returns the distance from seq to the closest stored
// trajectory's feature sequence, and false when the store is empty. The
// metric is symmetric and zero for an exact match, which makes a replayed
// duplicate trajectory score zero novelty.
func (s *Store) NearestDistance(seq [][]float64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return 0, false
	}
	best := encoder.SequenceDistance(seq, s.records[0].features)
	for _, r := range s.records[1:] {
		if d := encoder.SequenceDistance(seq, r.features); d < best {
			best = d
		}
	}
	return best, true
}

// MinTotalReward reports the lowest reward currently retained, for tests and
// eviction diagnostics.
func (s *Store) MinTotalReward() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == 0 {
		return 0, false
	}
	minReward := s.records[0].entry.Reward.TotalReward
	for _, r := range s.records[1:] {
		if r.entry.Reward.TotalReward < minReward {
			minReward = r.entry.Reward.TotalReward
		}
	}
	return minReward, true
}
