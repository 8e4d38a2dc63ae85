// Package reward scores completed episodes along coverage, novelty, and
// fault-signal dimensions. Scoring operates only on already-collected
// trajectory data: it never blocks and never touches the live environment.
package reward

import (
	"sync"

	"github.com/probelab/scenarist/api/schemas"
)

// CoverageModel tracks which (state, action) pairs training has exercised so
// far. Peek is read-only so the scorer stays a pure function; the training
// loop commits a trajectory's pairs separately, during its STORE phase.
type CoverageModel struct {
	mu sync.RWMutex
	// seen holds signatures of covered (state key, action) pairs.
	seen map[string]struct{}
	// knownSpace is the configured estimate of the total action space,
	// used to normalize deltas. Analogous to a coverage denominator; it is
	// configuration, not something the model learns.
	knownSpace int
}

// NewCoverageModel builds a model normalized against knownSpace pairs.
func NewCoverageModel(knownSpace int) *CoverageModel {
	if knownSpace <= 0 {
		knownSpace = 1
	}
	return &CoverageModel{seen: make(map[string]struct{}), knownSpace: knownSpace}
}

func pairKey(stateKey string, a schemas.Action, from schemas.State) string {
	return stateKey + "\x00" + a.Signature(from)
}

// Peek counts how many of t's (state, action) pairs are not yet covered,
// without mutating the model. Duplicate pairs within t count once.
func (m *CoverageModel) Peek(t schemas.Trajectory) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fresh := make(map[string]struct{})
	for _, st := range t.Steps {
		key := pairKey(st.Before.Key, st.Action, st.Before)
		if _, ok := m.seen[key]; !ok {
			fresh[key] = struct{}{}
		}
	}
	return len(fresh)
}

// Commit marks t's pairs as covered and returns how many were new.
func (m *CoverageModel) Commit(t schemas.Trajectory) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	added := 0
	for _, st := range t.Steps {
		key := pairKey(st.Before.Key, st.Action, st.Before)
		if _, ok := m.seen[key]; !ok {
			m.seen[key] = struct{}{}
			added++
		}
	}
	return added
}

// Covered returns the number of distinct pairs committed so far.
func (m *CoverageModel) Covered() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}

// Ratio returns committed coverage normalized by the known action space.
func (m *CoverageModel) Ratio() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return float64(len(m.seen)) / float64(m.knownSpace)
}

// Normalize converts a raw pair count into the model's normalized delta.
func (m *CoverageModel) Normalize(pairs int) float64 {
	return float64(pairs) / float64(m.knownSpace)
}
