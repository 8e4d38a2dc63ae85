package reward

import (
	"errors"
	"fmt"
	"math"

	"github.com/probelab/scenarist/api/schemas"
	"github.com/probelab/scenarist/internal/encoder"
)

// ErrDegenerateReward is returned when scoring yields a non-finite value.
// The episode's contribution is discarded by the training loop: not stored
// and not used for updates, but never fatal to the run.
var ErrDegenerateReward = errors.New("degenerate reward")

// NeighborIndex exposes the replay store's nearest-neighbor lookup over
// encoded trajectory feature sequences. A distance of (0, false) means the
// index holds no trajectories yet.
type NeighborIndex interface {
	NearestDistance(seq [][]float64) (float64, bool)
}

// Weights are the documented blend for TotalReward. They are configuration,
// not code: coverage must weigh at least as much as novelty, and the fault
// weight dominates both so fault-revealing trajectories are always
// preferentially retained.
type Weights struct {
	Coverage float64 `mapstructure:"coverage" yaml:"coverage"`
	Novelty  float64 `mapstructure:"novelty" yaml:"novelty"`
	Fault    float64 `mapstructure:"fault" yaml:"fault"`
}

// DefaultWeights returns the documented default blend.
func DefaultWeights() Weights {
	return Weights{Coverage: 1.0, Novelty: 0.5, Fault: 5.0}
}

// Validate enforces the ordering constraints on the blend.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"coverage": w.Coverage, "novelty": w.Novelty, "fault": w.Fault} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("reward weight %q must be finite and non-negative, got %v", name, v)
		}
	}
	if w.Coverage < w.Novelty {
		return fmt.Errorf("coverage weight (%v) must be >= novelty weight (%v)", w.Coverage, w.Novelty)
	}
	if w.Fault < w.Coverage || w.Fault < w.Novelty {
		return fmt.Errorf("fault weight (%v) must dominate coverage (%v) and novelty (%v)",
			w.Fault, w.Coverage, w.Novelty)
	}
	return nil
}

// firstEpisodeNovelty is the novelty assigned when the replay store holds no
// neighbor to compare against. The first trajectory is maximally novel.
const firstEpisodeNovelty = 1.0

// Scorer computes reward breakdowns. It holds no mutable state: identical
// (trajectory, fragment, coverage, index) inputs always produce identical
// breakdowns.
type Scorer struct {
	weights Weights
	enc     *encoder.Encoder
}

// NewScorer builds a scorer; weights must already be validated.
func NewScorer(weights Weights, enc *encoder.Encoder) *Scorer {
	return &Scorer{weights: weights, enc: enc}
}

// Weights returns the configured blend.
func (s *Scorer) Weights() Weights { return s.weights }

// Score computes the breakdown for one completed episode. Empty fragments
// contribute zero coverage; this is a valid outcome, never an error. A
// non-finite result is reported as ErrDegenerateReward.
func (s *Scorer) Score(t schemas.Trajectory, frag schemas.ScenarioFragment, cov *CoverageModel, idx NeighborIndex) (schemas.RewardBreakdown, error) {
	var coverageDelta float64
	if !frag.Empty {
		coverageDelta = cov.Normalize(cov.Peek(t))
	}

	novelty := firstEpisodeNovelty
	if idx != nil {
		if d, ok := idx.NearestDistance(s.enc.FeatureSequence(t)); ok {
			novelty = d
		}
	}

	var fault float64
	if t.HasAnomaly() {
		fault = 1.0
	}

	total := s.weights.Coverage*coverageDelta + s.weights.Novelty*novelty + s.weights.Fault*fault
	breakdown := schemas.RewardBreakdown{
		CoverageDelta: coverageDelta,
		NoveltyScore:  novelty,
		FaultSignal:   fault,
		TotalReward:   total,
	}

	for name, v := range map[string]float64{
		"coverage_delta": coverageDelta,
		"novelty_score":  novelty,
		"fault_signal":   fault,
		"total_reward":   total,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return schemas.RewardBreakdown{}, fmt.Errorf("%s is non-finite: %w", name, ErrDegenerateReward)
		}
	}
	return breakdown, nil
}

// Decompose distributes an episode's reward across its steps for credit
// assignment: coverage and novelty spread uniformly, the fault weight paid
// on the steps that actually surfaced an anomaly.
func (s *Scorer) Decompose(t schemas.Trajectory, breakdown schemas.RewardBreakdown) []float64 {
	n := len(t.Steps)
	if n == 0 {
		return nil
	}
	base := (s.weights.Coverage*breakdown.CoverageDelta + s.weights.Novelty*breakdown.NoveltyScore) / float64(n)

	out := make([]float64, n)
	anomalous := 0
	for i, st := range t.Steps {
		out[i] = base
		if st.After.Anomaly {
			anomalous++
		}
	}
	if breakdown.FaultSignal > 0 {
		if anomalous > 0 {
			share := s.weights.Fault * breakdown.FaultSignal / float64(anomalous)
			for i, st := range t.Steps {
				if st.After.Anomaly {
					out[i] += share
				}
			}
		} else {
			// Anomaly observed on the initial state only; credit the first step.
			out[0] += s.weights.Fault * breakdown.FaultSignal
		}
	}
	return out
}
