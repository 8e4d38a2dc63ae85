package agents

import (
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/probelab/scenarist/api/schemas"
)

// Transition is one learning sample for the exploration policy.
type Transition struct {
	Features     []float64
	Action       schemas.Action
	Reward       float64
	NextFeatures []float64
	Terminal     bool
}

// ExplorerConfig tunes the exploration policy's learning dynamics. The
// exploration rate itself is deliberately absent: its schedule is owned by
// the training loop and passed into every SelectAction call.
type ExplorerConfig struct {
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	Discount     float64 `mapstructure:"discount" yaml:"discount"`
}

// DefaultExplorerConfig returns the tested defaults.
func DefaultExplorerConfig() ExplorerConfig {
	return ExplorerConfig{LearningRate: 0.05, Discount: 0.9}
}

// Explorer chooses the next UI action given an encoded state. It learns a
// linear action-value function: one weight vector per action kind over the
// state features. Parameter reads during rollout take the read lock only, so
// parallel sessions can select actions concurrently; updates are serialized
// by the training loop's single-writer discipline.
type Explorer struct {
	mu      sync.RWMutex
	params  *Parameters
	cfg     ExplorerConfig
	featDim int
	log     *zap.Logger
}

// NewExplorer builds an exploration agent for feature vectors of featDim.
func NewExplorer(featDim int, cfg ExplorerConfig, logger *zap.Logger) *Explorer {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultExplorerConfig().LearningRate
	}
	if cfg.Discount <= 0 || cfg.Discount >= 1 {
		cfg.Discount = DefaultExplorerConfig().Discount
	}
	return &Explorer{
		params:  newParameters(),
		cfg:     cfg,
		featDim: featDim,
		log:     logger.Named("explorer"),
	}
}

func kindKey(k schemas.ActionKind) string { return "q:" + string(k) }

// SelectAction applies the epsilon-greedy policy: with probability
// explorationRate a uniform choice among legal actions, otherwise the action
// with the highest learned value. Ties go to the action earliest in legal
// order, keeping selection deterministic and reproducible for a fixed rng.
func (e *Explorer) SelectAction(features []float64, legal []schemas.Action, explorationRate float64, rng *rand.Rand) (schemas.Action, error) {
	if len(legal) == 0 {
		return schemas.Action{}, ErrNoLegalActions
	}
	if explorationRate > 0 && rng.Float64() < explorationRate {
		return legal[rng.Intn(len(legal))], nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	best := 0
	bestVal := e.value(e.params, features, legal[0])
	for i := 1; i < len(legal); i++ {
		// Strict greater-than keeps the earliest action on ties.
		if v := e.value(e.params, features, legal[i]); v > bestVal {
			best, bestVal = i, v
		}
	}
	return legal[best], nil
}

// value is the learned preference of taking action a in the encoded state.
func (e *Explorer) value(p *Parameters, features []float64, a schemas.Action) float64 {
	w, ok := p.Weights[kindKey(a.Kind)]
	if !ok {
		return 0
	}
	return dot(w, features)
}

// maxValue is the greedy value of the successor state over all action kinds.
func (e *Explorer) maxValue(p *Parameters, features []float64) float64 {
	var best float64
	first := true
	for _, kind := range schemas.ActionKinds {
		w, ok := p.Weights[kindKey(kind)]
		if !ok {
			continue
		}
		v := dot(w, features)
		if first || v > best {
			best, first = v, false
		}
	}
	return best
}

// Update applies one Q-learning step per transition. The whole batch is
// prepared against a cloned parameter set and swapped in only if every
// resulting weight is finite; a rejected batch leaves the previous
// parameters untouched. An empty batch is a no-op.
func (e *Explorer) Update(batch []Transition) error {
	if len(batch) == 0 {
		return nil
	}
	for i, tr := range batch {
		if len(tr.Features) != e.featDim {
			return fmt.Errorf("transition %d has feature dim %d, want %d: %w",
				i, len(tr.Features), e.featDim, ErrPolicyUpdate)
		}
		if !tr.Terminal && len(tr.NextFeatures) != e.featDim {
			return fmt.Errorf("transition %d has next-feature dim %d, want %d: %w",
				i, len(tr.NextFeatures), e.featDim, ErrPolicyUpdate)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.params.clone()
	for _, tr := range batch {
		w := next.vector(kindKey(tr.Action.Kind), e.featDim)
		target := tr.Reward
		if !tr.Terminal {
			target += e.cfg.Discount * e.maxValue(next, tr.NextFeatures)
		}
		delta := target - dot(w, tr.Features)
		for j := range w {
			w[j] += e.cfg.LearningRate * delta * tr.Features[j]
		}
	}

	if !next.finite() {
		e.log.Warn("Dropping update batch that produced non-finite weights",
			zap.Int("batch_size", len(batch)))
		return fmt.Errorf("non-finite weights after batch of %d: %w", len(batch), ErrPolicyUpdate)
	}
	e.params = next
	return nil
}

// Export serializes the agent's parameters to an opaque blob.
func (e *Explorer) Export() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params.export()
}

// Import replaces the agent's parameters from a blob produced by Export.
func (e *Explorer) Import(blob []byte) error {
	p, err := importParameters(blob)
	if err != nil {
		return fmt.Errorf("import explorer parameters: %w", err)
	}
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	return nil
}
