package agents

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/probelab/scenarist/api/schemas"
)

// Feedback is one learning sample for the generation policy: a trajectory
// together with the reward its generated scenario earned.
type Feedback struct {
	Trajectory schemas.Trajectory
	Reward     schemas.RewardBreakdown
}

// GeneratorConfig tunes the generation policy.
type GeneratorConfig struct {
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	// AssertionThreshold is the preference score an (assertion kind, role)
	// pair must exceed for the agent to insert that assertion.
	AssertionThreshold float64 `mapstructure:"assertion_threshold" yaml:"assertion_threshold"`
	// MaxAssertionsPerStep caps assertions attached to a single step.
	MaxAssertionsPerStep int `mapstructure:"max_assertions_per_step" yaml:"max_assertions_per_step"`
}

// DefaultGeneratorConfig returns the tested defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{LearningRate: 0.02, AssertionThreshold: 0.0, MaxAssertionsPerStep: 2}
}

// Generator turns a completed trajectory into exactly one scenario fragment.
// Assertion insertion is driven by learned per-(kind, role) preferences;
// generation itself is fully deterministic for a given trajectory and
// parameter set, so identical trajectories produce identical fragments and
// duplicate episodes can be detected downstream by title.
type Generator struct {
	mu     sync.RWMutex
	params *Parameters
	cfg    GeneratorConfig
	log    *zap.Logger
}

// NewGenerator builds a generation agent.
func NewGenerator(cfg GeneratorConfig, logger *zap.Logger) *Generator {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = DefaultGeneratorConfig().LearningRate
	}
	if cfg.MaxAssertionsPerStep <= 0 {
		cfg.MaxAssertionsPerStep = DefaultGeneratorConfig().MaxAssertionsPerStep
	}
	return &Generator{
		params: newParameters(),
		cfg:    cfg,
		log:    logger.Named("generator"),
	}
}

func assertKey(kind schemas.AssertionKind, role schemas.ElementRole) string {
	if kind == schemas.AssertStatus {
		return "assert:" + string(kind)
	}
	return "assert:" + string(kind) + ":" + string(role)
}

// Generate produces the single scenario fragment for t. Reproduced actions
// are exactly the trajectory's actions minus the end-episode marker; every
// assertion targets an element of the state reached by its own step, never a
// later or earlier one. A non-trivial trajectory always carries at least one
// assertion; a trajectory with no meaningful actions yields a fragment
// flagged Empty instead.
func (g *Generator) Generate(t schemas.Trajectory) schemas.ScenarioFragment {
	g.mu.RLock()
	defer g.mu.RUnlock()

	actions := make([]schemas.Action, 0, len(t.Steps))
	for _, st := range t.Steps {
		if st.Action.Kind == schemas.ActionEndEpisode {
			continue
		}
		actions = append(actions, st.Action)
	}

	if len(actions) == 0 {
		return schemas.ScenarioFragment{Title: "empty_scenario", Empty: true}
	}

	frag := schemas.ScenarioFragment{
		Title:   deriveTitle(actions),
		Actions: actions,
	}

	for i := range actions {
		after := t.Steps[i].After
		frag.Assertions = append(frag.Assertions, g.assertionsFor(i, after)...)
	}

	// A non-trivial trajectory must never leave without an assertion. The
	// fallback anchors on the final observed state so the target is always
	// resolvable at replay time.
	if len(frag.Assertions) == 0 {
		final := t.Steps[len(actions)-1].After
		if len(final.Elements) > 0 {
			frag.Assertions = append(frag.Assertions, schemas.Assertion{
				StepIndex:  len(actions) - 1,
				ElementRef: 0,
				Kind:       schemas.AssertVisible,
				Expected:   final.Elements[0].Label,
			})
		} else {
			frag.Assertions = append(frag.Assertions, schemas.Assertion{
				StepIndex:  len(actions) - 1,
				ElementRef: schemas.NoElement,
				Kind:       schemas.AssertStatus,
				Expected:   string(final.LastResult),
			})
		}
	}

	return frag
}

// assertionsFor inserts zero or more assertions about the resulting state of
// step i, by descending learned preference, capped per step.
func (g *Generator) assertionsFor(i int, after schemas.State) []schemas.Assertion {
	var out []schemas.Assertion

	if g.params.scalar(assertKey(schemas.AssertStatus, "")) > g.cfg.AssertionThreshold {
		out = append(out, schemas.Assertion{
			StepIndex:  i,
			ElementRef: schemas.NoElement,
			Kind:       schemas.AssertStatus,
			Expected:   string(after.LastResult),
		})
	}

	for j, el := range after.Elements {
		if len(out) >= g.cfg.MaxAssertionsPerStep {
			break
		}
		if g.params.scalar(assertKey(schemas.AssertTextEquals, el.Role)) > g.cfg.AssertionThreshold && el.Label != "" {
			out = append(out, schemas.Assertion{
				StepIndex:  i,
				ElementRef: j,
				Kind:       schemas.AssertTextEquals,
				Expected:   el.Label,
			})
			continue
		}
		if g.params.scalar(assertKey(schemas.AssertVisible, el.Role)) > g.cfg.AssertionThreshold {
			out = append(out, schemas.Assertion{
				StepIndex:  i,
				ElementRef: j,
				Kind:       schemas.AssertVisible,
				Expected:   el.Label,
			})
		}
	}
	return out
}

// Update nudges assertion preferences toward the kinds and roles present in
// high-reward trajectories, using the batch mean as baseline. The prepared
// parameters replace the current ones only when fully finite; otherwise the
// batch is dropped whole. An empty batch is a no-op.
func (g *Generator) Update(batch []Feedback) error {
	if len(batch) == 0 {
		return nil
	}

	var mean float64
	for _, fb := range batch {
		mean += fb.Reward.TotalReward
	}
	mean /= float64(len(batch))

	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.params.clone()
	for _, fb := range batch {
		advantage := fb.Reward.TotalReward - mean
		if advantage == 0 {
			continue
		}
		step := g.cfg.LearningRate * advantage
		for _, key := range opportunityKeys(fb.Trajectory) {
			next.setScalar(key, next.scalar(key)+step)
		}
	}

	if !next.finite() {
		g.log.Warn("Dropping update batch that produced non-finite preferences",
			zap.Int("batch_size", len(batch)))
		return fmt.Errorf("non-finite preferences after batch of %d: %w", len(batch), ErrPolicyUpdate)
	}
	g.params = next
	return nil
}

// opportunityKeys lists the preference keys a trajectory's states make
// available, deduplicated, in deterministic order.
func opportunityKeys(t schemas.Trajectory) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for _, st := range t.Steps {
		add(assertKey(schemas.AssertStatus, ""))
		for _, el := range st.After.Elements {
			add(assertKey(schemas.AssertVisible, el.Role))
			if el.Label != "" {
				add(assertKey(schemas.AssertTextEquals, el.Role))
			}
		}
	}
	return keys
}

// Export serializes the agent's parameters to an opaque blob.
func (g *Generator) Export() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.params.export()
}

// Import replaces the agent's parameters from a blob produced by Export.
func (g *Generator) Import(blob []byte) error {
	p, err := importParameters(blob)
	if err != nil {
		return fmt.Errorf("import generator parameters: %w", err)
	}
	g.mu.Lock()
	g.params = p
	g.mu.Unlock()
	return nil
}

// deriveTitle names a fragment from the dominant action kind and a stable
// hash of the full action sequence, so bit-identical trajectories map to
// bit-identical titles.
func deriveTitle(actions []schemas.Action) string {
	counts := make(map[schemas.ActionKind]int)
	for _, a := range actions {
		counts[a.Kind]++
	}
	dominant := actions[0].Kind
	best := 0
	for _, kind := range schemas.ActionKinds {
		if c := counts[kind]; c > best {
			dominant, best = kind, c
		}
	}

	h := fnv.New64a()
	for _, a := range actions {
		fmt.Fprintf(h, "%s|%d|%s|%s;", a.Kind, a.ElementRef, a.Value, a.URL)
	}
	return fmt.Sprintf("%s_flow_%08x", strings.ReplaceAll(string(dominant), "_", ""), h.Sum64()&0xffffffff)
}
