package trainer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/probelab/scenarist/api/schemas"
	"github.com/probelab/scenarist/internal/agents"
	"github.com/probelab/scenarist/internal/encoder"
	"github.com/probelab/scenarist/internal/env"
	"github.com/probelab/scenarist/internal/replay"
	"github.com/probelab/scenarist/internal/reward"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memoryEmitter collects fragments in memory.
type memoryEmitter struct {
	mu    sync.Mutex
	frags []schemas.ScenarioFragment
}

func (m *memoryEmitter) Emit(ctx context.Context, frag schemas.ScenarioFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frags = append(m.frags, frag)
	return nil
}

func (m *memoryEmitter) fragments() []schemas.ScenarioFragment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.ScenarioFragment, len(m.frags))
	copy(out, m.frags)
	return out
}

type stack struct {
	trainer *Trainer
	emitter *memoryEmitter
	store   *replay.Store
}

func newTestStack(t *testing.T, cfg Config, newEnv func(ctx context.Context) (schemas.Environment, error)) stack {
	t.Helper()
	log := zaptest.NewLogger(t)

	enc := encoder.New(encoder.Config{})
	store, err := replay.New(64)
	require.NoError(t, err)

	emitter := &memoryEmitter{}
	tr, err := New(cfg, Deps{
		NewEnvironment: newEnv,
		Encoder:        enc,
		Explorer:       agents.NewExplorer(enc.FeatureDim(), agents.DefaultExplorerConfig(), log),
		Generator:      agents.NewGenerator(agents.DefaultGeneratorConfig(), log),
		Scorer:         reward.NewScorer(reward.DefaultWeights(), enc),
		Coverage:       reward.NewCoverageModel(100),
		Store:          store,
		Emitter:        emitter,
		Plateau:        NewPlateauDetector(50, 0.01, 50),
		Logger:         log,
	})
	require.NoError(t, err)
	return stack{trainer: tr, emitter: emitter, store: store}
}

func demoEnv(ctx context.Context) (schemas.Environment, error) {
	return env.NewDemoSim(), nil
}

// cancellingEnv cancels the run context on its Nth step, simulating an
// interrupt arriving mid-rollout.
type cancellingEnv struct {
	*env.Sim
	cancel   context.CancelFunc
	cancelAt int
	steps    int
}

func (c *cancellingEnv) Step(ctx context.Context, action schemas.Action) (schemas.State, bool, error) {
	c.steps++
	if c.steps == c.cancelAt {
		c.cancel()
	}
	return c.Sim.Step(ctx, action)
}

// slowEnv delays every step so a short rollout timeout expires mid-episode.
type slowEnv struct {
	*env.Sim
	delay time.Duration
}

func (s *slowEnv) Step(ctx context.Context, action schemas.Action) (schemas.State, bool, error) {
	time.Sleep(s.delay)
	return s.Sim.Step(ctx, action)
}

func baseConfig() Config {
	return Config{
		Episodes:       6,
		StepBudget:     5,
		Sessions:       1,
		BatchSize:      8,
		UpdateEvery:    2,
		RolloutTimeout: 10 * time.Second,
		EmitThreshold:  0.0,
		Seed:           1,
		Epsilon:        EpsilonSchedule{Start: 0.5, Min: 0.05, Decay: 0.9},
	}
}

func TestRun(t *testing.T) {
	t.Run("should produce runnable fragments from the demo application", func(t *testing.T) {
		s := newTestStack(t, baseConfig(), demoEnv)
		summary, err := s.trainer.Run(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 6, summary.EpisodesRun)
		assert.Greater(t, summary.CoverageRatio, 0.0)

		frags := s.emitter.fragments()
		require.NotEmpty(t, frags)
		for _, frag := range frags {
			assert.False(t, frag.Empty)
			assert.NotEmpty(t, frag.Actions)
			assert.NotEmpty(t, frag.Assertions, "fragment %q has no assertions", frag.Title)
		}
	})

	t.Run("should emit fragments that replay cleanly against a fresh environment", func(t *testing.T) {
		s := newTestStack(t, baseConfig(), demoEnv)
		_, err := s.trainer.Run(context.Background())
		require.NoError(t, err)

		frags := s.emitter.fragments()
		require.NotEmpty(t, frags)

		for _, frag := range frags {
			sim := env.NewDemoSim()
			state, err := sim.Reset(context.Background())
			require.NoError(t, err)

			// Replay the recorded actions and capture the state after each.
			states := make([]schemas.State, len(frag.Actions))
			for i, action := range frag.Actions {
				state, _, err = sim.Step(context.Background(), action)
				require.NoError(t, err, "fragment %q action %d failed on replay", frag.Title, i)
				states[i] = state
			}

			// Every assertion must resolve against its own step's state.
			for _, a := range frag.Assertions {
				require.Less(t, a.StepIndex, len(states))
				target := states[a.StepIndex]
				switch a.Kind {
				case schemas.AssertStatus:
					assert.Equal(t, a.Expected, string(target.LastResult))
				default:
					el, err := target.Element(a.ElementRef)
					require.NoError(t, err, "fragment %q assertion targets a stale element", frag.Title)
					if a.Kind == schemas.AssertTextEquals {
						assert.Equal(t, a.Expected, el.Label)
					}
				}
			}
		}
	})

	t.Run("should reward fault-revealing trajectories above the rest", func(t *testing.T) {
		newEnv := func(ctx context.Context) (schemas.Environment, error) {
			return env.NewSim(env.SimConfig{
				Start: "/crash",
				Pages: []env.SimPage{{
					ID:        "/crash",
					Anomalous: true,
					Elements: []schemas.UIElement{
						{Role: schemas.RoleButton, Label: "boom", Enabled: true},
					},
				}},
			})
		}
		s := newTestStack(t, baseConfig(), newEnv)
		summary, err := s.trainer.Run(context.Background())
		require.NoError(t, err)
		// Every rollout observes the anomaly and the fault weight dominates.
		assert.GreaterOrEqual(t, summary.BestReward, reward.DefaultWeights().Fault)
	})

	t.Run("should produce identical results for identical seeds", func(t *testing.T) {
		run := func() (Summary, []schemas.ScenarioFragment) {
			s := newTestStack(t, baseConfig(), demoEnv)
			summary, err := s.trainer.Run(context.Background())
			require.NoError(t, err)
			return summary, s.emitter.fragments()
		}
		s1, f1 := run()
		s2, f2 := run()
		assert.Equal(t, s1.BestReward, s2.BestReward)
		assert.Equal(t, s1.CoverageRatio, s2.CoverageRatio)
		require.Equal(t, len(f1), len(f2))
		for i := range f1 {
			assert.Equal(t, f1[i].Title, f2[i].Title)
		}
	})

	t.Run("should skip episodes whose reset fails and keep going", func(t *testing.T) {
		cfg := baseConfig()
		newEnv := func(ctx context.Context) (schemas.Environment, error) {
			return env.NewSim(env.SimConfig{
				Start: "/login",
				Pages: []env.SimPage{{
					ID: "/login",
					Elements: []schemas.UIElement{
						{Role: schemas.RoleButton, Label: "go", Enabled: true},
					},
				}},
				FailResets: 2,
			})
		}
		s := newTestStack(t, cfg, newEnv)
		summary, err := s.trainer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, summary.ResetFailures)
		assert.Equal(t, cfg.Episodes, summary.EpisodesRun)
	})

	t.Run("should truncate episodes on mid-rollout step failures", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Episodes = 2
		newEnv := func(ctx context.Context) (schemas.Environment, error) {
			return env.NewSim(env.SimConfig{
				Start: "/login",
				Pages: []env.SimPage{{
					ID: "/login",
					Elements: []schemas.UIElement{
						{Role: schemas.RoleButton, Label: "go", Enabled: true},
					},
				}},
				FailStepAt: 2,
			})
		}
		s := newTestStack(t, cfg, newEnv)
		summary, err := s.trainer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, summary.EpisodesRun)
		assert.GreaterOrEqual(t, summary.TruncatedSteps, 1)
	})

	t.Run("should handle a zero step budget with empty terminal episodes", func(t *testing.T) {
		cfg := baseConfig()
		cfg.StepBudget = 0
		cfg.Episodes = 3
		s := newTestStack(t, cfg, demoEnv)
		summary, err := s.trainer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, summary.EpisodesRun)
		assert.Empty(t, s.emitter.fragments(), "empty fragments must never be emitted")
	})

	t.Run("should discard the in-flight episode when the run is cancelled", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Episodes = 100
		// Greedy on zeroed weights picks the earliest legal action every step,
		// so the rollout never ends before the cancellation fires.
		cfg.Epsilon = EpsilonSchedule{Start: 0, Min: 0, Decay: 0.9}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		newEnv := func(context.Context) (schemas.Environment, error) {
			return &cancellingEnv{Sim: env.NewDemoSim(), cancel: cancel, cancelAt: 3}, nil
		}
		s := newTestStack(t, cfg, newEnv)

		summary, err := s.trainer.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, s.store.Len(), "interrupted episode must not reach the replay store")
		assert.Zero(t, summary.FragmentsEmitted)
		assert.Zero(t, summary.CoverageRatio, "interrupted episode must not move coverage")
	})

	t.Run("should commit episodes cut short by the rollout timeout", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Episodes = 1
		cfg.StepBudget = 1000
		cfg.RolloutTimeout = 60 * time.Millisecond
		cfg.Epsilon = EpsilonSchedule{Start: 0, Min: 0, Decay: 0.9}

		newEnv := func(context.Context) (schemas.Environment, error) {
			return &slowEnv{Sim: env.NewDemoSim(), delay: 10 * time.Millisecond}, nil
		}
		s := newTestStack(t, cfg, newEnv)

		summary, err := s.trainer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.EpisodesRun)
		assert.Equal(t, 1, s.store.Len(), "a timed-out rollout is a normal terminal condition")
	})

	t.Run("should stop on context cancellation", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Episodes = 10_000
		s := newTestStack(t, cfg, demoEnv)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		summary, err := s.trainer.Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, summary.EpisodesRun)
	})

	t.Run("should run parallel sessions without losing episodes", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Sessions = 3
		cfg.Episodes = 12
		s := newTestStack(t, cfg, demoEnv)
		summary, err := s.trainer.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 12, summary.EpisodesRun)
	})
}

func TestBestRewardOrdering(t *testing.T) {
	t.Run("should keep the best reward when commits arrive out of episode order", func(t *testing.T) {
		s := newTestStack(t, baseConfig(), demoEnv)
		tr := s.trainer
		log := zaptest.NewLogger(t)

		crash := schemas.State{
			Key:     "/crash",
			PageID:  "/crash",
			Anomaly: true,
			Elements: []schemas.UIElement{
				{Role: schemas.RoleButton, Label: "boom", Enabled: true},
			},
		}
		faulty := schemas.Trajectory{
			EpisodeID: "ep-high",
			Terminal:  true,
			Steps: []schemas.Step{
				{Before: crash, Action: schemas.Action{Kind: schemas.ActionClick, ElementRef: 0}, After: crash},
			},
		}
		calm := schemas.State{
			Key:    "/calm",
			PageID: "/calm",
			Elements: []schemas.UIElement{
				{Role: schemas.RoleLink, Label: "about", Enabled: true},
			},
		}
		quiet := schemas.Trajectory{
			EpisodeID: "ep-low",
			Terminal:  true,
			Steps: []schemas.Step{
				{Before: calm, Action: schemas.Action{Kind: schemas.ActionClick, ElementRef: 0}, After: calm},
			},
		}

		// A later, fault-revealing episode commits before episode 0 does.
		tr.commit(context.Background(), 5, faulty, tr.deps.Generator.Generate(faulty), log)
		best := tr.summary.BestReward
		require.GreaterOrEqual(t, best, reward.DefaultWeights().Fault)

		tr.commit(context.Background(), 0, quiet, tr.deps.Generator.Generate(quiet), log)
		assert.Equal(t, best, tr.summary.BestReward,
			"a late-arriving early episode must not overwrite the best reward")
	})
}

func TestNew(t *testing.T) {
	t.Run("should reject a missing dependency", func(t *testing.T) {
		_, err := New(baseConfig(), Deps{})
		assert.Error(t, err)
	})

	t.Run("should reject a non-positive episode budget", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Episodes = 0
		_, err := New(cfg, Deps{})
		assert.Error(t, err)
	})
}

func TestEpsilonSchedule(t *testing.T) {
	s := EpsilonSchedule{Start: 1.0, Min: 0.1, Decay: 0.5}

	t.Run("should start at the configured rate", func(t *testing.T) {
		assert.Equal(t, 1.0, s.Rate(0))
	})

	t.Run("should decay monotonically", func(t *testing.T) {
		prev := s.Rate(0)
		for ep := 1; ep < 20; ep++ {
			cur := s.Rate(ep)
			assert.LessOrEqual(t, cur, prev)
			prev = cur
		}
	})

	t.Run("should floor at the minimum", func(t *testing.T) {
		assert.Equal(t, 0.1, s.Rate(1000))
	})

	t.Run("should clamp negative episodes", func(t *testing.T) {
		assert.Equal(t, s.Rate(0), s.Rate(-5))
	})
}

func TestPlateauDetector(t *testing.T) {
	t.Run("should not trigger while rewards improve", func(t *testing.T) {
		d := NewPlateauDetector(3, 0.01, 2)
		for i := 0; i < 30; i++ {
			d.Observe(float64(i))
		}
		assert.False(t, d.Plateaued())
	})

	t.Run("should trigger after sustained stagnation", func(t *testing.T) {
		d := NewPlateauDetector(3, 0.01, 2)
		for i := 0; i < 30; i++ {
			d.Observe(1.0)
		}
		assert.True(t, d.Plateaued())
	})

	t.Run("should reset patience on improvement", func(t *testing.T) {
		d := NewPlateauDetector(3, 0.01, 3)
		for i := 0; i < 5; i++ {
			d.Observe(1.0)
		}
		d.Observe(10.0)
		assert.False(t, d.Plateaued())
	})
}
