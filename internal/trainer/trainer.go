// Package trainer runs the episode loop that ties the environment, the two
// agents, the reward system, and the replay store together. Rollouts may run
// in parallel sessions; everything that mutates shared learning state
// (coverage, replay, policies, plateau detection) happens under a single
// commit lock, in episode order of arrival.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/probelab/scenarist/api/schemas"
	"github.com/probelab/scenarist/internal/agents"
	"github.com/probelab/scenarist/internal/checkpoint"
	"github.com/probelab/scenarist/internal/encoder"
	"github.com/probelab/scenarist/internal/replay"
	"github.com/probelab/scenarist/internal/reward"
)

// Config drives one training run.
type Config struct {
	Episodes        int
	StepBudget      int
	Sessions        int
	BatchSize       int
	UpdateEvery     int
	CheckpointEvery int
	RolloutTimeout  time.Duration
	EmitThreshold   float64
	Seed            int64
	Epsilon         EpsilonSchedule
}

// Deps are the collaborators a Trainer needs. NewEnvironment is called once
// per session so parallel rollouts never share a browser.
type Deps struct {
	NewEnvironment func(ctx context.Context) (schemas.Environment, error)
	Encoder        *encoder.Encoder
	Explorer       *agents.Explorer
	Generator      *agents.Generator
	Scorer         *reward.Scorer
	Coverage       *reward.CoverageModel
	Store          *replay.Store
	Emitter        schemas.Emitter
	Checkpoints    *checkpoint.Manager
	Plateau        *PlateauDetector
	Logger         *zap.Logger
}

// Summary reports what a run accomplished.
type Summary struct {
	EpisodesRun      int
	ResetFailures    int
	TruncatedSteps   int
	DiscardedRewards int
	FragmentsEmitted int
	BestReward       float64
	CoverageRatio    float64
	Plateaued        bool
}

// Trainer owns one training run.
type Trainer struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	// commitMu serializes the SCORE, STORE, and UPDATE phases plus all the
	// counters below. Rollouts proceed outside it.
	commitMu  sync.Mutex
	episode   int
	committed bool
	summary   Summary
}

// New validates cfg and builds a trainer.
func New(cfg Config, deps Deps) (*Trainer, error) {
	if cfg.Episodes <= 0 {
		return nil, fmt.Errorf("episodes must be positive, got %d", cfg.Episodes)
	}
	if cfg.StepBudget < 0 {
		return nil, fmt.Errorf("step budget must be non-negative, got %d", cfg.StepBudget)
	}
	if cfg.Sessions <= 0 {
		cfg.Sessions = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.UpdateEvery <= 0 {
		cfg.UpdateEvery = 1
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 10
	}
	if cfg.RolloutTimeout <= 0 {
		cfg.RolloutTimeout = 2 * time.Minute
	}
	if deps.NewEnvironment == nil || deps.Encoder == nil || deps.Explorer == nil ||
		deps.Generator == nil || deps.Scorer == nil || deps.Coverage == nil || deps.Store == nil {
		return nil, fmt.Errorf("trainer is missing a required dependency")
	}
	if deps.Plateau == nil {
		deps.Plateau = NewPlateauDetector(10, 0.01, 3)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Trainer{cfg: cfg, deps: deps, log: deps.Logger.Named("trainer")}, nil
}

// Run executes the training loop until the episode budget is spent, progress
// plateaus, or ctx is cancelled. Episode-local failures (reset errors,
// truncated rollouts, degenerate rewards) are absorbed; only adapter setup
// and context errors abort the run.
func (t *Trainer) Run(ctx context.Context) (Summary, error) {
	runID := uuid.New().String()[:8]
	log := t.log.With(zap.String("run_id", runID))
	log.Info("Training run starting",
		zap.Int("episodes", t.cfg.Episodes),
		zap.Int("sessions", t.cfg.Sessions),
		zap.Int("step_budget", t.cfg.StepBudget))

	g, gctx := errgroup.WithContext(ctx)
	for s := 0; s < t.cfg.Sessions; s++ {
		session := s
		g.Go(func() error {
			return t.runSession(gctx, session, log.With(zap.Int("session", session)))
		})
	}
	err := g.Wait()

	t.commitMu.Lock()
	summary := t.summary
	summary.EpisodesRun = t.episode
	summary.CoverageRatio = t.deps.Coverage.Ratio()
	summary.Plateaued = t.deps.Plateau.Plateaued()
	t.commitMu.Unlock()

	log.Info("Training run finished",
		zap.Int("episodes_run", summary.EpisodesRun),
		zap.Int("reset_failures", summary.ResetFailures),
		zap.Int("fragments_emitted", summary.FragmentsEmitted),
		zap.Float64("best_reward", summary.BestReward),
		zap.Float64("coverage_ratio", summary.CoverageRatio),
		zap.Bool("plateaued", summary.Plateaued))
	return summary, err
}

// runSession drives one rollout stream over its own environment instance.
func (t *Trainer) runSession(ctx context.Context, session int, log *zap.Logger) error {
	env, err := t.deps.NewEnvironment(ctx)
	if err != nil {
		return fmt.Errorf("session %d: %w: %v", session, ErrEnvironmentFailure, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := env.Close(closeCtx); cerr != nil {
			log.Warn("Environment close failed", zap.Error(cerr))
		}
	}()

	rng := rand.New(rand.NewSource(t.cfg.Seed + int64(session)*7919))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		episode, ok := t.claimEpisode()
		if !ok {
			return nil
		}
		epsilon := t.cfg.Epsilon.Rate(episode)

		traj, err := t.rollout(ctx, env, episode, epsilon, rng)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Reset failed; the episode counter has already advanced, so a
			// persistently broken environment cannot stall the run forever.
			log.Warn("Episode skipped after reset failure",
				zap.Int("episode", episode), zap.Error(err))
			t.commitMu.Lock()
			t.summary.ResetFailures++
			t.commitMu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			// The run was cancelled mid-rollout. The interrupted episode is
			// discarded whole; coverage and the replay store stay at the last
			// fully committed episode.
			return ctx.Err()
		}

		frag := t.deps.Generator.Generate(traj)
		t.commit(ctx, episode, traj, frag, log)
	}
}

// claimEpisode hands out the next episode index, or false when the budget is
// spent or progress has plateaued.
func (t *Trainer) claimEpisode() (int, bool) {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()
	if t.episode >= t.cfg.Episodes || t.deps.Plateau.Plateaued() {
		return 0, false
	}
	episode := t.episode
	t.episode++
	return episode, true
}

// rollout runs one episode against env under the step budget. A zero budget
// yields an empty terminal trajectory. Step failures truncate the episode
// rather than failing it; only a reset failure is reported as an error.
func (t *Trainer) rollout(ctx context.Context, env schemas.Environment, episode int, epsilon float64, rng *rand.Rand) (schemas.Trajectory, error) {
	rolloutCtx, cancel := context.WithTimeout(ctx, t.cfg.RolloutTimeout)
	defer cancel()

	state, err := env.Reset(rolloutCtx)
	if err != nil {
		return schemas.Trajectory{}, fmt.Errorf("%w: reset: %v", ErrEnvironmentFailure, err)
	}

	traj := schemas.Trajectory{
		EpisodeID: uuid.New().String(),
		Terminal:  true,
	}

	for step := 0; step < t.cfg.StepBudget; step++ {
		legal := t.deps.Encoder.LegalActions(state)
		if len(legal) == 0 {
			// Terminal by definition.
			break
		}

		action, err := t.deps.Explorer.SelectAction(t.deps.Encoder.Encode(state), legal, epsilon, rng)
		if err != nil {
			// Unreachable with a non-empty legal set; truncate defensively.
			t.noteTruncation()
			break
		}

		if action.Kind == schemas.ActionEndEpisode {
			// Resolved locally: the episode ends in place, no adapter call.
			after := state
			after.Terminal = true
			traj.Steps = append(traj.Steps, schemas.Step{Before: state, Action: action, After: after})
			return traj, nil
		}

		next, done, err := env.Step(rolloutCtx, action)
		if err != nil {
			if rolloutCtx.Err() != nil {
				break
			}
			t.log.Debug("Step failed, truncating episode",
				zap.Int("episode", episode),
				zap.String("action", action.String()),
				zap.Error(err))
			t.noteTruncation()
			break
		}

		traj.Steps = append(traj.Steps, schemas.Step{Before: state, Action: action, After: next})
		state = next
		if done {
			return traj, nil
		}
	}

	// Budget exhausted or truncated without an explicit terminal observation.
	traj.Terminal = false
	if len(traj.Steps) == 0 {
		traj.Terminal = true
	}
	return traj, nil
}

func (t *Trainer) noteTruncation() {
	t.commitMu.Lock()
	t.summary.TruncatedSteps++
	t.commitMu.Unlock()
}

// commit runs the SCORE, STORE, and UPDATE phases for one episode under the
// single-writer lock.
func (t *Trainer) commit(ctx context.Context, episode int, traj schemas.Trajectory, frag schemas.ScenarioFragment, log *zap.Logger) {
	t.commitMu.Lock()
	defer t.commitMu.Unlock()

	breakdown, err := t.deps.Scorer.Score(traj, frag, t.deps.Coverage, t.deps.Store)
	if err != nil {
		if errors.Is(err, reward.ErrDegenerateReward) {
			log.Warn("Discarding episode with degenerate reward",
				zap.Int("episode", episode), zap.Error(err))
			t.summary.DiscardedRewards++
			return
		}
		log.Error("Scoring failed", zap.Int("episode", episode), zap.Error(err))
		t.summary.DiscardedRewards++
		return
	}

	t.deps.Coverage.Commit(traj)
	t.deps.Store.Insert(schemas.ReplayEntry{
		Trajectory:   traj,
		Fragment:     frag,
		Reward:       breakdown,
		EpisodeIndex: episode,
	}, t.deps.Encoder.FeatureSequence(traj))
	// The stopping signal is coverage growth, not reward.
	t.deps.Plateau.Observe(t.deps.Coverage.Ratio())

	// Parallel sessions commit out of episode order, so "first commit" is
	// tracked explicitly rather than inferred from the episode index.
	newBest := !t.committed || breakdown.TotalReward > t.summary.BestReward
	t.committed = true
	if newBest {
		t.summary.BestReward = breakdown.TotalReward
	}

	log.Debug("Episode committed",
		zap.Int("episode", episode),
		zap.Int("steps", traj.Len()),
		zap.Float64("total_reward", breakdown.TotalReward),
		zap.Float64("coverage_delta", breakdown.CoverageDelta),
		zap.Float64("novelty", breakdown.NoveltyScore),
		zap.Float64("fault", breakdown.FaultSignal))

	if (episode+1)%t.cfg.UpdateEvery == 0 {
		t.updatePolicies(episode, log)
	}

	if t.deps.Emitter != nil && !frag.Empty && breakdown.TotalReward >= t.cfg.EmitThreshold {
		if err := t.deps.Emitter.Emit(ctx, frag); err != nil {
			log.Warn("Fragment emission failed",
				zap.Int("episode", episode),
				zap.String("title", frag.Title),
				zap.Error(err))
		} else {
			t.summary.FragmentsEmitted++
		}
	}

	if t.deps.Checkpoints != nil && (newBest || (episode+1)%t.cfg.CheckpointEvery == 0) {
		t.saveCheckpoint(episode, log)
	}
}

// updatePolicies samples a replay batch and applies one update to each agent.
// A rejected update (non-finite result) is logged and dropped; the run
// continues on the previous parameters.
func (t *Trainer) updatePolicies(episode int, log *zap.Logger) {
	// Sampling uses its own deterministic source so rollout randomness and
	// learning randomness do not interleave across session schedules.
	rng := rand.New(rand.NewSource(t.cfg.Seed ^ int64(episode+1)))
	entries := t.deps.Store.Sample(t.cfg.BatchSize, rng)
	if len(entries) == 0 {
		return
	}

	var transitions []agents.Transition
	feedback := make([]agents.Feedback, 0, len(entries))
	for _, entry := range entries {
		perStep := t.deps.Scorer.Decompose(entry.Trajectory, entry.Reward)
		steps := entry.Trajectory.Steps
		for i, st := range steps {
			transitions = append(transitions, agents.Transition{
				Features:     t.deps.Encoder.Encode(st.Before),
				Action:       st.Action,
				Reward:       perStep[i],
				NextFeatures: t.deps.Encoder.Encode(st.After),
				Terminal:     i == len(steps)-1 && entry.Trajectory.Terminal,
			})
		}
		feedback = append(feedback, agents.Feedback{
			Trajectory: entry.Trajectory,
			Reward:     entry.Reward,
		})
	}

	if err := t.deps.Explorer.Update(transitions); err != nil {
		log.Warn("Explorer update rejected", zap.Int("episode", episode), zap.Error(err))
	}
	if err := t.deps.Generator.Update(feedback); err != nil {
		log.Warn("Generator update rejected", zap.Int("episode", episode), zap.Error(err))
	}
}

const checkpointName = "latest"

// saveCheckpoint exports both policies into a single named checkpoint.
func (t *Trainer) saveCheckpoint(episode int, log *zap.Logger) {
	explorerBlob, err := t.deps.Explorer.Export()
	if err != nil {
		log.Warn("Explorer export failed", zap.Error(err))
		return
	}
	generatorBlob, err := t.deps.Generator.Export()
	if err != nil {
		log.Warn("Generator export failed", zap.Error(err))
		return
	}
	blobs := map[string][]byte{
		"explorer":  explorerBlob,
		"generator": generatorBlob,
		"episode":   []byte(fmt.Sprintf("%d", episode+1)),
	}
	if err := t.deps.Checkpoints.Save(checkpointName, blobs); err != nil {
		log.Warn("Checkpoint save failed", zap.Int("episode", episode), zap.Error(err))
	}
}

// Restore loads the latest checkpoint into both policies, if one exists.
func (t *Trainer) Restore() error {
	if t.deps.Checkpoints == nil || !t.deps.Checkpoints.Exists(checkpointName) {
		return nil
	}
	blobs, err := t.deps.Checkpoints.Load(checkpointName)
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}
	if blob, ok := blobs["explorer"]; ok {
		if err := t.deps.Explorer.Import(blob); err != nil {
			return err
		}
	}
	if blob, ok := blobs["generator"]; ok {
		if err := t.deps.Generator.Import(blob); err != nil {
			return err
		}
	}
	t.log.Info("Restored policies from checkpoint")
	return nil
}
