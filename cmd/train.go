package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/probelab/scenarist/api/schemas"
	"github.com/probelab/scenarist/internal/agents"
	"github.com/probelab/scenarist/internal/checkpoint"
	"github.com/probelab/scenarist/internal/config"
	"github.com/probelab/scenarist/internal/emit"
	"github.com/probelab/scenarist/internal/encoder"
	"github.com/probelab/scenarist/internal/env"
	"github.com/probelab/scenarist/internal/observability"
	"github.com/probelab/scenarist/internal/replay"
	"github.com/probelab/scenarist/internal/reward"
	"github.com/probelab/scenarist/internal/trainer"
)

// newTrainCommand wires the full training stack from configuration and runs
// it until completion, plateau, or interrupt.
func newTrainCommand(v *viper.Viper) *cobra.Command {
	var (
		episodes int
		resume   bool
	)

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run the scenario-learning training loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			if episodes > 0 {
				cfg.Training.Episodes = episodes
			}
			return runTraining(cmd.Context(), cfg, resume)
		},
	}

	trainCmd.Flags().IntVar(&episodes, "episodes", 0, "override the configured episode budget")
	trainCmd.Flags().BoolVar(&resume, "resume", false, "restore agent parameters from the latest checkpoint")
	return trainCmd
}

func runTraining(ctx context.Context, cfg *config.Config, resume bool) error {
	log := observability.GetLogger()

	enc := encoder.New(encoder.Config{
		HashBuckets:   cfg.Encoder.HashBuckets,
		TypeTextValue: cfg.Encoder.TypeTextValue,
		WaitMs:        cfg.Encoder.WaitMs,
		MaxElements:   cfg.Encoder.MaxElements,
	})

	explorer := agents.NewExplorer(enc.FeatureDim(), agents.ExplorerConfig{
		LearningRate: cfg.Exploration.LearningRate,
		Discount:     cfg.Exploration.Discount,
	}, log)
	generator := agents.NewGenerator(agents.GeneratorConfig{
		LearningRate:         cfg.Generation.LearningRate,
		AssertionThreshold:   cfg.Generation.AssertionThreshold,
		MaxAssertionsPerStep: cfg.Generation.MaxAssertionsPerStep,
	}, log)

	scorer := reward.NewScorer(cfg.Reward.Weights, enc)
	coverage := reward.NewCoverageModel(cfg.Reward.KnownActionSpace)

	store, err := replay.New(cfg.Replay.Capacity)
	if err != nil {
		return err
	}

	emitter, err := emit.NewFileEmitter(cfg.Training.OutputDir, log)
	if err != nil {
		return err
	}
	checkpoints, err := checkpoint.NewManager(cfg.Training.CheckpointDir, log)
	if err != nil {
		return err
	}

	t, err := trainer.New(trainer.Config{
		Episodes:        cfg.Training.Episodes,
		StepBudget:      cfg.Training.StepBudget,
		Sessions:        cfg.Training.Sessions,
		BatchSize:       cfg.Training.BatchSize,
		UpdateEvery:     cfg.Training.UpdateEvery,
		CheckpointEvery: cfg.Training.CheckpointEvery,
		RolloutTimeout:  cfg.Training.RolloutTimeout,
		EmitThreshold:   cfg.Training.EmitThreshold,
		Seed:            cfg.Training.Seed,
		Epsilon: trainer.EpsilonSchedule{
			Start: cfg.Exploration.EpsilonStart,
			Min:   cfg.Exploration.EpsilonMin,
			Decay: cfg.Exploration.EpsilonDecay,
		},
	}, trainer.Deps{
		NewEnvironment: environmentFactory(cfg, log),
		Encoder:        enc,
		Explorer:       explorer,
		Generator:      generator,
		Scorer:         scorer,
		Coverage:       coverage,
		Store:          store,
		Emitter:        emitter,
		Checkpoints:    checkpoints,
		Plateau: trainer.NewPlateauDetector(
			cfg.Training.PlateauWindow,
			cfg.Training.PlateauThreshold,
			cfg.Training.PlateauPatience,
		),
		Logger: log,
	})
	if err != nil {
		return err
	}

	if resume {
		if err := t.Restore(); err != nil {
			return err
		}
	}

	summary, err := t.Run(ctx)
	if err != nil {
		return err
	}

	log.Info("Training summary",
		zap.Int("episodes_run", summary.EpisodesRun),
		zap.Int("fragments_emitted", summary.FragmentsEmitted),
		zap.Int("reset_failures", summary.ResetFailures),
		zap.Int("discarded_rewards", summary.DiscardedRewards),
		zap.Float64("best_reward", summary.BestReward),
		zap.Float64("coverage_ratio", summary.CoverageRatio),
		zap.Bool("plateaued", summary.Plateaued))
	return nil
}

// environmentFactory returns a per-session environment constructor for the
// configured adapter kind.
func environmentFactory(cfg *config.Config, log *zap.Logger) func(ctx context.Context) (schemas.Environment, error) {
	switch cfg.Environment.Kind {
	case config.EnvBrowser:
		return func(ctx context.Context) (schemas.Environment, error) {
			return env.NewBrowser(cfg.Environment.Browser, log)
		}
	default:
		return func(ctx context.Context) (schemas.Environment, error) {
			return env.NewDemoSim(), nil
		}
	}
}
