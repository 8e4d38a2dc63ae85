// Package config loads and validates application configuration via viper.
// Defaults, config file, and SCENARIST_-prefixed environment variables layer
// in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/probelab/scenarist/internal/env"
	"github.com/probelab/scenarist/internal/reward"
)

// LoggerConfig controls the global structured logger.
type LoggerConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	AddSource bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`
	// Rotation settings, passed through to lumberjack.
	MaxSize    int  `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int  `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// Environment kinds.
const (
	EnvSim     = "sim"
	EnvBrowser = "browser"
)

// EnvironmentConfig selects and tunes the environment adapter.
type EnvironmentConfig struct {
	Kind    string            `mapstructure:"kind" yaml:"kind"`
	Browser env.BrowserConfig `mapstructure:"browser" yaml:"browser"`
}

// EncoderConfig tunes state featurization and action enumeration.
type EncoderConfig struct {
	HashBuckets   int    `mapstructure:"hash_buckets" yaml:"hash_buckets"`
	TypeTextValue string `mapstructure:"type_text_value" yaml:"type_text_value"`
	WaitMs        int    `mapstructure:"wait_ms" yaml:"wait_ms"`
	MaxElements   int    `mapstructure:"max_elements" yaml:"max_elements"`
}

// ExplorationConfig tunes the exploration agent and its epsilon schedule.
type ExplorationConfig struct {
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	Discount     float64 `mapstructure:"discount" yaml:"discount"`
	EpsilonStart float64 `mapstructure:"epsilon_start" yaml:"epsilon_start"`
	EpsilonMin   float64 `mapstructure:"epsilon_min" yaml:"epsilon_min"`
	EpsilonDecay float64 `mapstructure:"epsilon_decay" yaml:"epsilon_decay"`
}

// GenerationConfig tunes the generation agent.
type GenerationConfig struct {
	LearningRate         float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	AssertionThreshold   float64 `mapstructure:"assertion_threshold" yaml:"assertion_threshold"`
	MaxAssertionsPerStep int     `mapstructure:"max_assertions_per_step" yaml:"max_assertions_per_step"`
}

// RewardConfig tunes episode scoring.
type RewardConfig struct {
	Weights reward.Weights `mapstructure:"weights" yaml:"weights"`
	// KnownActionSpace normalizes coverage deltas.
	KnownActionSpace int `mapstructure:"known_action_space" yaml:"known_action_space"`
}

// ReplayConfig bounds the replay store.
type ReplayConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// TrainingConfig drives the training loop.
type TrainingConfig struct {
	Episodes        int           `mapstructure:"episodes" yaml:"episodes"`
	StepBudget      int           `mapstructure:"step_budget" yaml:"step_budget"`
	Sessions        int           `mapstructure:"sessions" yaml:"sessions"`
	BatchSize       int           `mapstructure:"batch_size" yaml:"batch_size"`
	UpdateEvery     int           `mapstructure:"update_every" yaml:"update_every"`
	CheckpointEvery int           `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	CheckpointDir   string        `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir"`
	RolloutTimeout  time.Duration `mapstructure:"rollout_timeout" yaml:"rollout_timeout"`
	// EmitThreshold gates fragment emission by total reward.
	EmitThreshold float64 `mapstructure:"emit_threshold" yaml:"emit_threshold"`
	Seed          int64   `mapstructure:"seed" yaml:"seed"`
	// Plateau detection over the trailing coverage-growth window.
	PlateauWindow    int     `mapstructure:"plateau_window" yaml:"plateau_window"`
	PlateauThreshold float64 `mapstructure:"plateau_threshold" yaml:"plateau_threshold"`
	PlateauPatience  int     `mapstructure:"plateau_patience" yaml:"plateau_patience"`
	// OutputDir receives emitted scenario fragments.
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
}

// Config is the complete application configuration.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Environment EnvironmentConfig `mapstructure:"environment" yaml:"environment"`
	Encoder     EncoderConfig     `mapstructure:"encoder" yaml:"encoder"`
	Exploration ExplorationConfig `mapstructure:"exploration" yaml:"exploration"`
	Generation  GenerationConfig  `mapstructure:"generation" yaml:"generation"`
	Reward      RewardConfig      `mapstructure:"reward" yaml:"reward"`
	Replay      ReplayConfig      `mapstructure:"replay" yaml:"replay"`
	Training    TrainingConfig    `mapstructure:"training" yaml:"training"`
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.log_file", "scenarist.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Environment --
	v.SetDefault("environment.kind", EnvSim)
	v.SetDefault("environment.browser.headless", true)
	v.SetDefault("environment.browser.navigation_timeout", "30s")
	v.SetDefault("environment.browser.action_timeout", "10s")
	v.SetDefault("environment.browser.actions_per_second", 2.0)
	v.SetDefault("environment.browser.window_width", 1280)
	v.SetDefault("environment.browser.window_height", 900)
	v.SetDefault("environment.browser.max_elements", 64)

	// -- Encoder --
	v.SetDefault("encoder.hash_buckets", 16)
	v.SetDefault("encoder.type_text_value", "scenarist_input")
	v.SetDefault("encoder.wait_ms", 500)
	v.SetDefault("encoder.max_elements", 64)

	// -- Exploration --
	v.SetDefault("exploration.learning_rate", 0.05)
	v.SetDefault("exploration.discount", 0.9)
	v.SetDefault("exploration.epsilon_start", 1.0)
	v.SetDefault("exploration.epsilon_min", 0.05)
	v.SetDefault("exploration.epsilon_decay", 0.98)

	// -- Generation --
	v.SetDefault("generation.learning_rate", 0.02)
	v.SetDefault("generation.assertion_threshold", 0.0)
	v.SetDefault("generation.max_assertions_per_step", 2)

	// -- Reward --
	v.SetDefault("reward.weights.coverage", 1.0)
	v.SetDefault("reward.weights.novelty", 0.5)
	v.SetDefault("reward.weights.fault", 5.0)
	v.SetDefault("reward.known_action_space", 200)

	// -- Replay --
	v.SetDefault("replay.capacity", 256)

	// -- Training --
	v.SetDefault("training.episodes", 100)
	v.SetDefault("training.step_budget", 25)
	v.SetDefault("training.sessions", 1)
	v.SetDefault("training.batch_size", 16)
	v.SetDefault("training.update_every", 1)
	v.SetDefault("training.checkpoint_every", 10)
	v.SetDefault("training.checkpoint_dir", "checkpoints")
	v.SetDefault("training.rollout_timeout", "2m")
	v.SetDefault("training.emit_threshold", 0.0)
	v.SetDefault("training.seed", 1)
	v.SetDefault("training.plateau_window", 10)
	v.SetDefault("training.plateau_threshold", 0.01)
	v.SetDefault("training.plateau_patience", 3)
	v.SetDefault("training.output_dir", "scenarios")
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		// Defaults are validated by tests; this cannot fail at runtime.
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// NewConfigFromViper unmarshals and validates a configuration from v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("SCENARIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Environment.Kind {
	case EnvSim:
	case EnvBrowser:
		if c.Environment.Browser.StartURL == "" {
			return fmt.Errorf("environment.browser.start_url is required for the browser environment")
		}
	default:
		return fmt.Errorf("environment.kind must be %q or %q, got %q", EnvSim, EnvBrowser, c.Environment.Kind)
	}

	if c.Encoder.HashBuckets <= 0 {
		return fmt.Errorf("encoder.hash_buckets must be positive")
	}
	if c.Encoder.MaxElements <= 0 {
		return fmt.Errorf("encoder.max_elements must be positive")
	}

	if c.Exploration.LearningRate <= 0 || c.Exploration.Discount < 0 || c.Exploration.Discount >= 1 {
		return fmt.Errorf("exploration learning_rate must be positive and discount in [0, 1)")
	}
	if c.Exploration.EpsilonStart < c.Exploration.EpsilonMin {
		return fmt.Errorf("exploration.epsilon_start (%v) must be >= epsilon_min (%v)",
			c.Exploration.EpsilonStart, c.Exploration.EpsilonMin)
	}
	if c.Exploration.EpsilonDecay <= 0 || c.Exploration.EpsilonDecay > 1 {
		return fmt.Errorf("exploration.epsilon_decay must be in (0, 1]")
	}

	if c.Generation.LearningRate <= 0 {
		return fmt.Errorf("generation.learning_rate must be positive")
	}
	if c.Generation.MaxAssertionsPerStep <= 0 {
		return fmt.Errorf("generation.max_assertions_per_step must be positive")
	}

	if err := c.Reward.Weights.Validate(); err != nil {
		return fmt.Errorf("reward.weights invalid: %w", err)
	}
	if c.Reward.KnownActionSpace <= 0 {
		return fmt.Errorf("reward.known_action_space must be positive")
	}

	if c.Replay.Capacity <= 0 {
		return fmt.Errorf("replay.capacity must be positive")
	}

	t := c.Training
	if t.Episodes <= 0 || t.StepBudget < 0 || t.Sessions <= 0 || t.BatchSize <= 0 {
		return fmt.Errorf("training episodes, sessions, and batch_size must be positive; step_budget non-negative")
	}
	if t.UpdateEvery <= 0 || t.CheckpointEvery <= 0 {
		return fmt.Errorf("training.update_every and training.checkpoint_every must be positive")
	}
	if t.PlateauWindow <= 0 || t.PlateauPatience <= 0 || t.PlateauThreshold < 0 {
		return fmt.Errorf("training plateau settings must be positive (threshold non-negative)")
	}
	return nil
}
