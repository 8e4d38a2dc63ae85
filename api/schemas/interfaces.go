package schemas

import "context"

// Environment is the adapter contract for the live (or simulated) browser
// session the training loop rolls out against. One Environment drives one
// session; it is never shared across concurrent rollouts.
type Environment interface {
	// Reset starts a fresh episode and returns its initial state.
	Reset(ctx context.Context) (State, error)
	// Step executes one action and returns the resulting state and whether
	// the environment considers the episode done. The returned state's Key
	// is the equality oracle for all downstream comparisons.
	Step(ctx context.Context, action Action) (State, bool, error)
	// Close releases the underlying session.
	Close(ctx context.Context) error
}

// Emitter consumes reward-accepted scenario fragments and turns them into
// runnable test files. Serialization, structural validation (missing title,
// zero actions), and repair or rejection of malformed fragments are the
// emitter's responsibility; the core never writes script files directly.
type Emitter interface {
	Emit(ctx context.Context, fragment ScenarioFragment) error
}
