package trainer

import "errors"

// ErrEnvironmentFailure wraps adapter failures during reset or stepping. The
// loop treats these as episode-local: the episode is skipped or truncated,
// the counter still advances, and the run continues.
var ErrEnvironmentFailure = errors.New("environment failure")
