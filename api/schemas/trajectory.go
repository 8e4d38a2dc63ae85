package schemas

// Step is one (state, action, resulting state) triple of an episode.
type Step struct {
	Before State  `json:"before"`
	Action Action `json:"action"`
	After  State  `json:"after"`
}

// Trajectory is the ordered record of one episode. It is owned by the
// training loop for the duration of the episode and handed to the generation
// agent and the reward system by value; consumers must never mutate it.
type Trajectory struct {
	EpisodeID string `json:"episode_id"`
	Steps     []Step `json:"steps"`
	// Terminal is set when the rollout ended on an EndEpisode choice, a
	// terminal environment state, or the step budget. A trajectory cut off
	// by a failure mid-episode is discarded rather than marked terminal.
	Terminal bool `json:"terminal"`
}

// Len returns the number of recorded steps.
func (t Trajectory) Len() int { return len(t.Steps) }

// Clone returns a deep copy safe to hand across ownership boundaries.
func (t Trajectory) Clone() Trajectory {
	out := Trajectory{EpisodeID: t.EpisodeID, Terminal: t.Terminal}
	if len(t.Steps) > 0 {
		out.Steps = make([]Step, len(t.Steps))
		for i, st := range t.Steps {
			st.Before.Elements = cloneElements(st.Before.Elements)
			st.After.Elements = cloneElements(st.After.Elements)
			out.Steps[i] = st
		}
	}
	return out
}

func cloneElements(in []UIElement) []UIElement {
	if in == nil {
		return nil
	}
	out := make([]UIElement, len(in))
	copy(out, in)
	return out
}

// FinalState returns the last observed state and true, or a zero state and
// false for an empty trajectory.
func (t Trajectory) FinalState() (State, bool) {
	if len(t.Steps) == 0 {
		return State{}, false
	}
	return t.Steps[len(t.Steps)-1].After, true
}

// HasAnomaly reports whether any step surfaced an adapter-reported anomaly.
func (t Trajectory) HasAnomaly() bool {
	for _, st := range t.Steps {
		if st.Before.Anomaly || st.After.Anomaly {
			return true
		}
	}
	return false
}
