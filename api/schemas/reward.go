package schemas

// RewardBreakdown scores one completed episode along the three documented
// dimensions. It is a value object, never mutated after construction, and
// TotalReward is a deterministic pure function of the three components.
type RewardBreakdown struct {
	// CoverageDelta is the count of previously-unvisited (state, action)
	// pairs newly covered by the trajectory, normalized by the configured
	// known action-space size. Non-negative.
	CoverageDelta float64 `json:"coverage_delta"`
	// NoveltyScore is the distance to the nearest trajectory already held
	// in the replay store. Zero for an exact match.
	NoveltyScore float64 `json:"novelty_score"`
	// FaultSignal is 1.0 when any step surfaced an environment anomaly,
	// else 0.0. Discrete by design so fault-revealing episodes are retained
	// regardless of their coverage or novelty.
	FaultSignal float64 `json:"fault_signal"`
	// TotalReward is the weighted sum of the three components.
	TotalReward float64 `json:"total_reward"`
}

// ReplayEntry is one committed episode held by the replay store.
type ReplayEntry struct {
	Trajectory   Trajectory       `json:"trajectory"`
	Fragment     ScenarioFragment `json:"fragment"`
	Reward       RewardBreakdown  `json:"reward"`
	EpisodeIndex int              `json:"episode_index"`
}
