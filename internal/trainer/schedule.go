package trainer

import "math"

// EpsilonSchedule decays the exploration rate geometrically per episode,
// floored at Min. The schedule is pure: the rate for episode k never depends
// on how earlier episodes went.
type EpsilonSchedule struct {
	Start float64
	Min   float64
	Decay float64
}

// Rate returns the exploration rate for the given zero-based episode index.
func (s EpsilonSchedule) Rate(episode int) float64 {
	if episode < 0 {
		episode = 0
	}
	rate := s.Start * math.Pow(s.Decay, float64(episode))
	if rate < s.Min {
		return s.Min
	}
	return rate
}
