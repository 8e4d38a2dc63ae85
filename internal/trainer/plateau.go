package trainer

// PlateauDetector watches a per-episode progress metric (coverage ratio in
// the training loop) and reports a plateau after the trailing window's mean
// has failed to improve by more than threshold for patience consecutive full
// windows.
type PlateauDetector struct {
	window    int
	threshold float64
	patience  int

	rewards   []float64
	bestMean  float64
	haveMean  bool
	stagnant  int
	plateaued bool
}

// NewPlateauDetector builds a detector; window and patience must be positive.
func NewPlateauDetector(window int, threshold float64, patience int) *PlateauDetector {
	if window <= 0 {
		window = 1
	}
	if patience <= 0 {
		patience = 1
	}
	return &PlateauDetector{window: window, threshold: threshold, patience: patience}
}

// Observe records one episode's progress value. Not safe for concurrent use;
// the training loop calls it under its commit lock.
func (d *PlateauDetector) Observe(value float64) {
	d.rewards = append(d.rewards, value)
	if len(d.rewards) < d.window {
		return
	}

	var sum float64
	for _, r := range d.rewards[len(d.rewards)-d.window:] {
		sum += r
	}
	mean := sum / float64(d.window)

	if !d.haveMean || mean > d.bestMean+d.threshold {
		d.bestMean = mean
		d.haveMean = true
		d.stagnant = 0
		return
	}
	d.stagnant++
	if d.stagnant >= d.patience*d.window {
		d.plateaued = true
	}
}

// Plateaued reports whether training progress has stalled.
func (d *PlateauDetector) Plateaued() bool { return d.plateaued }
