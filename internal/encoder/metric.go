package encoder

import "math"

// SequenceDistance is the metric used to compare trajectories by their
// encoded feature sequences: a Euclidean distance over position-aligned
// vectors, with the shorter sequence padded by zero vectors. The metric is
// symmetric and zero exactly for identical sequences.
func SequenceDistance(a, b [][]float64) float64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		var va, vb []float64
		if i < len(a) {
			va = a[i]
		}
		if i < len(b) {
			vb = b[i]
		}
		dim := len(va)
		if len(vb) > dim {
			dim = len(vb)
		}
		for j := 0; j < dim; j++ {
			var x, y float64
			if j < len(va) {
				x = va[j]
			}
			if j < len(vb) {
				y = vb[j]
			}
			d := x - y
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}
