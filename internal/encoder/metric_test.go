package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceDistance(t *testing.T) {
	a := [][]float64{{1, 0}, {0, 1}}
	b := [][]float64{{0, 1}, {1, 0}}

	t.Run("should be zero for an exact match", func(t *testing.T) {
		assert.Zero(t, SequenceDistance(a, a))
	})

	t.Run("should be symmetric", func(t *testing.T) {
		assert.Equal(t, SequenceDistance(a, b), SequenceDistance(b, a))
	})

	t.Run("should be positive for different sequences", func(t *testing.T) {
		assert.Greater(t, SequenceDistance(a, b), 0.0)
	})

	t.Run("should pad shorter sequences instead of truncating", func(t *testing.T) {
		longer := [][]float64{{1, 0}, {0, 1}, {1, 1}}
		assert.Greater(t, SequenceDistance(a, longer), 0.0)
	})

	t.Run("should be zero for two empty sequences", func(t *testing.T) {
		assert.Zero(t, SequenceDistance(nil, nil))
	})
}
