package agents

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/probelab/scenarist/api/schemas"
)

const testFeatDim = 4

func testLegal() []schemas.Action {
	return []schemas.Action{
		{Kind: schemas.ActionClick, ElementRef: 0},
		{Kind: schemas.ActionTypeText, ElementRef: 1, Value: "x"},
		{Kind: schemas.ActionWait, ElementRef: schemas.NoElement, DurationMs: 100},
	}
}

func newTestExplorer(t *testing.T) *Explorer {
	t.Helper()
	return NewExplorer(testFeatDim, DefaultExplorerConfig(), zap.NewNop())
}

func TestSelectAction(t *testing.T) {
	features := []float64{1, 0, 0.5, 0}

	t.Run("should fail on an empty legal set", func(t *testing.T) {
		e := newTestExplorer(t)
		_, err := e.SelectAction(features, nil, 0, rand.New(rand.NewSource(1)))
		assert.ErrorIs(t, err, ErrNoLegalActions)
	})

	t.Run("should pick the earliest action on value ties", func(t *testing.T) {
		e := newTestExplorer(t)
		// Fresh parameters value every action at zero, so the tie spans the
		// whole legal set.
		a, err := e.SelectAction(features, testLegal(), 0, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		assert.Equal(t, testLegal()[0], a)
	})

	t.Run("should always exploit at rate zero", func(t *testing.T) {
		e := newTestExplorer(t)
		rng := rand.New(rand.NewSource(7))
		require.NoError(t, e.Update([]Transition{{
			Features: features,
			Action:   testLegal()[1],
			Reward:   10,
			Terminal: true,
		}}))
		for i := 0; i < 20; i++ {
			a, err := e.SelectAction(features, testLegal(), 0, rng)
			require.NoError(t, err)
			assert.Equal(t, schemas.ActionTypeText, a.Kind)
		}
	})

	t.Run("should explore uniformly at rate one", func(t *testing.T) {
		e := newTestExplorer(t)
		rng := rand.New(rand.NewSource(42))
		seen := make(map[schemas.ActionKind]int)
		for i := 0; i < 300; i++ {
			a, err := e.SelectAction(features, testLegal(), 1.0, rng)
			require.NoError(t, err)
			seen[a.Kind]++
		}
		for _, legal := range testLegal() {
			assert.Greater(t, seen[legal.Kind], 0, "kind %s never sampled", legal.Kind)
		}
	})

	t.Run("should be reproducible for a fixed rng seed", func(t *testing.T) {
		pick := func() []schemas.ActionKind {
			e := newTestExplorer(t)
			rng := rand.New(rand.NewSource(99))
			var kinds []schemas.ActionKind
			for i := 0; i < 10; i++ {
				a, err := e.SelectAction(features, testLegal(), 0.5, rng)
				require.NoError(t, err)
				kinds = append(kinds, a.Kind)
			}
			return kinds
		}
		assert.Equal(t, pick(), pick())
	})
}

func TestExplorerUpdate(t *testing.T) {
	features := []float64{1, 0, 0, 1}

	t.Run("should accept an empty batch as a no-op", func(t *testing.T) {
		e := newTestExplorer(t)
		before, err := e.Export()
		require.NoError(t, err)
		require.NoError(t, e.Update(nil))
		after, err := e.Export()
		require.NoError(t, err)
		assert.JSONEq(t, string(before), string(after))
	})

	t.Run("should reject mismatched feature dimensions", func(t *testing.T) {
		e := newTestExplorer(t)
		err := e.Update([]Transition{{Features: []float64{1}, Action: testLegal()[0], Terminal: true}})
		assert.ErrorIs(t, err, ErrPolicyUpdate)
	})

	t.Run("should move values toward observed rewards", func(t *testing.T) {
		e := newTestExplorer(t)
		for i := 0; i < 50; i++ {
			require.NoError(t, e.Update([]Transition{{
				Features: features,
				Action:   testLegal()[0],
				Reward:   1,
				Terminal: true,
			}}))
		}
		a, err := e.SelectAction(features, testLegal(), 0, rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		assert.Equal(t, schemas.ActionClick, a.Kind)
	})

	t.Run("should drop the whole batch on non-finite results", func(t *testing.T) {
		e := newTestExplorer(t)
		require.NoError(t, e.Update([]Transition{{
			Features: features, Action: testLegal()[0], Reward: 1, Terminal: true,
		}}))
		before, err := e.Export()
		require.NoError(t, err)

		err = e.Update([]Transition{{
			Features: features, Action: testLegal()[0], Reward: math.Inf(1), Terminal: true,
		}})
		assert.ErrorIs(t, err, ErrPolicyUpdate)

		after, err := e.Export()
		require.NoError(t, err)
		assert.JSONEq(t, string(before), string(after), "rejected update must not change parameters")
	})
}

func TestExplorerExportImport(t *testing.T) {
	features := []float64{0.5, 0.5, 0, 0}

	e := newTestExplorer(t)
	require.NoError(t, e.Update([]Transition{{
		Features: features, Action: testLegal()[1], Reward: 3, Terminal: true,
	}}))
	blob, err := e.Export()
	require.NoError(t, err)

	clone := newTestExplorer(t)
	require.NoError(t, clone.Import(blob))

	a1, err := e.SelectAction(features, testLegal(), 0, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	a2, err := clone.SelectAction(features, testLegal(), 0, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	t.Run("should reject malformed blobs", func(t *testing.T) {
		assert.Error(t, clone.Import([]byte("{not json")))
	})
}
