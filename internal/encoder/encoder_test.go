package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/scenarist/api/schemas"
)

func sampleState() schemas.State {
	return schemas.State{
		Key:    "/checkout#abc",
		PageID: "/checkout",
		Elements: []schemas.UIElement{
			{Role: schemas.RoleInput, Label: "email", Enabled: true},
			{Role: schemas.RoleButton, Label: "pay now", Enabled: true},
			{Role: schemas.RoleList, Label: "items", Enabled: true},
			{Role: schemas.RoleText, Label: "total", Enabled: true},
			{Role: schemas.RoleLink, Label: "help", Enabled: false},
		},
		Authenticated: true,
		LastResult:    schemas.OutcomeOK,
	}
}

func TestEncode(t *testing.T) {
	enc := New(Config{})

	t.Run("should produce vectors of the declared dimension", func(t *testing.T) {
		vec := enc.Encode(sampleState())
		assert.Len(t, vec, enc.FeatureDim())
	})

	t.Run("should be deterministic for equal states", func(t *testing.T) {
		a := enc.Encode(sampleState())
		b := enc.Encode(sampleState())
		assert.Equal(t, a, b)
	})

	t.Run("should separate states with different keys", func(t *testing.T) {
		other := sampleState()
		other.Key = "/cart#def"
		assert.NotEqual(t, enc.Encode(sampleState()), enc.Encode(other))
	})

	t.Run("should handle a state with no elements", func(t *testing.T) {
		vec := enc.Encode(schemas.State{Key: "blank"})
		require.Len(t, vec, enc.FeatureDim())
		for i := 0; i < len(DefaultConfig().Roles)+1; i++ {
			assert.Zero(t, vec[i])
		}
	})
}

func TestLegalActions(t *testing.T) {
	enc := New(Config{})

	t.Run("should return nil for terminal states", func(t *testing.T) {
		assert.Nil(t, enc.LegalActions(schemas.State{Key: "end", Terminal: true}))
	})

	t.Run("should enumerate in element order with wait and end last", func(t *testing.T) {
		actions := enc.LegalActions(sampleState())
		// input, button, list interact; text contributes nothing; disabled
		// link is skipped; plus wait and end-episode.
		require.Len(t, actions, 5)
		assert.Equal(t, schemas.ActionTypeText, actions[0].Kind)
		assert.Equal(t, 0, actions[0].ElementRef)
		assert.Equal(t, schemas.ActionClick, actions[1].Kind)
		assert.Equal(t, 1, actions[1].ElementRef)
		assert.Equal(t, schemas.ActionScroll, actions[2].Kind)
		assert.Equal(t, 2, actions[2].ElementRef)
		assert.Equal(t, schemas.ActionWait, actions[3].Kind)
		assert.Equal(t, schemas.ActionEndEpisode, actions[4].Kind)
	})

	t.Run("should never be empty for a non-terminal state", func(t *testing.T) {
		actions := enc.LegalActions(schemas.State{Key: "bare"})
		require.NotEmpty(t, actions)
		assert.Equal(t, schemas.ActionEndEpisode, actions[len(actions)-1].Kind)
	})

	t.Run("should be deterministic", func(t *testing.T) {
		assert.Equal(t, enc.LegalActions(sampleState()), enc.LegalActions(sampleState()))
	})
}

func TestFeatureSequence(t *testing.T) {
	enc := New(Config{})

	t.Run("should be empty for an empty trajectory", func(t *testing.T) {
		assert.Nil(t, enc.FeatureSequence(schemas.Trajectory{}))
	})

	t.Run("should cover every before state plus the final after state", func(t *testing.T) {
		a, b := sampleState(), sampleState()
		b.Key = "/cart#def"
		traj := schemas.Trajectory{Steps: []schemas.Step{
			{Before: a, Action: schemas.Action{Kind: schemas.ActionClick, ElementRef: 1}, After: b},
			{Before: b, Action: schemas.Action{Kind: schemas.ActionWait, ElementRef: schemas.NoElement}, After: b},
		}}
		seq := enc.FeatureSequence(traj)
		require.Len(t, seq, 3)
		assert.Equal(t, enc.Encode(a), seq[0])
		assert.Equal(t, enc.Encode(b), seq[1])
		assert.Equal(t, enc.Encode(b), seq[2])
	})
}
