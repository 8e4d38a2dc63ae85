package emit

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/probelab/scenarist/api/schemas"
)

func sampleFragment() schemas.ScenarioFragment {
	return schemas.ScenarioFragment{
		Title:   "click_flow_0000beef",
		Actions: []schemas.Action{{Kind: schemas.ActionClick, ElementRef: 0}},
		Assertions: []schemas.Assertion{
			{StepIndex: 0, ElementRef: 0, Kind: schemas.AssertVisible, Expected: "ok"},
		},
	}
}

func TestFileEmitter(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject an empty directory", func(t *testing.T) {
		_, err := NewFileEmitter("", zaptest.NewLogger(t))
		assert.Error(t, err)
	})

	t.Run("should write one readable JSON file per fragment", func(t *testing.T) {
		dir := t.TempDir()
		e, err := NewFileEmitter(dir, zaptest.NewLogger(t))
		require.NoError(t, err)

		frag := sampleFragment()
		require.NoError(t, e.Emit(ctx, frag))

		data, err := os.ReadFile(filepath.Join(dir, frag.Title+".json"))
		require.NoError(t, err)

		var got schemas.ScenarioFragment
		require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &got))
		assert.Equal(t, frag.Title, got.Title)
		assert.Len(t, got.Actions, 1)
		assert.Len(t, got.Assertions, 1)
	})

	t.Run("should overwrite duplicates instead of piling up", func(t *testing.T) {
		dir := t.TempDir()
		e, err := NewFileEmitter(dir, zaptest.NewLogger(t))
		require.NoError(t, err)

		require.NoError(t, e.Emit(ctx, sampleFragment()))
		require.NoError(t, e.Emit(ctx, sampleFragment()))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("should refuse empty fragments", func(t *testing.T) {
		e, err := NewFileEmitter(t.TempDir(), zaptest.NewLogger(t))
		require.NoError(t, err)
		assert.Error(t, e.Emit(ctx, schemas.ScenarioFragment{Title: "empty_scenario", Empty: true}))
	})

	t.Run("should sanitize hostile titles", func(t *testing.T) {
		dir := t.TempDir()
		e, err := NewFileEmitter(dir, zaptest.NewLogger(t))
		require.NoError(t, err)

		frag := sampleFragment()
		frag.Title = "../escape/attempt"
		require.NoError(t, e.Emit(ctx, frag))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "___escape_attempt.json", entries[0].Name())
	})
}
