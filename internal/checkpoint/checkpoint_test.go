package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestManager(t *testing.T) {
	t.Run("should reject an empty directory", func(t *testing.T) {
		_, err := NewManager("", zaptest.NewLogger(t))
		assert.Error(t, err)
	})

	t.Run("should round-trip named blobs", func(t *testing.T) {
		m, err := NewManager(t.TempDir(), zaptest.NewLogger(t))
		require.NoError(t, err)

		blobs := map[string][]byte{
			"explorer":  []byte(`{"version":1}`),
			"generator": []byte(`{"version":2}`),
		}
		require.NoError(t, m.Save("latest", blobs))
		require.True(t, m.Exists("latest"))

		got, err := m.Load("latest")
		require.NoError(t, err)
		assert.Equal(t, blobs, got)
	})

	t.Run("should report missing checkpoints via os.ErrNotExist", func(t *testing.T) {
		m, err := NewManager(t.TempDir(), zaptest.NewLogger(t))
		require.NoError(t, err)

		assert.False(t, m.Exists("nope"))
		_, err = m.Load("nope")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("should overwrite an existing checkpoint atomically", func(t *testing.T) {
		dir := t.TempDir()
		m, err := NewManager(dir, zaptest.NewLogger(t))
		require.NoError(t, err)

		require.NoError(t, m.Save("latest", map[string][]byte{"k": []byte("v1")}))
		require.NoError(t, m.Save("latest", map[string][]byte{"k": []byte("v2")}))

		got, err := m.Load("latest")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got["k"])

		// No temp files left behind.
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "latest.json", entries[0].Name())
	})

	t.Run("should reject corrupted envelopes", func(t *testing.T) {
		dir := t.TempDir()
		m, err := NewManager(dir, zaptest.NewLogger(t))
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{broken"), 0o644))
		_, err = m.Load("bad")
		assert.Error(t, err)
	})
}
