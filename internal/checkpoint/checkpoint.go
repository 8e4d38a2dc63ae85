// Package checkpoint persists and restores training state snapshots. A
// checkpoint is a single JSON envelope holding named opaque blobs, typically
// the exported agent parameters plus loop counters, written atomically so a
// crash mid-save never corrupts the previous checkpoint.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const envelopeVersion = 1

type envelope struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"saved_at"`
	Blobs   map[string][]byte `json:"blobs"`
}

// Manager reads and writes checkpoints under a fixed directory.
type Manager struct {
	dir string
	log *zap.Logger
}

// NewManager ensures dir exists and returns a manager rooted there.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %q: %w", dir, err)
	}
	return &Manager{dir: dir, log: logger.Named("checkpoint")}, nil
}

// Save writes the named checkpoint atomically: the envelope goes to a temp
// file in the same directory and is renamed into place.
func (m *Manager) Save(name string, blobs map[string][]byte) error {
	env := envelope{
		Version: envelopeVersion,
		SavedAt: time.Now().UTC(),
		Blobs:   blobs,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %q: %w", name, err)
	}

	final := m.path(name)
	tmp, err := os.CreateTemp(m.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write checkpoint %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close checkpoint %q: %w", name, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit checkpoint %q: %w", name, err)
	}

	m.log.Info("Checkpoint saved",
		zap.String("name", name),
		zap.Int("blobs", len(blobs)),
		zap.Int("bytes", len(data)))
	return nil
}

// Load reads the named checkpoint's blobs. A missing checkpoint is reported
// via os.ErrNotExist so callers can treat it as a cold start.
func (m *Manager) Load(name string) (map[string][]byte, error) {
	data, err := os.ReadFile(m.path(name))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %q: %w", name, err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode checkpoint %q: %w", name, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("checkpoint %q has unsupported version %d", name, env.Version)
	}
	return env.Blobs, nil
}

// Exists reports whether the named checkpoint is on disk.
func (m *Manager) Exists(name string) bool {
	_, err := os.Stat(m.path(name))
	return err == nil
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+".json")
}
