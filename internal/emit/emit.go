// Package emit persists accepted scenario fragments. The file emitter writes
// one JSON document per fragment; titles are deterministic per action
// sequence, so re-emitting a duplicate trajectory overwrites its previous
// file instead of piling up copies.
package emit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/probelab/scenarist/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FileEmitter implements schemas.Emitter over a directory of JSON files.
type FileEmitter struct {
	mu  sync.Mutex
	dir string
	log *zap.Logger
}

// NewFileEmitter ensures dir exists and returns an emitter rooted there.
func NewFileEmitter(dir string, logger *zap.Logger) (*FileEmitter, error) {
	if dir == "" {
		return nil, fmt.Errorf("emit directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create emit directory %q: %w", dir, err)
	}
	return &FileEmitter{dir: dir, log: logger.Named("emitter")}, nil
}

// Emit writes frag as a pretty-printed JSON file named after its title.
func (e *FileEmitter) Emit(ctx context.Context, frag schemas.ScenarioFragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if frag.Empty {
		return fmt.Errorf("refusing to emit empty fragment %q", frag.Title)
	}

	data, err := json.MarshalIndent(frag, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fragment %q: %w", frag.Title, err)
	}

	path := filepath.Join(e.dir, sanitize(frag.Title)+".json")

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fragment %q: %w", frag.Title, err)
	}
	e.log.Info("Scenario fragment emitted",
		zap.String("title", frag.Title),
		zap.Int("actions", len(frag.Actions)),
		zap.Int("assertions", len(frag.Assertions)))
	return nil
}

// sanitize keeps titles safe as file names.
func sanitize(title string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, title)
}
