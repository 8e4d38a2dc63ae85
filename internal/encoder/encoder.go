// Package encoder turns environment state snapshots into fixed-shape feature
// vectors and enumerates the legal discrete action space for a state. Both
// operations are deterministic and side effect free: identical states (per
// the adapter's equality oracle) always produce identical vectors and
// identical action ordering, which reproducible training depends on.
package encoder

import (
	"hash/fnv"
	"math"

	"github.com/probelab/scenarist/api/schemas"
)

// Config tunes the feature layout and the action enumeration. The role list
// is configuration rather than a fixed set so per-application element
// taxonomies can be plugged in without code edits.
type Config struct {
	// Roles is the ordered list of element roles given dedicated feature
	// slots and action mappings. Elements with other roles fall into a
	// shared catch-all bucket.
	Roles []schemas.ElementRole `mapstructure:"roles" yaml:"roles"`
	// HashBuckets is the width of the page-identity section of the vector.
	HashBuckets int `mapstructure:"hash_buckets" yaml:"hash_buckets"`
	// TypeTextValue is the canned input used for type actions.
	TypeTextValue string `mapstructure:"type_text_value" yaml:"type_text_value"`
	// WaitMs is the duration attached to enumerated wait actions.
	WaitMs int `mapstructure:"wait_ms" yaml:"wait_ms"`
	// MaxElements caps how many elements contribute enumerated actions.
	MaxElements int `mapstructure:"max_elements" yaml:"max_elements"`
}

// DefaultConfig mirrors the roles the browser adapter harvests.
func DefaultConfig() Config {
	return Config{
		Roles: []schemas.ElementRole{
			schemas.RoleButton, schemas.RoleLink, schemas.RoleInput,
			schemas.RoleSelect, schemas.RoleCheckbox, schemas.RoleList,
		},
		HashBuckets:   16,
		TypeTextValue: "scenarist_input",
		WaitMs:        500,
		MaxElements:   64,
	}
}

const flagFeatures = 5 // count, authenticated, last-result-ok, anomaly, terminal

// Encoder is stateless; one instance can serve concurrent rollouts.
type Encoder struct {
	cfg       Config
	roleIndex map[schemas.ElementRole]int
}

// New builds an Encoder from cfg, falling back to defaults for zero fields.
func New(cfg Config) *Encoder {
	def := DefaultConfig()
	if len(cfg.Roles) == 0 {
		cfg.Roles = def.Roles
	}
	if cfg.HashBuckets <= 0 {
		cfg.HashBuckets = def.HashBuckets
	}
	if cfg.TypeTextValue == "" {
		cfg.TypeTextValue = def.TypeTextValue
	}
	if cfg.WaitMs <= 0 {
		cfg.WaitMs = def.WaitMs
	}
	if cfg.MaxElements <= 0 {
		cfg.MaxElements = def.MaxElements
	}
	idx := make(map[schemas.ElementRole]int, len(cfg.Roles))
	for i, r := range cfg.Roles {
		idx[r] = i
	}
	return &Encoder{cfg: cfg, roleIndex: idx}
}

// FeatureDim is the fixed length of every vector produced by Encode.
func (e *Encoder) FeatureDim() int {
	// role distribution (+1 catch-all) + scalar flags + page hash buckets
	return len(e.cfg.Roles) + 1 + flagFeatures + e.cfg.HashBuckets
}

// Encode maps a state snapshot onto a fixed-length numeric vector:
// the role distribution of its visible elements, a handful of session
// scalars, and a hashed one-hot of the page identity key.
func (e *Encoder) Encode(s schemas.State) []float64 {
	vec := make([]float64, e.FeatureDim())

	n := len(s.Elements)
	if n > 0 {
		catchAll := len(e.cfg.Roles)
		for _, el := range s.Elements {
			slot, ok := e.roleIndex[el.Role]
			if !ok {
				slot = catchAll
			}
			vec[slot] += 1.0 / float64(n)
		}
	}

	base := len(e.cfg.Roles) + 1
	vec[base] = math.Min(float64(n)/float64(e.cfg.MaxElements), 1.0)
	vec[base+1] = boolFeature(s.Authenticated)
	vec[base+2] = boolFeature(s.LastResult == schemas.OutcomeOK)
	vec[base+3] = boolFeature(s.Anomaly)
	vec[base+4] = boolFeature(s.Terminal)

	bucket := int(hashKey(s.Key) % uint64(e.cfg.HashBuckets))
	vec[base+flagFeatures+bucket] = 1.0

	return vec
}

// LegalActions enumerates the discrete action space of s in a fixed order:
// per-element actions in element order, then a wait, then end-episode. The
// result is empty only for terminal states; a state with no legal actions is
// by definition terminal.
func (e *Encoder) LegalActions(s schemas.State) []schemas.Action {
	if s.Terminal {
		return nil
	}

	limit := len(s.Elements)
	if limit > e.cfg.MaxElements {
		limit = e.cfg.MaxElements
	}

	actions := make([]schemas.Action, 0, limit+2)
	for i := 0; i < limit; i++ {
		el := s.Elements[i]
		if !el.Enabled {
			continue
		}
		switch el.Role {
		case schemas.RoleInput:
			actions = append(actions, schemas.Action{
				Kind:       schemas.ActionTypeText,
				ElementRef: i,
				Value:      e.cfg.TypeTextValue,
			})
		case schemas.RoleList:
			actions = append(actions, schemas.Action{
				Kind:       schemas.ActionScroll,
				ElementRef: i,
			})
		case schemas.RoleButton, schemas.RoleLink, schemas.RoleSelect, schemas.RoleCheckbox:
			actions = append(actions, schemas.Action{
				Kind:       schemas.ActionClick,
				ElementRef: i,
			})
		default:
			// Non-interactive roles contribute no actions.
		}
	}

	actions = append(actions,
		schemas.Action{Kind: schemas.ActionWait, ElementRef: schemas.NoElement, DurationMs: e.cfg.WaitMs},
		schemas.Action{Kind: schemas.ActionEndEpisode, ElementRef: schemas.NoElement},
	)
	return actions
}

// FeatureSequence encodes every state visited by a trajectory, in order:
// each step's before-state plus the final after-state. Used by the novelty
// metric and for per-step credit assignment.
func (e *Encoder) FeatureSequence(t schemas.Trajectory) [][]float64 {
	if len(t.Steps) == 0 {
		return nil
	}
	seq := make([][]float64, 0, len(t.Steps)+1)
	for _, st := range t.Steps {
		seq = append(seq, e.Encode(st.Before))
	}
	seq = append(seq, e.Encode(t.Steps[len(t.Steps)-1].After))
	return seq
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
