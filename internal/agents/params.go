// Package agents holds the two learned policies: the exploration agent that
// picks UI actions during rollout and the generation agent that turns a
// finished trajectory into one candidate test scenario.
package agents

import (
	"errors"
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
)

// ErrPolicyUpdate is returned when an update batch cannot be applied. The
// batch is dropped in full; the agent's parameters are never left torn.
var ErrPolicyUpdate = errors.New("policy update rejected")

// ErrNoLegalActions is returned when action selection is asked to choose
// from an empty action set, which only a terminal state can produce.
var ErrNoLegalActions = errors.New("no legal actions to select from")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const parametersVersion = 1

// Parameters is the opaque, serializable parameter set of one agent. Each
// agent owns its instance exclusively; the training loop moves blobs in and
// out only through Export and Import.
type Parameters struct {
	Version int                  `json:"version"`
	Weights map[string][]float64 `json:"weights"`
}

func newParameters() *Parameters {
	return &Parameters{Version: parametersVersion, Weights: make(map[string][]float64)}
}

// clone deep-copies p so updates can be prepared off to the side and swapped
// in whole, or discarded without trace.
func (p *Parameters) clone() *Parameters {
	out := &Parameters{Version: p.Version, Weights: make(map[string][]float64, len(p.Weights))}
	for k, v := range p.Weights {
		w := make([]float64, len(v))
		copy(w, v)
		out.Weights[k] = w
	}
	return out
}

// finite reports whether every weight is a finite number. A false result
// means the prepared update would poison subsequent episodes and must be
// discarded.
func (p *Parameters) finite() bool {
	for _, v := range p.Weights {
		for _, w := range v {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				return false
			}
		}
	}
	return true
}

// vector returns the named weight vector, allocating a zeroed one of the
// given dimension on first use.
func (p *Parameters) vector(key string, dim int) []float64 {
	if v, ok := p.Weights[key]; ok && len(v) == dim {
		return v
	}
	v := make([]float64, dim)
	p.Weights[key] = v
	return v
}

// scalar returns the named single weight.
func (p *Parameters) scalar(key string) float64 {
	if v, ok := p.Weights[key]; ok && len(v) == 1 {
		return v[0]
	}
	return 0
}

func (p *Parameters) setScalar(key string, val float64) {
	p.Weights[key] = []float64{val}
}

func (p *Parameters) export() ([]byte, error) {
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	return blob, nil
}

func importParameters(blob []byte) (*Parameters, error) {
	var p Parameters
	if err := json.Unmarshal(blob, &p); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if p.Version != parametersVersion {
		return nil, fmt.Errorf("unsupported parameters version %d", p.Version)
	}
	if p.Weights == nil {
		p.Weights = make(map[string][]float64)
	}
	if !p.finite() {
		return nil, fmt.Errorf("imported parameters contain non-finite weights")
	}
	return &p, nil
}

func dot(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
