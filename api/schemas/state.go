package schemas

import (
	"errors"
	"fmt"
)

// ErrStaleReference is returned when an ElementRef is dereferenced against a
// state other than the one that produced it. This is a contract violation
// inside the core (an encoder or agent bug), not an environment problem, and
// callers are expected to treat it as fatal for the current episode.
var ErrStaleReference = errors.New("stale element reference")

// ElementRole classifies an interactive element by how it can be driven.
// The role set is open; the encoder maps unknown roles to a catch-all bucket.
type ElementRole string

const (
	RoleButton   ElementRole = "button"
	RoleLink     ElementRole = "link"
	RoleInput    ElementRole = "input"
	RoleSelect   ElementRole = "select"
	RoleCheckbox ElementRole = "checkbox"
	RoleList     ElementRole = "list"
	RoleText     ElementRole = "text"
	RoleOther    ElementRole = "other"
)

// Region is the bounding box of an element in CSS pixels.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// UIElement is one visible interactive element of a page snapshot.
type UIElement struct {
	Role    ElementRole `json:"role"`
	Label   string      `json:"label"`
	Region  Region      `json:"region"`
	Enabled bool        `json:"enabled"`
}

// ActionOutcome records how the environment reported the last executed action.
type ActionOutcome string

const (
	OutcomeNone  ActionOutcome = ""
	OutcomeOK    ActionOutcome = "ok"
	OutcomeError ActionOutcome = "error"
)

// State is an immutable snapshot of the application UI as observed by the
// environment adapter. The core never inspects raw markup; two states are
// the same exactly when their Keys are equal. Key is assigned by the adapter
// and acts as the state-equality oracle.
type State struct {
	// Key is the adapter-assigned identity token for this state.
	Key string `json:"key"`
	// PageID names the logical page (URL path, route, or simulator node).
	PageID string `json:"page_id"`
	// Elements is the ordered list of visible interactive elements.
	// ElementRefs index into this slice and are valid for this state only.
	Elements []UIElement `json:"elements"`
	// Authenticated reports whether the session holds an authenticated user.
	Authenticated bool `json:"authenticated"`
	// LastResult is the adapter's report of the previous action.
	LastResult ActionOutcome `json:"last_result"`
	// Terminal marks a state from which no further interaction is possible.
	Terminal bool `json:"terminal"`
	// Anomaly is set when the adapter surfaced an unexpected error condition
	// while producing this state (script exception, crash page, 5xx load).
	Anomaly bool `json:"anomaly"`
}

// Element dereferences ref against this state. Refs from any other state are
// meaningless here, and out-of-range refs surface as ErrStaleReference.
func (s State) Element(ref int) (UIElement, error) {
	if ref < 0 || ref >= len(s.Elements) {
		return UIElement{}, fmt.Errorf("element ref %d against state %q with %d elements: %w",
			ref, s.Key, len(s.Elements), ErrStaleReference)
	}
	return s.Elements[ref], nil
}

// Same reports state identity through the equality oracle.
func (s State) Same(other State) bool { return s.Key == other.Key }
