package schemas

import (
	"fmt"
	"strconv"
	"strings"
)

// ActionKind enumerates the discrete UI interactions the exploration agent
// can choose from. The set is closed at the type level; per-application
// variation is expressed through element roles and typed values instead.
type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"
	ActionClick      ActionKind = "click"
	ActionTypeText   ActionKind = "type_text"
	ActionScroll     ActionKind = "scroll"
	ActionWait       ActionKind = "wait"
	ActionEndEpisode ActionKind = "end_episode"
)

// ActionKinds lists every kind in a fixed, documented order. The ordering is
// load-bearing: agents use it to lay out per-kind parameters and the encoder
// relies on it for deterministic action enumeration.
var ActionKinds = []ActionKind{
	ActionNavigate,
	ActionClick,
	ActionTypeText,
	ActionScroll,
	ActionWait,
	ActionEndEpisode,
}

// KindIndex returns the position of k in ActionKinds, or -1 if unknown.
func KindIndex(k ActionKind) int {
	for i, kind := range ActionKinds {
		if kind == k {
			return i
		}
	}
	return -1
}

// Action is a tagged variant describing one UI interaction. Only the fields
// relevant for the Kind are meaningful. ElementRef indexes the Elements
// slice of the state the action was enumerated for; it is invalidated as
// soon as the environment steps to a new state.
type Action struct {
	Kind       ActionKind `json:"kind"`
	URL        string     `json:"url,omitempty"`
	ElementRef int        `json:"element_ref"`
	Value      string     `json:"value,omitempty"`
	DurationMs int        `json:"duration_ms,omitempty"`
}

// NoElement is the ElementRef value for actions that do not target an element.
const NoElement = -1

// Signature is a stable identity for coverage accounting. Two actions with
// the same signature taken from the same state cover the same (state, action)
// pair. The element label, not the ref, participates so that signatures stay
// comparable across re-enumerations of equivalent states.
func (a Action) Signature(from State) string {
	var b strings.Builder
	b.WriteString(string(a.Kind))
	switch a.Kind {
	case ActionNavigate:
		b.WriteByte('|')
		b.WriteString(a.URL)
	case ActionClick, ActionTypeText, ActionScroll:
		b.WriteByte('|')
		if el, err := from.Element(a.ElementRef); err == nil {
			b.WriteString(string(el.Role))
			b.WriteByte(':')
			b.WriteString(el.Label)
		} else {
			b.WriteString("ref:")
			b.WriteString(strconv.Itoa(a.ElementRef))
		}
	}
	return b.String()
}

// TargetsElement reports whether this action kind dereferences an ElementRef.
func (a Action) TargetsElement() bool {
	switch a.Kind {
	case ActionClick, ActionTypeText, ActionScroll:
		return true
	default:
		return false
	}
}

func (a Action) String() string {
	switch a.Kind {
	case ActionNavigate:
		return fmt.Sprintf("navigate(%s)", a.URL)
	case ActionClick:
		return fmt.Sprintf("click(#%d)", a.ElementRef)
	case ActionTypeText:
		return fmt.Sprintf("type(#%d, %q)", a.ElementRef, a.Value)
	case ActionScroll:
		return fmt.Sprintf("scroll(#%d)", a.ElementRef)
	case ActionWait:
		return fmt.Sprintf("wait(%dms)", a.DurationMs)
	case ActionEndEpisode:
		return "end_episode"
	default:
		return string(a.Kind)
	}
}

// Equal compares actions field-by-field.
func (a Action) Equal(other Action) bool { return a == other }
