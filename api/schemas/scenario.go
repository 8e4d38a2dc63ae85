package schemas

// AssertionKind enumerates the checks the generation agent can attach to a
// reproduced action.
type AssertionKind string

const (
	AssertVisible    AssertionKind = "assert_visible"
	AssertTextEquals AssertionKind = "assert_text_equals"
	AssertStatus     AssertionKind = "assert_status"
)

// AssertionKinds lists every kind in a fixed order, mirroring ActionKinds.
var AssertionKinds = []AssertionKind{AssertVisible, AssertTextEquals, AssertStatus}

// Assertion checks one property of the state reached by the action at
// StepIndex. ElementRef indexes the Elements of that exact resulting state;
// it must never be resolved against any other state. Status assertions carry
// ElementRef == NoElement.
type Assertion struct {
	StepIndex  int           `json:"step_index"`
	ElementRef int           `json:"element_ref"`
	Kind       AssertionKind `json:"kind"`
	Expected   string        `json:"expected"`
}

// ScenarioFragment is a generated candidate test scenario, pre-serialization.
// Every Action is one actually taken in the source trajectory; the generation
// agent never invents steps. A fragment derived from a zero-step trajectory
// is flagged Empty instead of being silently assertion-less, and scores zero
// coverage downstream.
type ScenarioFragment struct {
	Title      string      `json:"title"`
	Actions    []Action    `json:"actions"`
	Assertions []Assertion `json:"assertions"`
	Empty      bool        `json:"empty"`
}
