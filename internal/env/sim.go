// Package env provides Environment adapter implementations: a chromedp-backed
// live browser session and a deterministic in-memory simulator used for
// offline training runs and tests.
package env

import (
	"context"
	"fmt"
	"sync"

	"github.com/probelab/scenarist/api/schemas"
)

// SimPage is one node of the simulated application's page graph.
type SimPage struct {
	ID       string
	Elements []schemas.UIElement
	// Transitions maps an element index to the destination page reached by
	// clicking it. Elements without a transition leave the page unchanged.
	Transitions map[int]string
	Terminal    bool
	// Anomalous pages surface an adapter-reported anomaly, standing in for
	// crash pages and script errors of a real application.
	Anomalous     bool
	Authenticated bool
}

// SimConfig scripts the simulator, including injectable failures for
// exercising the training loop's error handling.
type SimConfig struct {
	Start string
	Pages []SimPage
	// FailResets makes the first N Reset calls fail.
	FailResets int
	// FailStepAt makes the Nth Step call (1-based) fail. Zero disables.
	FailStepAt int
}

// Sim is a deterministic scripted environment. Identical action sequences
// from Reset always traverse identical states, which the reproducibility
// tests rely on.
type Sim struct {
	mu         sync.Mutex
	cfg        SimConfig
	pages      map[string]SimPage
	current    string
	outcome    schemas.ActionOutcome
	resetCalls int
	stepCalls  int
	closed     bool
}

// NewSim builds a simulator from cfg.
func NewSim(cfg SimConfig) (*Sim, error) {
	if len(cfg.Pages) == 0 {
		return nil, fmt.Errorf("sim requires at least one page")
	}
	pages := make(map[string]SimPage, len(cfg.Pages))
	for _, p := range cfg.Pages {
		if p.ID == "" {
			return nil, fmt.Errorf("sim page with empty ID")
		}
		if _, dup := pages[p.ID]; dup {
			return nil, fmt.Errorf("duplicate sim page %q", p.ID)
		}
		pages[p.ID] = p
	}
	if cfg.Start == "" {
		cfg.Start = cfg.Pages[0].ID
	}
	if _, ok := pages[cfg.Start]; !ok {
		return nil, fmt.Errorf("sim start page %q not defined", cfg.Start)
	}
	return &Sim{cfg: cfg, pages: pages}, nil
}

// Reset starts a fresh episode at the configured start page.
func (s *Sim) Reset(ctx context.Context) (schemas.State, error) {
	if err := ctx.Err(); err != nil {
		return schemas.State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return schemas.State{}, fmt.Errorf("sim is closed")
	}
	s.resetCalls++
	if s.resetCalls <= s.cfg.FailResets {
		return schemas.State{}, fmt.Errorf("injected reset failure %d", s.resetCalls)
	}
	s.current = s.cfg.Start
	s.outcome = schemas.OutcomeNone
	return s.snapshot(), nil
}

// Step executes one action against the current page.
func (s *Sim) Step(ctx context.Context, action schemas.Action) (schemas.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return schemas.State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return schemas.State{}, false, fmt.Errorf("sim is closed")
	}
	s.stepCalls++
	if s.cfg.FailStepAt > 0 && s.stepCalls == s.cfg.FailStepAt {
		return schemas.State{}, false, fmt.Errorf("injected step failure at call %d", s.stepCalls)
	}

	page := s.pages[s.current]
	switch action.Kind {
	case schemas.ActionClick, schemas.ActionScroll, schemas.ActionTypeText:
		if action.ElementRef < 0 || action.ElementRef >= len(page.Elements) {
			return schemas.State{}, false, fmt.Errorf("action %s on page %q: %w",
				action, page.ID, schemas.ErrStaleReference)
		}
		s.outcome = schemas.OutcomeOK
		if action.Kind == schemas.ActionClick {
			if dest, ok := page.Transitions[action.ElementRef]; ok {
				s.current = dest
			}
		}
	case schemas.ActionNavigate:
		if _, ok := s.pages[action.URL]; ok {
			s.current = action.URL
			s.outcome = schemas.OutcomeOK
		} else {
			s.outcome = schemas.OutcomeError
		}
	case schemas.ActionWait:
		s.outcome = schemas.OutcomeOK
	case schemas.ActionEndEpisode:
		// Normally resolved by the training loop without a Step call.
		return s.snapshot(), true, nil
	default:
		return schemas.State{}, false, fmt.Errorf("unsupported action kind %q", action.Kind)
	}

	state := s.snapshot()
	return state, state.Terminal, nil
}

// Close shuts the simulator down; further calls fail.
func (s *Sim) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// snapshot materializes the current page as an immutable state. The state
// key doubles as the equality oracle: two snapshots of the same page with
// the same session flags are the same state.
func (s *Sim) snapshot() schemas.State {
	page := s.pages[s.current]
	key := page.ID
	if page.Authenticated {
		key += "|auth"
	}
	elements := make([]schemas.UIElement, len(page.Elements))
	copy(elements, page.Elements)
	return schemas.State{
		Key:           key,
		PageID:        page.ID,
		Elements:      elements,
		Authenticated: page.Authenticated,
		LastResult:    s.outcome,
		Terminal:      page.Terminal,
		Anomaly:       page.Anomalous,
	}
}

// NewDemoSim scripts a small three-page application with two interactive
// elements per page: a login form, a catalog, and an anomalous detail page.
func NewDemoSim() *Sim {
	sim, err := NewSim(SimConfig{
		Start: "/login",
		Pages: []SimPage{
			{
				ID: "/login",
				Elements: []schemas.UIElement{
					{Role: schemas.RoleInput, Label: "email", Region: schemas.Region{X: 10, Y: 10, Width: 200, Height: 24}, Enabled: true},
					{Role: schemas.RoleButton, Label: "sign in", Region: schemas.Region{X: 10, Y: 50, Width: 80, Height: 32}, Enabled: true},
				},
				Transitions: map[int]string{1: "/catalog"},
			},
			{
				ID:            "/catalog",
				Authenticated: true,
				Elements: []schemas.UIElement{
					{Role: schemas.RoleLink, Label: "first item", Region: schemas.Region{X: 10, Y: 10, Width: 120, Height: 20}, Enabled: true},
					{Role: schemas.RoleList, Label: "results", Region: schemas.Region{X: 10, Y: 40, Width: 300, Height: 400}, Enabled: true},
				},
				Transitions: map[int]string{0: "/item"},
			},
			{
				ID:            "/item",
				Authenticated: true,
				Anomalous:     true,
				Elements: []schemas.UIElement{
					{Role: schemas.RoleButton, Label: "add to basket", Region: schemas.Region{X: 10, Y: 10, Width: 100, Height: 32}, Enabled: true},
					{Role: schemas.RoleLink, Label: "back to catalog", Region: schemas.Region{X: 10, Y: 50, Width: 120, Height: 20}, Enabled: true},
				},
				Transitions: map[int]string{1: "/catalog"},
			},
		},
	})
	if err != nil {
		panic(err) // static fixture, cannot fail
	}
	return sim
}
