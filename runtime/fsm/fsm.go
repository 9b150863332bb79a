// Package fsm implements the workflow state machine: a pure transition table
// plus an atomic engine that advances the persisted state through
// compare-and-swap, so concurrent drivers of the same session cannot fork its
// history.
package fsm

import (
	"errors"
	"fmt"
	"sort"
)

type (
	// Transition names one edge of the machine: when Event arrives in state
	// From, the machine moves to To.
	Transition struct {
		// From is the state the edge leaves.
		From string
		// To is the state the edge enters.
		To string
		// Event is the event type that triggers the edge.
		Event string
	}

	// Definition is an immutable transition table. It carries no current
	// state: state lives in the blackboard, the definition only answers
	// "given this state and this event, what comes next".
	Definition struct {
		initial string
		states  map[string]struct{}
		edges   map[edgeKey]string
	}

	edgeKey struct {
		from  string
		event string
	}
)

// ErrInvalidTransition is returned when no edge matches the given state and
// event.
var ErrInvalidTransition = errors.New("invalid transition")

// New builds a definition. The first state is the initial one. Every
// transition endpoint must name a declared state, and no (from, event) pair
// may appear twice.
func New(states []string, transitions []Transition) (*Definition, error) {
	if len(states) == 0 {
		return nil, errors.New("at least one state is required")
	}
	known := make(map[string]struct{}, len(states))
	for _, s := range states {
		if s == "" {
			return nil, errors.New("empty state name")
		}
		if _, dup := known[s]; dup {
			return nil, fmt.Errorf("duplicate state %q", s)
		}
		known[s] = struct{}{}
	}
	edges := make(map[edgeKey]string, len(transitions))
	for _, t := range transitions {
		if _, ok := known[t.From]; !ok {
			return nil, fmt.Errorf("transition from unknown state %q", t.From)
		}
		if _, ok := known[t.To]; !ok {
			return nil, fmt.Errorf("transition to unknown state %q", t.To)
		}
		if t.Event == "" {
			return nil, fmt.Errorf("transition %s->%s has no event", t.From, t.To)
		}
		key := edgeKey{from: t.From, event: t.Event}
		if _, dup := edges[key]; dup {
			return nil, fmt.Errorf("duplicate transition for (%s, %s)", t.From, t.Event)
		}
		edges[key] = t.To
	}
	return &Definition{initial: states[0], states: known, edges: edges}, nil
}

// Initial returns the machine's initial state.
func (d *Definition) Initial() string { return d.initial }

// Has reports whether the state is declared.
func (d *Definition) Has(state string) bool {
	_, ok := d.states[state]
	return ok
}

// Next computes the state reached from the given state on the given event.
// It is pure: no side effects, same inputs always yield the same output.
func (d *Definition) Next(state, event string) (string, error) {
	if _, ok := d.states[state]; !ok {
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidTransition, state)
	}
	to, ok := d.edges[edgeKey{from: state, event: event}]
	if !ok {
		return "", fmt.Errorf("%w: no edge from %q on %q", ErrInvalidTransition, state, event)
	}
	return to, nil
}

// ValidEvents returns the sorted event types accepted in the given state.
func (d *Definition) ValidEvents(state string) []string {
	var events []string
	for key := range d.edges {
		if key.from == state {
			events = append(events, key.event)
		}
	}
	sort.Strings(events)
	return events
}

// Terminal reports whether no edge leaves the given state.
func (d *Definition) Terminal(state string) bool {
	for key := range d.edges {
		if key.from == state {
			return false
		}
	}
	return true
}
