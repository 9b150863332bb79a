package fsm

import (
	"context"
	"fmt"

	"github.com/loomwork/loom/runtime/blackboard"
)

// AtomicEngine drives a definition against the persisted session state.
// Advance is linearizable: of N concurrent calls computing the same
// transition, exactly one wins the underlying compare-and-swap and the rest
// observe a *blackboard.ConflictError.
type AtomicEngine struct {
	def   *Definition
	store blackboard.Store
}

// NewAtomicEngine binds a definition to a blackboard store.
func NewAtomicEngine(def *Definition, store blackboard.Store) *AtomicEngine {
	return &AtomicEngine{def: def, store: store}
}

// Definition returns the transition table the engine drives.
func (e *AtomicEngine) Definition() *Definition { return e.def }

// Current reads the session's state, falling back to the definition's
// initial state when none was persisted yet.
func (e *AtomicEngine) Current(ctx context.Context, sessionID string) (string, error) {
	v, ok, err := e.store.GetState(ctx, sessionID, blackboard.FieldCurrentState)
	if err != nil {
		return "", err
	}
	if !ok {
		return e.def.Initial(), nil
	}
	state, err := v.AsString()
	if err != nil {
		return "", fmt.Errorf("session %s: %w", sessionID, err)
	}
	return state, nil
}

// Advance reads the current state, computes the transition for the event and
// swaps the persisted state in one atomic step. It returns the state entered.
// A lost race surfaces as *blackboard.ConflictError; the caller re-reads and
// decides whether the event still applies.
func (e *AtomicEngine) Advance(ctx context.Context, sessionID, event string) (string, error) {
	v, ok, err := e.store.GetState(ctx, sessionID, blackboard.FieldCurrentState)
	if err != nil {
		return "", err
	}
	var expected string
	current := e.def.Initial()
	if ok {
		current, err = v.AsString()
		if err != nil {
			return "", fmt.Errorf("session %s: %w", sessionID, err)
		}
		expected = current
	}
	next, err := e.def.Next(current, event)
	if err != nil {
		return "", err
	}
	if err := e.store.CompareAndSwapState(ctx, sessionID, blackboard.FieldCurrentState, expected, next); err != nil {
		return "", err
	}
	return next, nil
}
