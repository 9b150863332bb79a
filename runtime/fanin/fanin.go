// Package fanin gates join steps: a flow that forks into parallel branches
// waits at the join until every prerequisite artifact exists.
package fanin

import (
	"context"

	"github.com/loomwork/loom/runtime/blackboard"
)

// Checker answers whether a session's prerequisite artifacts are all present.
type Checker struct {
	store blackboard.Store
}

// New builds a checker over the given store.
func New(store blackboard.Store) *Checker {
	return &Checker{store: store}
}

// AllDepsDone reports whether every artifact id was produced by the given
// session and its blob still exists. An empty dependency list is trivially
// done.
func (c *Checker) AllDepsDone(ctx context.Context, sessionID string, artifactIDs []string) (bool, error) {
	pending, err := c.PendingDeps(ctx, sessionID, artifactIDs)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

// PendingDeps returns the artifact ids not yet satisfied, in input order. An
// id counts as satisfied only when the session registered it and the blob is
// present; artifacts produced by other sessions of the same tenant never
// satisfy a join.
func (c *Checker) PendingDeps(ctx context.Context, sessionID string, artifactIDs []string) ([]string, error) {
	if len(artifactIDs) == 0 {
		return nil, nil
	}
	registered, err := c.store.ListSessionArtifacts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]struct{}, len(registered))
	for _, id := range registered {
		owned[id] = struct{}{}
	}
	var pending []string
	for _, id := range artifactIDs {
		if _, ok := owned[id]; !ok {
			pending = append(pending, id)
			continue
		}
		_, ok, err := c.store.GetArtifact(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			pending = append(pending, id)
		}
	}
	return pending, nil
}
