// Package node defines the execution-unit contract consumed by the
// dispatcher. Nodes are opaque implementations supplied by the embedding
// application; the runtime only knows how to invoke them and persist what
// they produce.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/loomwork/loom/runtime/blackboard"
)

type (
	// Status classifies a node execution outcome.
	Status string

	// Execution is everything a node receives for one invocation.
	Execution struct {
		// SessionID identifies the session the node runs in.
		SessionID string
		// TenantID identifies the tenant, matching the store's binding.
		TenantID string
		// Attempt is the idempotency attempt number, starting at 1.
		Attempt int
		// Params are the caller-provided start parameters, opaque JSON.
		Params json.RawMessage
		// Store is the tenant blackboard. Nodes read context and append
		// results through it.
		Store blackboard.Store
	}

	// Result is what a node hands back to the dispatcher.
	Result struct {
		// Status classifies the outcome.
		Status Status
		// Output is the node's opaque result document, if any.
		Output json.RawMessage
		// Artifacts maps artifact ids to content blobs. The dispatcher
		// persists every entry after a successful execution.
		Artifacts map[string]json.RawMessage
		// NextEvents optionally overrides which event types the node wants
		// emitted instead of the status-derived default.
		NextEvents []string
		// ErrorMessage describes the failure when Status is StatusError.
		ErrorMessage string
	}

	// Executor is the single contract every execution unit implements.
	Executor interface {
		Execute(ctx context.Context, exec Execution) (Result, error)
	}

	// ExecutorFunc adapts a function to the Executor interface.
	ExecutorFunc func(ctx context.Context, exec Execution) (Result, error)

	// Registry maps node ids to executors. Safe for concurrent use.
	Registry struct {
		mu    sync.RWMutex
		nodes map[string]Executor
	}
)

// Node execution outcomes.
const (
	// StatusSuccess drives a STEP_DONE event.
	StatusSuccess Status = "success"
	// StatusError drives an EVENT_ERROR event and the retry path.
	StatusError Status = "error"
	// StatusNeedUserInput drives a NEED_USER_INPUT event and parks the
	// session in waiting_user.
	StatusNeedUserInput Status = "need_user_input"
)

// Execute invokes the function.
func (f ExecutorFunc) Execute(ctx context.Context, exec Execution) (Result, error) {
	return f(ctx, exec)
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Executor)}
}

// Register binds an executor to a node id. Re-registering an id fails: node
// bindings are process-wide wiring, not runtime state.
func (r *Registry) Register(id string, exec Executor) error {
	if id == "" {
		return fmt.Errorf("node id is required")
	}
	if exec == nil {
		return fmt.Errorf("node %q: executor is required", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.nodes[id]; dup {
		return fmt.Errorf("node %q is already registered", id)
	}
	r.nodes[id] = exec
	return nil
}

// Resolve returns the executor bound to the id, if any.
func (r *Registry) Resolve(id string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.nodes[id]
	return exec, ok
}

// IDs returns the sorted registered node ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
