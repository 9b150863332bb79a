// Package flow defines workflow descriptions: the states a session moves
// through, the transition table between them, which states are bound to
// execution nodes and which wait for user input. Flows are loaded from YAML
// and validated against a JSON schema before use.
package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/loomwork/loom/runtime/fsm"
)

type (
	// Flow is a reusable workflow description. It is immutable after Parse;
	// the per-session current state lives in the blackboard, never here.
	Flow struct {
		// ID names the flow. Sessions record it so a restored session can be
		// matched back to its definition.
		ID string `yaml:"id" json:"id"`
		// States is the ordered state list. The first entry is the initial
		// state; by convention the last is the terminal one.
		States []string `yaml:"states" json:"states"`
		// Transitions is the edge list of the state machine.
		Transitions []Edge `yaml:"transitions" json:"transitions"`
		// Nodes binds states to node ids. Unbound states are pure
		// wait-for-external-event states.
		Nodes map[string]string `yaml:"nodes,omitempty" json:"nodes,omitempty"`
		// AwaitInput lists states in which the session waits for user input.
		AwaitInput []string `yaml:"await_input,omitempty" json:"await_input,omitempty"`
	}

	// Edge is one transition rule.
	Edge struct {
		// From is the state the edge leaves.
		From string `yaml:"from" json:"from"`
		// To is the state the edge enters.
		To string `yaml:"to" json:"to"`
		// On is the event type that triggers the edge.
		On string `yaml:"on" json:"on"`
	}
)

// ErrInvalidFlow wraps all flow validation failures.
var ErrInvalidFlow = errors.New("invalid flow")

// flowSchema validates the document shape before semantic checks run.
const flowSchema = `{
  "type": "object",
  "required": ["id", "states", "transitions"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "states": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "minLength": 1}
    },
    "transitions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to", "on"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "on": {"type": "string", "minLength": 1}
        },
        "additionalProperties": false
      }
    },
    "nodes": {
      "type": "object",
      "additionalProperties": {"type": "string", "minLength": 1}
    },
    "await_input": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    }
  },
  "additionalProperties": false
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(flowSchema), &doc); err != nil {
		panic(fmt.Sprintf("flow schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("flow.json", doc); err != nil {
		panic(fmt.Sprintf("flow schema: %v", err))
	}
	schema, err := compiler.Compile("flow.json")
	if err != nil {
		panic(fmt.Sprintf("flow schema: %v", err))
	}
	return schema
}

// Parse decodes a YAML flow document, validates it against the schema and
// checks its semantic consistency.
func Parse(data []byte) (*Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	// Round-trip through JSON so the schema sees json-typed values.
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFile reads and parses a flow document from disk.
func LoadFile(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}
	return Parse(data)
}

// Validate checks semantic consistency: every transition endpoint, node
// binding and await-input entry must name a declared state, and the
// transition table itself must build.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidFlow)
	}
	if _, err := f.Definition(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	declared := make(map[string]struct{}, len(f.States))
	for _, s := range f.States {
		declared[s] = struct{}{}
	}
	for state := range f.Nodes {
		if _, ok := declared[state]; !ok {
			return fmt.Errorf("%w: node bound to unknown state %q", ErrInvalidFlow, state)
		}
	}
	for _, state := range f.AwaitInput {
		if _, ok := declared[state]; !ok {
			return fmt.Errorf("%w: await_input names unknown state %q", ErrInvalidFlow, state)
		}
	}
	return nil
}

// Definition builds the flow's transition table.
func (f *Flow) Definition() (*fsm.Definition, error) {
	transitions := make([]fsm.Transition, len(f.Transitions))
	for i, e := range f.Transitions {
		transitions[i] = fsm.Transition{From: e.From, To: e.To, Event: e.On}
	}
	return fsm.New(f.States, transitions)
}

// Initial returns the flow's initial state.
func (f *Flow) Initial() string {
	if len(f.States) == 0 {
		return ""
	}
	return f.States[0]
}

// NodeFor returns the node bound to a state, if any.
func (f *Flow) NodeFor(state string) (string, bool) {
	id, ok := f.Nodes[state]
	return id, ok
}

// AwaitsInput reports whether the state waits for user input.
func (f *Flow) AwaitsInput(state string) bool {
	for _, s := range f.AwaitInput {
		if s == state {
			return true
		}
	}
	return false
}

// ImplicitFlow builds the minimal two-state flow wrapped around one-shot
// single-node work: execute the node, then done.
func ImplicitFlow(nodeID string) *Flow {
	return &Flow{
		ID:          "implicit:" + nodeID,
		States:      []string{"execute", "done"},
		Transitions: []Edge{{From: "execute", To: "done", On: "STEP_DONE"}},
		Nodes:       map[string]string{"execute": nodeID},
	}
}
