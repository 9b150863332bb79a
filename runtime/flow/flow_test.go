package flow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const supportFlowYAML = `
id: support
states: [start, echoed, end]
transitions:
  - from: start
    to: echoed
    on: STEP_DONE
  - from: echoed
    to: end
    on: USER_CONFIRM
nodes:
  start: echo
await_input: [echoed]
`

func TestParseValidFlow(t *testing.T) {
	f, err := Parse([]byte(supportFlowYAML))
	require.NoError(t, err)
	require.Equal(t, "support", f.ID)
	require.Equal(t, "start", f.Initial())

	node, ok := f.NodeFor("start")
	require.True(t, ok)
	require.Equal(t, "echo", node)
	_, ok = f.NodeFor("echoed")
	require.False(t, ok)

	require.True(t, f.AwaitsInput("echoed"))
	require.False(t, f.AwaitsInput("start"))

	def, err := f.Definition()
	require.NoError(t, err)
	next, err := def.Next("start", "STEP_DONE")
	require.NoError(t, err)
	require.Equal(t, "echoed", next)
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", "states: [a]\ntransitions: []"},
		{"empty states", "id: f\nstates: []\ntransitions: []"},
		{"transition missing event", "id: f\nstates: [a, b]\ntransitions:\n  - from: a\n    to: b"},
		{"unknown field", "id: f\nstates: [a]\ntransitions: []\nbogus: 1"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.ErrorIs(t, err, ErrInvalidFlow)
		})
	}
}

func TestParseRejectsSemanticErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"transition from unknown state", `
id: f
states: [a, b]
transitions:
  - from: x
    to: b
    on: GO
`},
		{"node bound to unknown state", `
id: f
states: [a]
transitions: []
nodes:
  x: n1
`},
		{"await_input unknown state", `
id: f
states: [a]
transitions: []
await_input: [x]
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.ErrorIs(t, err, ErrInvalidFlow)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "support.yaml")
	require.NoError(t, os.WriteFile(path, []byte(supportFlowYAML), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "support", f.ID)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestImplicitFlow(t *testing.T) {
	f := ImplicitFlow("echo")
	require.NoError(t, f.Validate())
	require.Equal(t, "execute", f.Initial())

	node, ok := f.NodeFor("execute")
	require.True(t, ok)
	require.Equal(t, "echo", node)

	def, err := f.Definition()
	require.NoError(t, err)
	next, err := def.Next("execute", "STEP_DONE")
	require.NoError(t, err)
	require.Equal(t, "done", next)
	require.True(t, def.Terminal("done"))
}
