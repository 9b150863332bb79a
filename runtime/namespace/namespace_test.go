package namespace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	require.Equal(t, "acme:session:s1", SessionKey("acme", "s1"))
	require.Equal(t, "acme:session:s1:results:search", ResultsKey("acme", "s1", "search"))
	require.Equal(t, "acme:session:s1:artifacts", ArtifactSetKey("acme", "s1"))
	require.Equal(t, "acme:session:s1:steps", StepsKey("acme", "s1"))
	require.Equal(t, "acme:chat:s1", ChatKey("acme", "s1"))
	require.Equal(t, "acme:artifact:a1", ArtifactKey("acme", "a1"))
	require.Equal(t, "acme:abort:s1", AbortKey("acme", "s1"))
	require.Equal(t, "acme:events", EventsChannel("acme"))
	require.Equal(t, "acme:events:stream", EventsStream("acme"))
}

func TestSessionIDFromKey(t *testing.T) {
	require.Equal(t, "s1", SessionIDFromKey("acme", "acme:session:s1"))
	require.Empty(t, SessionIDFromKey("acme", "acme:session:s1:results:search"))
	require.Empty(t, SessionIDFromKey("acme", "acme:session:s1:artifacts"))
	require.Empty(t, SessionIDFromKey("acme", "acme:chat:s1"))
	require.Empty(t, SessionIDFromKey("acme", "other:session:s1"))
	require.Empty(t, SessionIDFromKey("acme", "acme:session:"))
}

func TestResultsBucketFromKey(t *testing.T) {
	require.Equal(t, "search", ResultsBucketFromKey("acme", "s1", "acme:session:s1:results:search"))
	require.Empty(t, ResultsBucketFromKey("acme", "s1", "acme:session:s2:results:search"))
	require.Empty(t, ResultsBucketFromKey("acme", "s1", "acme:session:s1:artifacts"))
}

func TestNoCrossTenantCollision(t *testing.T) {
	// Identical resource ids under different tenants must map to distinct keys.
	require.NotEqual(t, SessionKey("acme", "s1"), SessionKey("globex", "s1"))
	require.NotEqual(t, ArtifactKey("acme", "a1"), ArtifactKey("globex", "a1"))
	require.NotEqual(t, EventsStream("acme"), EventsStream("globex"))
}
